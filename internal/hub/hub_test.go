package hub

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/simulator"
	"github.com/benchlab/benchd/internal/store"
	"github.com/benchlab/benchd/internal/transport"
	"github.com/benchlab/benchd/internal/trigger"
)

const (
	simPSU   = "benchlab-vpsu-1-ps01"
	simLoad  = "benchlab-vload-1-ld01"
	simScope = "benchlab-vscope-1-sc01"
)

type testStack struct {
	mgr *manager.Manager
	st  *store.Store
	srv *Server
	url string
}

// startTestStack boots the full server over a simulated bench: three
// instruments, a store in a temp dir, both engines and the WebSocket
// endpoint on a random port.
func startTestStack(t *testing.T) *testStack {
	t.Helper()

	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	b.Add("sim-load", simulator.NewLoad("LD01"))
	b.Add("sim-scope", simulator.NewScope("SC01"))

	mgr, err := manager.New(&manager.Config{
		Enumerator:          b,
		Opener:              b,
		Registry:            driver.DefaultRegistry(),
		BaudRate:            9600,
		IdentifyTimeoutMs:   500,
		DiscoveryIntervalMs: 25,
		Transport:           transport.Config{QueryTimeoutMs: 500, PostCommandDelayMs: 0, LineBuffer: 8},
		Session: &session.Config{
			PollIntervalMs:      10,
			StatusRefreshTicks:  2,
			SetpointDebounceMs:  20,
			ErrorThreshold:      3,
			HistoryRetentionMs:  10000,
			ScopePollIntervalMs: 20,
			MinStreamIntervalMs: 10,
		},
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	if err := mgr.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	seqs, err := sequence.New(st.Sequences(), mgr)
	if err != nil {
		t.Fatalf("sequence.New: %v", err)
	}
	trigs, err := trigger.New(&trigger.Config{EvalIntervalMs: 10}, st.Scripts(), mgr, seqs)
	if err != nil {
		t.Fatalf("trigger.New: %v", err)
	}

	h, err := New(&Config{SendBuffer: 64, DropLimit: 16, PingIntervalMs: 1000, WriteTimeoutMs: 1000}, mgr, seqs, trigs, st)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	h.Start()

	srv, err := NewServer(&ServerConfig{Addr: "127.0.0.1:0"}, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		trigs.Close(ctx)
		seqs.Close(ctx)
		mgr.Close(ctx)
		st.Close()
	})

	return &testStack{
		mgr: mgr,
		st:  st,
		srv: srv,
		url: "ws://" + srv.Addr() + "/ws",
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, stack *testStack) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(stack.url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", stack.url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal %v: %v", msg, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) next() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

// waitFor reads frames until one of the wanted type arrives. Unrelated
// traffic (measurements, broadcasts) is skipped.
func (c *wsClient) waitFor(msgType string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := c.next()
		if m["type"] == msgType {
			return m
		}
	}
	c.t.Fatalf("timed out waiting for %q", msgType)
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHealthzMetricsEndpoints(t *testing.T) {
	stack := startTestStack(t)
	resp, err := http.Get("http://" + stack.srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestGetDevicesReturnsRoster(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "getDevices"})
	m := c.waitFor("deviceList")
	devices, ok := m["devices"].([]any)
	if !ok || len(devices) != 3 {
		t.Fatalf("deviceList carries %v, want 3 devices", m["devices"])
	}
	first := devices[0].(map[string]any)
	if first["id"] != simLoad {
		t.Fatalf("device[0] id = %v, want %s", first["id"], simLoad)
	}
	if first["type"] != "electronic-load" {
		t.Fatalf("device[0] type = %v, want electronic-load", first["type"])
	}
	if first["connectionStatus"] != "connected" {
		t.Fatalf("device[0] status = %v, want connected", first["connectionStatus"])
	}
	second := devices[1].(map[string]any)
	if second["type"] != "power-supply" {
		t.Fatalf("device[1] type = %v, want power-supply", second["type"])
	}
}

func TestSubscribeDeliversStateThenMeasurements(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "subscribe", "deviceId": simPSU})
	m := c.waitFor("subscribed")
	if m["deviceId"] != simPSU {
		t.Fatalf("subscribed deviceId = %v", m["deviceId"])
	}
	state, ok := m["state"].(map[string]any)
	if !ok {
		t.Fatalf("subscribed carries no state: %v", m)
	}
	if state["mode"] != "CV" {
		t.Fatalf("initial mode = %v, want CV", state["mode"])
	}
	if state["outputEnabled"] != false {
		t.Fatalf("initial outputEnabled = %v, want false", state["outputEnabled"])
	}

	meas := c.waitFor("measurement")
	if meas["deviceId"] != simPSU {
		t.Fatalf("measurement deviceId = %v", meas["deviceId"])
	}
	update, ok := meas["update"].(map[string]any)
	if !ok {
		t.Fatalf("measurement carries no update: %v", meas)
	}
	values, ok := update["measurements"].(map[string]any)
	if !ok {
		t.Fatalf("measurement update has no values: %v", update)
	}
	for _, k := range []string{"voltage", "current", "power"} {
		if _, ok := values[k]; !ok {
			t.Fatalf("measurement lacks %s: %v", k, values)
		}
	}
}

func TestSetValueEmitsSetpointsField(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "subscribe", "deviceId": simPSU})
	c.waitFor("subscribed")

	c.send(map[string]any{"type": "setValue", "deviceId": simPSU, "name": "voltage", "value": 12.04})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := c.waitFor("field")
		if m["field"] != "setpoints" {
			continue
		}
		value, ok := m["value"].(map[string]any)
		if !ok {
			t.Fatalf("setpoints field carries %v", m["value"])
		}
		if value["voltage"] != 12.04 {
			t.Fatalf("setpoints voltage = %v, want 12.04", value["voltage"])
		}
		return
	}
	t.Fatal("no setpoints field observed")
}

func TestProtocolErrors(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.sendRaw("{not json")
	if m := c.waitFor("error"); m["code"] != "INVALID_MESSAGE" {
		t.Fatalf("malformed frame code = %v", m["code"])
	}

	c.send(map[string]any{"type": "fooBar"})
	if m := c.waitFor("error"); m["code"] != "UNKNOWN_MESSAGE_TYPE" {
		t.Fatalf("unknown type code = %v", m["code"])
	}

	c.send(map[string]any{"type": "subscribe"})
	if m := c.waitFor("error"); m["code"] != "INVALID_MESSAGE" {
		t.Fatalf("missing deviceId code = %v", m["code"])
	}

	c.send(map[string]any{"type": "subscribe", "deviceId": "nope"})
	if m := c.waitFor("error"); m["code"] != "DEVICE_NOT_FOUND" {
		t.Fatalf("unknown device code = %v", m["code"])
	}

	c.send(map[string]any{"type": "scopeRun", "deviceId": simPSU})
	if m := c.waitFor("error"); m["code"] != "WRONG_DEVICE_TYPE" {
		t.Fatalf("scope op on psu code = %v", m["code"])
	}

	c.send(map[string]any{"type": "startList", "deviceId": simLoad})
	if m := c.waitFor("error"); m["code"] != "NOT_IMPLEMENTED" {
		t.Fatalf("startList code = %v", m["code"])
	}
}

func TestScopeWaveformOnDemand(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "scopeGetWaveform", "deviceId": simScope, "channel": 1})
	m := c.waitFor("scopeWaveform")
	if m["deviceId"] != simScope {
		t.Fatalf("waveform deviceId = %v", m["deviceId"])
	}
	wf, ok := m["waveform"].(map[string]any)
	if !ok {
		t.Fatalf("scopeWaveform carries no waveform: %v", m)
	}
	if wf["channel"] != float64(1) {
		t.Fatalf("waveform channel = %v, want 1", wf["channel"])
	}
	points, ok := wf["points"].([]any)
	if !ok || len(points) == 0 {
		t.Fatalf("waveform points empty: %v", wf["points"])
	}
	if inc, _ := wf["xIncrement"].(float64); inc <= 0 {
		t.Fatalf("xIncrement = %v, want > 0", wf["xIncrement"])
	}
}

func TestSequenceLibraryOverWire(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{
		"type": "sequenceLibrarySave",
		"sequence": map[string]any{
			"name": "step test",
			"waveform": map[string]any{
				"type": "arbitrary",
				"steps": []map[string]any{
					{"value": 1, "dwellMs": 10},
					{"value": 2, "dwellMs": 10},
				},
			},
		},
	})
	m := c.waitFor("sequenceLibrary")
	seqs, ok := m["sequences"].([]any)
	if !ok || len(seqs) != 1 {
		t.Fatalf("library carries %v, want 1 sequence", m["sequences"])
	}
	def := seqs[0].(map[string]any)
	id, _ := def["id"].(string)
	if len(id) < 5 || id[:4] != "seq_" {
		t.Fatalf("saved id = %q, want seq_ prefix", id)
	}
	if def["name"] != "step test" {
		t.Fatalf("saved name = %v", def["name"])
	}

	c.send(map[string]any{"type": "sequenceLibraryDelete", "id": id})
	m = c.waitFor("sequenceLibrary")
	if seqs, _ := m["sequences"].([]any); len(seqs) != 0 {
		t.Fatalf("after delete library has %v", m["sequences"])
	}
}

func TestSequenceRunLifecycleOverWire(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{
		"type": "sequenceLibrarySave",
		"sequence": map[string]any{
			"name": "short ramp",
			"waveform": map[string]any{
				"type": "arbitrary",
				"steps": []map[string]any{
					{"value": 1.5, "dwellMs": 10},
					{"value": 3.0, "dwellMs": 10},
				},
			},
		},
	})
	m := c.waitFor("sequenceLibrary")
	def := m["sequences"].([]any)[0].(map[string]any)
	id := def["id"].(string)

	c.send(map[string]any{
		"type": "sequenceRun",
		"config": map[string]any{
			"sequenceId": id,
			"deviceId":   simPSU,
			"parameter":  "voltage",
			"repeatMode": "once",
		},
	})

	started := c.waitFor("sequenceStarted")
	st, ok := started["state"].(map[string]any)
	if !ok {
		t.Fatalf("sequenceStarted carries no state: %v", started)
	}
	if st["executionState"] != "running" {
		t.Fatalf("started state = %v", st["executionState"])
	}

	completed := c.waitFor("sequenceCompleted")
	st, ok = completed["state"].(map[string]any)
	if !ok {
		t.Fatalf("sequenceCompleted carries no state: %v", completed)
	}
	if st["executionState"] != "completed" {
		t.Fatalf("completed state = %v", st["executionState"])
	}
}

func TestTriggerScriptOverWire(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{
		"type": "triggerScriptLibrarySave",
		"script": map[string]any{
			"name": "hold until told",
			"triggers": []map[string]any{
				{
					"id": "t1",
					"condition": map[string]any{
						"type": "time", "seconds": 3600,
					},
					"action": map[string]any{
						"type": "setOutput", "deviceId": simPSU, "enabled": false,
					},
					"repeatMode": "once",
				},
			},
		},
	})
	m := c.waitFor("triggerScriptLibrary")
	scripts, ok := m["scripts"].([]any)
	if !ok || len(scripts) != 1 {
		t.Fatalf("library carries %v, want 1 script", m["scripts"])
	}
	id := scripts[0].(map[string]any)["id"].(string)
	if len(id) < 5 || id[:4] != "scr_" {
		t.Fatalf("saved id = %q, want scr_ prefix", id)
	}

	c.send(map[string]any{"type": "triggerScriptRun", "id": id})
	started := c.waitFor("triggerScriptStarted")
	if started["scriptId"] != id {
		t.Fatalf("started scriptId = %v, want %s", started["scriptId"], id)
	}

	c.send(map[string]any{"type": "triggerScriptStop"})
	stopped := c.waitFor("triggerScriptStopped")
	if stopped["scriptId"] != id {
		t.Fatalf("stopped scriptId = %v, want %s", stopped["scriptId"], id)
	}
}

func TestDeviceAliasFlowOverWire(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "getDevices"})
	roster := c.waitFor("deviceList")
	var idn string
	for _, d := range roster["devices"].([]any) {
		dev := d.(map[string]any)
		if dev["id"] == simPSU {
			idn = fmt.Sprintf("%s,%s,%s", dev["manufacturer"], dev["model"], dev["serial"])
		}
	}
	if idn == "" {
		t.Fatal("psu not in roster")
	}

	c.send(map[string]any{"type": "deviceAliasSet", "idn": idn, "alias": "rail A"})
	changed := c.waitFor("deviceAliasChanged")
	if changed["idn"] != idn || changed["alias"] != "rail A" {
		t.Fatalf("deviceAliasChanged = %v", changed)
	}

	m := c.waitFor("deviceList")
	found := false
	for _, d := range m["devices"].([]any) {
		dev := d.(map[string]any)
		if dev["id"] == simPSU && dev["alias"] == "rail A" {
			found = true
		}
	}
	if !found {
		t.Fatalf("roster after alias set lacks alias: %v", m["devices"])
	}

	c.send(map[string]any{"type": "deviceAliasList"})
	aliases := c.waitFor("deviceAliases")
	table, ok := aliases["aliases"].(map[string]any)
	if !ok || table[idn] != "rail A" {
		t.Fatalf("alias table = %v", aliases["aliases"])
	}

	c.send(map[string]any{"type": "deviceAliasClear", "idn": idn})
	changed = c.waitFor("deviceAliasChanged")
	if changed["alias"] != "" && changed["alias"] != nil {
		t.Fatalf("cleared alias = %v", changed["alias"])
	}
}

func TestSettingsRoundtripOverWire(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{
		"type": "sequenceLibrarySave",
		"sequence": map[string]any{
			"name": "exported",
			"waveform": map[string]any{
				"type": "arbitrary",
				"steps": []map[string]any{
					{"value": 1, "dwellMs": 10},
				},
			},
		},
	})
	c.waitFor("sequenceLibrary")

	c.send(map[string]any{"type": "settingsExport"})
	exported := c.waitFor("settingsExported")
	doc, ok := exported["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settingsExported carries %v", exported["settings"])
	}
	if doc["version"] != float64(1) {
		t.Fatalf("settings version = %v", doc["version"])
	}

	c.send(map[string]any{"type": "settingsImport", "settings": doc})
	imported := c.waitFor("settingsImported")
	if imported["sequences"] != float64(1) {
		t.Fatalf("imported sequences = %v, want 1", imported["sequences"])
	}
}

func TestDisconnectDetachesSubscriptions(t *testing.T) {
	stack := startTestStack(t)
	c := dial(t, stack)

	c.send(map[string]any{"type": "subscribe", "deviceId": simPSU})
	c.waitFor("subscribed")
	waitUntil(t, "subscriber registered", func() bool {
		return stack.mgr.Stats().Subscribers == 1
	})

	c.conn.Close()
	waitUntil(t, "subscriber detached", func() bool {
		return stack.mgr.Stats().Subscribers == 0
	})
}

func TestOutQueueEvictsOldestNonSticky(t *testing.T) {
	q := newOutQueue(2)
	q.push(outFrame{data: []byte("a")})
	q.push(outFrame{data: []byte("b")})
	q.push(outFrame{data: []byte("c")})

	f, ok := q.pop()
	if !ok || string(f.data) != "b" {
		t.Fatalf("first pop = %q, want b", f.data)
	}
	f, _ = q.pop()
	if string(f.data) != "c" {
		t.Fatalf("second pop = %q, want c", f.data)
	}
	if q.droppedTotal() != 1 {
		t.Fatalf("dropped = %d, want 1", q.droppedTotal())
	}
}

func TestOutQueueNeverEvictsSticky(t *testing.T) {
	q := newOutQueue(2)
	q.push(outFrame{data: []byte("state"), sticky: true})
	q.push(outFrame{data: []byte("m1")})
	q.push(outFrame{data: []byte("m2")})

	f, _ := q.pop()
	if string(f.data) != "state" {
		t.Fatalf("first pop = %q, want state", f.data)
	}

	// A queue full of sticky frames drops newcomers instead.
	q = newOutQueue(1)
	q.push(outFrame{data: []byte("state"), sticky: true})
	queued, _ := q.push(outFrame{data: []byte("m")})
	if queued {
		t.Fatal("non-sticky push into all-sticky queue reported queued")
	}
	f, _ = q.pop()
	if string(f.data) != "state" {
		t.Fatalf("sticky frame lost, got %q", f.data)
	}
}

func TestOutQueueReportsConsecutiveDrops(t *testing.T) {
	q := newOutQueue(1)
	q.push(outFrame{data: []byte("a")})
	_, behind := q.push(outFrame{data: []byte("b")})
	if behind != 1 {
		t.Fatalf("behind = %d, want 1", behind)
	}
	_, behind = q.push(outFrame{data: []byte("c")})
	if behind != 2 {
		t.Fatalf("behind = %d, want 2", behind)
	}
	q.pop()
	_, behind = q.push(outFrame{data: []byte("d")})
	if behind != 0 {
		t.Fatalf("after pop behind = %d, want 0", behind)
	}
}

type stubRecorder struct {
	mu       sync.Mutex
	messages map[string]int
	errors   map[string]int
	connects int
	closes   int
}

func (r *stubRecorder) RecordMessage(msgType string, durationMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = map[string]int{}
	}
	r.messages[msgType]++
}

func (r *stubRecorder) RecordProtocolError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors == nil {
		r.errors = map[string]int{}
	}
	r.errors[code]++
}

func (r *stubRecorder) ClientConnected(clientID string) {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *stubRecorder) ClientDisconnected(clientID, reason string) {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
}

func (r *stubRecorder) snapshot() (map[string]int, map[string]int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make(map[string]int, len(r.messages))
	for k, v := range r.messages {
		msgs[k] = v
	}
	errs := make(map[string]int, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	return msgs, errs, r.connects, r.closes
}

func TestRecorderObservesTraffic(t *testing.T) {
	ts := startTestStack(t)
	rec := &stubRecorder{}
	ts.srv.hub.SetRecorder(rec)

	ws := dial(t, ts)
	ws.send(map[string]any{"type": "getDevices"})
	ws.waitFor("deviceList")
	ws.sendRaw("{not json")
	ws.waitFor("error")
	ws.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, connects, closes := rec.snapshot()
		if connects == 1 && closes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lifecycle hooks: connects=%d closes=%d", connects, closes)
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs, errs, _, _ := rec.snapshot()
	if msgs["getDevices"] < 1 {
		t.Errorf("getDevices not recorded: %v", msgs)
	}
	if errs["INVALID_MESSAGE"] < 1 {
		t.Errorf("decode error not recorded: %v", errs)
	}
}

type fakeDiag struct {
	sample diag.Sample
	ok     bool
}

func (f *fakeDiag) Latest() (diag.Sample, bool) { return f.sample, f.ok }

func TestGetDiagnostics(t *testing.T) {
	ts := startTestStack(t)
	ws := dial(t, ts)

	// No sampler attached yet.
	ws.send(map[string]any{"type": "getDiagnostics"})
	m := ws.waitFor("error")
	if m["code"] != "DIAGNOSTICS_NOT_AVAILABLE" {
		t.Fatalf("code = %v, want DIAGNOSTICS_NOT_AVAILABLE", m["code"])
	}

	ts.srv.hub.SetDiagnostics(&fakeDiag{
		sample: diag.Sample{
			TimestampMs: 42,
			Host:        diag.HostMetrics{CPUPercent: 12.5},
			Process:     diag.ProcessMetrics{Goroutines: 7},
		},
		ok: true,
	})
	ws.send(map[string]any{"type": "getDiagnostics"})
	m = ws.waitFor("diagnostics")
	sample, ok := m["sample"].(map[string]any)
	if !ok {
		t.Fatalf("diagnostics carries no sample: %v", m)
	}
	if sample["timestamp"] != float64(42) {
		t.Errorf("sample timestamp = %v, want 42", sample["timestamp"])
	}
	host, _ := sample["host"].(map[string]any)
	if host["cpuPercent"] != 12.5 {
		t.Errorf("host cpuPercent = %v, want 12.5", host["cpuPercent"])
	}
}
