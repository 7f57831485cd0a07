package e2e

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/hub"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/metrics"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/simulator"
	"github.com/benchlab/benchd/internal/store"
	"github.com/benchlab/benchd/internal/transport"
	"github.com/benchlab/benchd/internal/trigger"
)

// Device IDs the simulated bench enumerates under.
const (
	psuID   = "benchlab-vpsu-1-ps01"
	loadID  = "benchlab-vload-1-ld01"
	scopeID = "benchlab-vscope-1-sc01"
)

// Stack is one fully assembled server: simulated instruments behind
// periodic discovery, the settings store, both engines, diagnostics
// sampling and the metrics collector, served on a random port. Tests
// reach it through WSURL and BaseURL the way a real client would.
type Stack struct {
	Bench   *simulator.Bench
	Manager *manager.Manager
	Sampler *diag.Sampler

	StorePath string
	WSURL     string
	BaseURL   string

	st    *store.Store
	seqs  *sequence.Engine
	trigs *trigger.Engine
	h     *hub.Hub
	srv   *hub.Server

	stop sync.Once
}

// StartStack boots a stack over a fresh bench and store and waits for
// discovery to connect all three simulated instruments.
func StartStack(t *testing.T) *Stack {
	t.Helper()
	return StartStackAt(t, filepath.Join(t.TempDir(), "benchd.db"))
}

// StartStackAt boots a stack against a specific store path so tests
// can shut one instance down and start another over the same data.
func StartStackAt(t *testing.T, storePath string) *Stack {
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
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Failed to start discovery: %v", err)
	}

	st, err := store.Open(storePath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	seqs, err := sequence.New(st.Sequences(), mgr)
	if err != nil {
		t.Fatalf("Failed to create sequence engine: %v", err)
	}
	trigs, err := trigger.New(&trigger.Config{EvalIntervalMs: 10}, st.Scripts(), mgr, seqs)
	if err != nil {
		t.Fatalf("Failed to create trigger engine: %v", err)
	}
	sampler, err := diag.New(&diag.Config{IntervalMs: 50, HistorySize: 16, StorePath: storePath})
	if err != nil {
		t.Fatalf("Failed to create diagnostics sampler: %v", err)
	}
	sampler.Start()

	h, err := hub.New(&hub.Config{SendBuffer: 64, DropLimit: 16, PingIntervalMs: 1000, WriteTimeoutMs: 1000}, mgr, seqs, trigs, st)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	collector := metrics.NewCollector()
	collector.SetDeviceProvider(mgr)
	collector.SetClientProvider(h)
	collector.SetStoreProvider(st)
	collector.SetDiagProvider(sampler)
	h.SetRecorder(collector)
	h.SetDiagnostics(sampler)
	h.Start()

	srv, err := hub.NewServer(&hub.ServerConfig{Addr: "127.0.0.1:0", MetricsHandler: collector.Handler()}, h)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	s := &Stack{
		Bench:     b,
		Manager:   mgr,
		Sampler:   sampler,
		StorePath: storePath,
		WSURL:     "ws://" + srv.Addr() + "/ws",
		BaseURL:   "http://" + srv.Addr(),
		st:        st,
		seqs:      seqs,
		trigs:     trigs,
		h:         h,
		srv:       srv,
	}
	t.Cleanup(s.Shutdown)

	WaitUntil(t, "all simulated instruments to connect", func() bool {
		return mgr.Stats().Connected == 3
	})
	t.Logf("Stack serving at %s with %d instruments", s.BaseURL, mgr.Stats().Devices)
	return s
}

// Shutdown stops every component in dependency order. Safe to call
// more than once; restart tests call it mid-test before booting a
// second instance over the same store.
func (s *Stack) Shutdown() {
	s.stop.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Stop(ctx)
		s.trigs.Close(ctx)
		s.seqs.Close(ctx)
		s.Sampler.Close(ctx)
		s.Manager.Close(ctx)
		s.st.Close()
	})
}

// Conn is one WebSocket client attached to a stack.
type Conn struct {
	t  *testing.T
	ws *websocket.Conn
}

// Dial connects a new WebSocket client to the stack.
func (s *Stack) Dial(t *testing.T) *Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.WSURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", s.WSURL, err)
	}
	t.Cleanup(func() { ws.Close() })
	return &Conn{t: t, ws: ws}
}

// Send writes one JSON frame.
func (c *Conn) Send(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("Failed to marshal %v: %v", msg, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("Failed to write frame: %v", err)
	}
}

// Next reads and decodes one frame.
func (c *Conn) Next() map[string]any {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("Failed to decode frame %q: %v", data, err)
	}
	return m
}

// WaitFor reads frames until one of the given type arrives. Unrelated
// traffic such as measurement fanout is skipped.
func (c *Conn) WaitFor(msgType string) map[string]any {
	c.t.Helper()
	return c.WaitForMatch(msgType, func(map[string]any) bool { return true })
}

// WaitForMatch reads frames until one of the given type satisfies the
// predicate.
func (c *Conn) WaitForMatch(msgType string, match func(m map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m := c.Next()
		if m["type"] == msgType && match(m) {
			return m
		}
	}
	c.t.Fatalf("Timed out waiting for %q", msgType)
	return nil
}

// WaitUntil polls cond until it holds.
func WaitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("Timed out waiting for %s", what)
	}
}
