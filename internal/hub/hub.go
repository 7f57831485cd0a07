// Package hub bridges WebSocket clients to the device manager and the
// sequence and trigger engines. Each connection gets its own client
// state and a bounded outbound queue; a slow client drops its oldest
// frames rather than back-pressuring a device session.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/otel"
	"github.com/benchlab/benchd/internal/protocol"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/store"
	"github.com/benchlab/benchd/internal/trigger"
)

// Config holds hub tuning. The zero value is not valid; use
// DefaultConfig.
type Config struct {
	// SendBuffer is the per-client outbound queue capacity.
	SendBuffer int

	// DropLimit disconnects a client once this many frames were
	// dropped without a single successful write in between.
	DropLimit int

	// PingIntervalMs is the keepalive ping period.
	PingIntervalMs int64

	// WriteTimeoutMs bounds a single frame write.
	WriteTimeoutMs int64
}

// DefaultConfig returns the production hub tuning.
func DefaultConfig() *Config {
	return &Config{
		SendBuffer:     config.DefaultClientSendBuffer,
		DropLimit:      config.DefaultClientDropLimit,
		PingIntervalMs: 30000,
		WriteTimeoutMs: 10000,
	}
}

const errInvalidConfig = errorString("invalid configuration")

type errorString string

func (e errorString) Error() string { return string(e) }

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SendBuffer < 1 {
		return fmt.Errorf("%w: sendBuffer must be at least 1", errInvalidConfig)
	}
	if c.DropLimit < 1 {
		return fmt.Errorf("%w: dropLimit must be at least 1", errInvalidConfig)
	}
	if c.PingIntervalMs < 1 {
		return fmt.Errorf("%w: pingIntervalMs must be at least 1", errInvalidConfig)
	}
	if c.WriteTimeoutMs < 1 {
		return fmt.Errorf("%w: writeTimeoutMs must be at least 1", errInvalidConfig)
	}
	return nil
}

const errNilManager = errorString("hub requires a device manager")

// Recorder receives protocol activity for metrics exposition. A nil
// recorder disables collection.
type Recorder interface {
	RecordMessage(msgType string, durationMs int64)
	RecordProtocolError(code string)
	ClientConnected(clientID string)
	ClientDisconnected(clientID, reason string)
}

// Diagnostics supplies the latest host health sample for the
// getDiagnostics message. The diag sampler satisfies it.
type Diagnostics interface {
	Latest() (diag.Sample, bool)
}

// Hub owns all connected clients and the dispatch table from client
// message types to handlers. The sequence engine, trigger engine and
// store are optional; operations against a missing subsystem are
// rejected with a stable error code.
type Hub struct {
	cfg       *Config
	mgr       *manager.Manager
	sequences *sequence.Engine
	triggers  *trigger.Engine
	store     *store.Store
	log       *events.EventLogger

	handlers map[string]func(*Client, protocol.ClientMessage)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	metrics Recorder
	diag    Diagnostics

	nextClient   atomic.Int64
	droppedPrior atomic.Int64 // dropped frames of disconnected clients
	closed       atomic.Bool
}

// New creates a hub. cfg may be nil for defaults; mgr is required,
// the engines and store may be nil when those subsystems are not
// configured.
func New(cfg *Config, mgr *manager.Manager, sequences *sequence.Engine, triggers *trigger.Engine, st *store.Store) (*Hub, error) {
	if mgr == nil {
		return nil, errNilManager
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.DropLimit == 0 {
		cfg.DropLimit = def.DropLimit
	}
	if cfg.PingIntervalMs == 0 {
		cfg.PingIntervalMs = def.PingIntervalMs
	}
	if cfg.WriteTimeoutMs == 0 {
		cfg.WriteTimeoutMs = def.WriteTimeoutMs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		mgr:       mgr,
		sequences: sequences,
		triggers:  triggers,
		store:     st,
		log:       events.GetGlobalEventLogger(),
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*Client]struct{}),
	}
	h.handlers = h.buildHandlers()
	return h, nil
}

// Start wires the hub into the manager and engine event streams.
// Device list changes and engine lifecycle events are broadcast to
// every connected client.
func (h *Hub) Start() {
	h.mgr.OnDeviceListChanged(func() {
		h.broadcastDeviceList()
	})
	if h.sequences != nil {
		h.sequences.Subscribe(func(ev sequence.Event) {
			h.broadcastAll(protocol.FromSequenceEvent(ev))
		})
	}
	if h.triggers != nil {
		h.triggers.Subscribe(func(ev trigger.Event) {
			h.broadcastAll(protocol.FromTriggerEvent(ev))
		})
	}
}

// SetRecorder attaches a metrics recorder. Call before Start.
func (h *Hub) SetRecorder(r Recorder) {
	h.mu.Lock()
	h.metrics = r
	h.mu.Unlock()
}

func (h *Hub) recorder() Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics
}

// SetDiagnostics attaches the health sampler served by
// getDiagnostics. Call before Start.
func (h *Hub) SetDiagnostics(d Diagnostics) {
	h.mu.Lock()
	h.diag = d
	h.mu.Unlock()
}

func (h *Hub) diagnostics() Diagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diag
}

// Close disconnects every client and stops accepting new ones.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	for _, c := range h.clientList() {
		c.close("server shutdown")
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// DroppedFrames reports the total outbound frames dropped over the
// hub's lifetime, including clients that have since disconnected.
func (h *Hub) DroppedFrames() int64 {
	total := h.droppedPrior.Load()
	for _, c := range h.clientList() {
		total += c.out.droppedTotal()
	}
	return total
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if m := otel.GetGlobalMetrics(); m != nil {
		m.ClientConnected(h.ctx)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	if m := otel.GetGlobalMetrics(); m != nil {
		m.ClientDisconnected(h.ctx)
	}
}

func (h *Hub) clientList() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// dispatch routes one client frame to its handler.
func (h *Hub) dispatch(c *Client, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, err)
		return
	}
	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.replyError(c, "", protocol.CodeUnknownMessageType, fmt.Errorf("unknown message type %q", msg.Type))
		return
	}

	_, span := otel.GetGlobalTracer().StartMessageSpan(h.ctx, otel.MessageSpanOptions{
		ClientID:    c.id,
		MessageType: msg.Type,
		DeviceID:    msg.DeviceID,
	})
	start := time.Now()
	handler(c, msg)
	elapsed := time.Since(start)
	span.End()

	if rec := h.recorder(); rec != nil {
		rec.RecordMessage(msg.Type, elapsed.Milliseconds())
	}
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordMessageLatency(h.ctx, msg.Type, float64(elapsed.Microseconds())/1000.0)
	}
}

// reply sends msg to one client.
func (h *Hub) reply(c *Client, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.log.LogClientError(c.id, "encode", err)
		return
	}
	c.enqueue(data, false)
}

// replyError reports a failed operation to the requesting client.
func (h *Hub) replyError(c *Client, deviceID, code string, err error) {
	h.log.LogClientError(c.id, code, err)
	if rec := h.recorder(); rec != nil {
		rec.RecordProtocolError(code)
	}
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordError(h.ctx, code)
	}
	h.reply(c, protocol.NewError(deviceID, code, err.Error()))
}

// broadcastAll sends msg to every connected client.
func (h *Hub) broadcastAll(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	for _, c := range h.clientList() {
		c.enqueue(data, false)
	}
}

// broadcastDeviceList pushes the current alias-enriched roster to all
// clients.
func (h *Hub) broadcastDeviceList() {
	h.broadcastAll(h.deviceListMessage())
}

// deviceListMessage builds the roster, attaching stored aliases by the
// instruments' IDN keys.
func (h *Hub) deviceListMessage() protocol.DeviceListMessage {
	aliases := h.aliases()
	sums := h.mgr.DeviceList()
	entries := make([]protocol.DeviceEntry, 0, len(sums))
	for _, s := range sums {
		entries = append(entries, protocol.EntryFrom(s, aliases[store.AliasKey(s.Info)]))
	}
	return protocol.NewDeviceList(entries)
}

// aliases returns the stored alias table, or an empty one when no
// store is configured or the read fails.
func (h *Hub) aliases() map[string]string {
	if h.store == nil {
		return map[string]string{}
	}
	aliases, err := h.store.Aliases()
	if err != nil {
		return map[string]string{}
	}
	return aliases
}
