package metrics

import (
	"sync"
	"time"

	"github.com/benchlab/benchd/internal/config"
)

// ClientEventKind represents the type of client lifecycle event.
type ClientEventKind string

const (
	ClientEventConnected    ClientEventKind = "connected"
	ClientEventDisconnected ClientEventKind = "disconnected"
)

// ClientEvent represents a single client lifecycle event.
type ClientEvent struct {
	ClientID  string          `json:"clientId"`
	Kind      ClientEventKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
}

// ClientRecord holds connection data for one live client.
type ClientRecord struct {
	ClientID    string    `json:"clientId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ClientStability contains aggregated client connection stability data.
type ClientStability struct {
	TotalClients      int64            `json:"totalClients"`
	ActiveClients     int64            `json:"activeClients"`
	AvgLifetimeMs     float64          `json:"avgLifetimeMs"`
	ChurnPerMinute    float64          `json:"churnPerMinute"`
	ProtocolErrors    int64            `json:"protocolErrors"`
	SlowConsumerDrops int64            `json:"slowConsumerDrops"`
	StabilityScore    float64          `json:"stabilityScore"`
	DisconnectReasons map[string]int64 `json:"disconnectReasons,omitempty"`
}

// ClientTracker tracks WebSocket client lifecycle events and computes
// stability metrics. Closed clients fold into running aggregates so
// memory stays bounded regardless of churn.
type ClientTracker struct {
	mu sync.RWMutex

	events    []ClientEvent
	maxEvents int
	live      map[string]*ClientRecord

	totalConnected      int64
	totalProtocolErrors int64
	closedLifetimeMs    float64
	closedCount         int64
	reasons             map[string]int64

	startTime time.Time
	nowFunc   func() time.Time
}

// NewClientTracker creates a new ClientTracker.
func NewClientTracker() *ClientTracker {
	return &ClientTracker{
		events:    make([]ClientEvent, 0, config.DefaultClientEventRing),
		maxEvents: config.DefaultClientEventRing,
		live:      make(map[string]*ClientRecord),
		reasons:   make(map[string]int64),
		startTime: time.Now(),
		nowFunc:   time.Now,
	}
}

// Connected records a new client session.
func (t *ClientTracker) Connected(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.appendEvent(ClientEvent{ClientID: clientID, Kind: ClientEventConnected, Timestamp: now})
	t.totalConnected++
	t.live[clientID] = &ClientRecord{ClientID: clientID, ConnectedAt: now}
}

// Disconnected records a client session ending. The lifetime moves to
// the closed aggregate and the live record is released.
func (t *ClientTracker) Disconnected(clientID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.appendEvent(ClientEvent{ClientID: clientID, Kind: ClientEventDisconnected, Timestamp: now, Reason: reason})
	t.reasons[reason]++

	if rec, ok := t.live[clientID]; ok {
		t.closedLifetimeMs += float64(now.Sub(rec.ConnectedAt).Milliseconds())
		t.closedCount++
		delete(t.live, clientID)
	}
}

// ProtocolError records one malformed or rejected client request.
func (t *ClientTracker) ProtocolError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalProtocolErrors++
}

func (t *ClientTracker) appendEvent(event ClientEvent) {
	if len(t.events) >= t.maxEvents {
		t.events = t.events[1:]
	}
	t.events = append(t.events, event)
}

// Stability computes and returns current client stability metrics.
func (t *ClientTracker) Stability() ClientStability {
	t.mu.RLock()
	now := t.nowFunc()
	startTime := t.startTime
	totalConnected := t.totalConnected
	totalProtocolErrors := t.totalProtocolErrors
	closedLifetimeMs := t.closedLifetimeMs
	closedCount := t.closedCount

	activeCount := int64(len(t.live))
	liveLifetimeMs := float64(0)
	for _, rec := range t.live {
		liveLifetimeMs += float64(now.Sub(rec.ConnectedAt).Milliseconds())
	}

	reasons := make(map[string]int64, len(t.reasons))
	for reason, count := range t.reasons {
		reasons[reason] = count
	}
	t.mu.RUnlock()

	elapsedMinutes := now.Sub(startTime).Minutes()
	if elapsedMinutes < 1 {
		elapsedMinutes = 1
	}

	avgLifetimeMs := float64(0)
	if closedCount+activeCount > 0 {
		avgLifetimeMs = (closedLifetimeMs + liveLifetimeMs) / float64(closedCount+activeCount)
	}

	churnPerMinute := float64(totalConnected) / elapsedMinutes

	// The hub closes a client with this reason when it falls too far
	// behind the outbound stream.
	slowDrops := reasons["slow consumer"]

	slowRate := float64(0)
	protocolErrorRate := float64(0)
	if totalConnected > 0 {
		slowRate = float64(slowDrops) / float64(totalConnected)
		protocolErrorRate = float64(totalProtocolErrors) / float64(totalConnected)
	}

	stabilityScore := 100.0 - (slowRate*60 + protocolErrorRate*40)
	if stabilityScore < 0 {
		stabilityScore = 0
	}
	if stabilityScore > 100 {
		stabilityScore = 100
	}

	return ClientStability{
		TotalClients:      totalConnected,
		ActiveClients:     activeCount,
		AvgLifetimeMs:     avgLifetimeMs,
		ChurnPerMinute:    churnPerMinute,
		ProtocolErrors:    totalProtocolErrors,
		SlowConsumerDrops: slowDrops,
		StabilityScore:    stabilityScore,
		DisconnectReasons: reasons,
	}
}

// RecentEvents returns the most recent N lifecycle events.
func (t *ClientTracker) RecentEvents(n int) []ClientEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || len(t.events) == 0 {
		return nil
	}

	start := len(t.events) - n
	if start < 0 {
		start = 0
	}

	result := make([]ClientEvent, len(t.events)-start)
	copy(result, t.events[start:])
	return result
}

// Reset clears all tracking data.
func (t *ClientTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = t.events[:0]
	t.live = make(map[string]*ClientRecord)
	t.totalConnected = 0
	t.totalProtocolErrors = 0
	t.closedLifetimeMs = 0
	t.closedCount = 0
	t.reasons = make(map[string]int64)
	t.startTime = t.nowFunc()
}
