package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/protocol"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/store"
)

// outFrame is one encoded message queued for a client. Sticky frames
// are never evicted: a subscriber must always receive its initial
// state message even when the queue is under pressure.
type outFrame struct {
	data   []byte
	sticky bool
}

// outQueue is a bounded outbound buffer with drop-oldest overflow.
// When full, the oldest non-sticky frame is evicted to make room.
type outQueue struct {
	mu     sync.Mutex
	frames []outFrame
	limit  int
	closed bool

	dropped     int64
	consecutive int64

	notify chan struct{}
}

func newOutQueue(limit int) *outQueue {
	return &outQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a frame, evicting the oldest non-sticky frame when
// full. It reports whether f was queued and how many frames have been
// dropped since the last successful write.
func (q *outQueue) push(f outFrame) (queued bool, behind int64) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, 0
	}
	if len(q.frames) >= q.limit {
		evicted := false
		for i, old := range q.frames {
			if !old.sticky {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && !f.sticky {
			// Queue is all sticky frames; drop the newcomer instead.
			q.dropped++
			q.consecutive++
			n := q.consecutive
			q.mu.Unlock()
			return false, n
		}
		if evicted {
			q.dropped++
			q.consecutive++
		}
	}
	q.frames = append(q.frames, f)
	n := q.consecutive
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, n
}

// pop removes the oldest frame. ok is false when the queue is empty.
func (q *outQueue) pop() (outFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return outFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	q.consecutive = 0
	return f, true
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}

func (q *outQueue) droppedTotal() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Client is one WebSocket connection. All reads happen on readPump and
// all writes on writePump; everything else only touches the queue and
// the subscription bookkeeping.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	out  *outQueue
	sink session.Sink

	mu      sync.Mutex
	subs    map[string]bool
	streams map[string]bool

	once sync.Once
	done chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:      fmt.Sprintf("client-%d", h.nextClient.Add(1)),
		hub:     h,
		conn:    conn,
		out:     newOutQueue(h.cfg.SendBuffer),
		subs:    make(map[string]bool),
		streams: make(map[string]bool),
		done:    make(chan struct{}),
	}
	c.sink = clientSink{c}
	return c
}

// clientSink adapts a Client to session.Sink. One sink instance serves
// every device the client subscribes to; updates carry the device ID.
type clientSink struct{ c *Client }

func (s clientSink) TrySend(u session.Update) bool {
	return s.c.deliverUpdate(u)
}

// deliverUpdate translates a session update into wire messages and
// queues them. Snapshots are sticky so the initial state after a
// subscribe is never lost to overflow.
func (c *Client) deliverUpdate(u session.Update) bool {
	switch u.Kind {
	case session.UpdateSnapshot:
		if u.State == nil {
			return true
		}
		var history []session.HistoryPoint
		if u.State.Capabilities.DeviceType != driver.DeviceTypeOscilloscope {
			history, _ = c.hub.mgr.History(u.DeviceID, 0)
		}
		alias := c.hub.aliases()[store.AliasKey(u.State.Info)]
		state := protocol.StateFrom(*u.State, alias, history)
		return c.send(protocol.NewSubscribed(u.DeviceID, state), true)
	case session.UpdateMeasurements:
		if u.Measurements == nil {
			return true
		}
		return c.send(protocol.MeasurementFrom(u.DeviceID, *u.Measurements), false)
	case session.UpdateStatusDiff:
		ok := true
		for _, f := range protocol.FieldsFromDiff(u.DeviceID, u.StatusDiff) {
			if !c.send(f, false) {
				ok = false
			}
		}
		return ok
	case session.UpdateConnectionStatus:
		return c.send(protocol.ConnectionField(u.DeviceID, u.Status), false)
	case session.UpdateWaveform:
		ok := true
		for _, wf := range u.Waveforms {
			if !c.send(protocol.NewScopeWaveform(u.DeviceID, wf), false) {
				ok = false
			}
		}
		return ok
	case session.UpdateScopeMeasurements:
		ok := true
		for _, m := range u.ScopeMeasurements {
			if !c.send(protocol.NewScopeMeasurement(u.DeviceID, m), false) {
				ok = false
			}
		}
		return ok
	}
	return true
}

// send encodes and enqueues one message.
func (c *Client) send(msg any, sticky bool) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		return false
	}
	return c.enqueue(data, sticky)
}

// enqueue pushes an encoded frame, disconnecting the client when it
// falls too far behind.
func (c *Client) enqueue(data []byte, sticky bool) bool {
	queued, behind := c.out.push(outFrame{data: data, sticky: sticky})
	if behind >= int64(c.hub.cfg.DropLimit) {
		go c.close("slow consumer")
	}
	return queued
}

// markSubscribed records a device subscription. Reports whether the
// device was already subscribed.
func (c *Client) markSubscribed(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[deviceID] {
		return true
	}
	c.subs[deviceID] = true
	return false
}

func (c *Client) clearSubscribed(deviceID string) {
	c.mu.Lock()
	delete(c.subs, deviceID)
	c.mu.Unlock()
}

func (c *Client) markStreaming(deviceID string, on bool) {
	c.mu.Lock()
	if on {
		c.streams[deviceID] = true
	} else {
		delete(c.streams, deviceID)
	}
	c.mu.Unlock()
}

// run starts the pumps and blocks until the connection is torn down.
func (c *Client) run() {
	c.hub.addClient(c)
	c.hub.log.LogClientConnected(c.id, c.conn.RemoteAddr().String())
	if rec := c.hub.recorder(); rec != nil {
		rec.ClientConnected(c.id)
	}

	go c.writePump()
	c.readPump()
	<-c.done
}

// readPump reads frames until the connection fails. Handlers run on
// this goroutine, so each client's requests are processed in order.
func (c *Client) readPump() {
	pongWait := 2 * time.Duration(c.hub.cfg.PingIntervalMs) * time.Millisecond
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close(closeReason(err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.dispatch(c, data)
	}
}

// maxFrameBytes bounds a single inbound frame. Imported settings
// documents are the largest legitimate payload.
const maxFrameBytes = 8 << 20

func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client closed"
	}
	return err.Error()
}

// writePump drains the queue and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ping := time.NewTicker(time.Duration(c.hub.cfg.PingIntervalMs) * time.Millisecond)
	defer ping.Stop()
	writeTimeout := time.Duration(c.hub.cfg.WriteTimeoutMs) * time.Millisecond

	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close("ping failed: " + err.Error())
				return
			}
		case <-c.out.notify:
			for {
				f, ok := c.out.pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					c.close("write failed: " + err.Error())
					return
				}
			}
		}
	}
}

// close tears the client down exactly once: the manager forgets its
// sink, streams it started are stopped, and the socket is closed.
func (c *Client) close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		streams := make([]string, 0, len(c.streams))
		for id := range c.streams {
			streams = append(streams, id)
		}
		c.streams = map[string]bool{}
		c.subs = map[string]bool{}
		c.mu.Unlock()

		c.hub.mgr.UnsubscribeAll(c.sink)
		for _, id := range streams {
			c.hub.mgr.StopStreaming(id)
		}

		c.out.close()
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()

		c.hub.removeClient(c)
		c.hub.droppedPrior.Add(c.out.droppedTotal())
		if rec := c.hub.recorder(); rec != nil {
			rec.ClientDisconnected(c.id, reason)
		}
		c.hub.log.LogClientDisconnected(c.id, reason, c.out.droppedTotal())
	})
}
