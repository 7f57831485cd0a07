package session

import (
	"sync"
	"sync/atomic"
)

// fanout delivers updates to the session's subscribers. Delivery is
// non-blocking: a sink that reports false is counted as a drop and the
// session moves on. Subscribe delivers the snapshot under the same lock
// that serializes publishes, so a new subscriber always sees the
// snapshot before any delta.
type fanout struct {
	mu      sync.Mutex
	sinks   map[Sink]struct{}
	dropped atomic.Int64
}

func newFanout() *fanout {
	return &fanout{sinks: make(map[Sink]struct{})}
}

// subscribe registers sink and delivers the snapshot as its first
// update. The snapshot is composed under the publish lock so no delta
// committed before registration can be missed: anything published
// after it is delivered to the sink, anything before is already in the
// snapshot.
func (f *fanout) subscribe(sink Sink, snap func() Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sinks[sink]; ok {
		return
	}
	f.sinks[sink] = struct{}{}
	if !sink.TrySend(snap()) {
		f.dropped.Add(1)
	}
}

// unsubscribe removes sink. Unknown sinks are ignored.
func (f *fanout) unsubscribe(sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, sink)
}

// publish delivers u to every subscriber.
func (f *fanout) publish(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sink := range f.sinks {
		if !sink.TrySend(u) {
			f.dropped.Add(1)
		}
	}
}

// subscriberCount reports the current number of subscribers.
func (f *fanout) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// droppedTotal reports the cumulative number of dropped updates.
func (f *fanout) droppedTotal() int64 {
	return f.dropped.Load()
}
