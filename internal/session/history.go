package session

// history is a fixed-capacity ring of measurement samples. Capacity is
// derived from the retention window and poll interval so the ring holds
// the full window at the steady poll rate. Not safe for concurrent use;
// the owning session guards it.
type history struct {
	points []HistoryPoint
	head   int // next write position
	count  int
}

// newHistory sizes the ring for retentionMs of samples at pollMs.
func newHistory(retentionMs, pollMs int64) *history {
	capacity := int(retentionMs / pollMs)
	if capacity < 1 {
		capacity = 1
	}
	return &history{points: make([]HistoryPoint, capacity)}
}

// append records one sample, evicting the oldest when full.
func (h *history) append(p HistoryPoint) {
	h.points[h.head] = p
	h.head = (h.head + 1) % len(h.points)
	if h.count < len(h.points) {
		h.count++
	}
}

// since returns the retained samples with TimestampMs >= sinceMs in
// ascending timestamp order. sinceMs <= 0 returns everything retained.
func (h *history) since(sinceMs int64) []HistoryPoint {
	if h.count == 0 {
		return nil
	}
	start := h.head - h.count
	if start < 0 {
		start += len(h.points)
	}
	out := make([]HistoryPoint, 0, h.count)
	for i := 0; i < h.count; i++ {
		p := h.points[(start+i)%len(h.points)]
		if p.TimestampMs >= sinceMs {
			out = append(out, p)
		}
	}
	return out
}

// len reports the number of retained samples.
func (h *history) len() int {
	return h.count
}
