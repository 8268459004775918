package tempolock

// intervalHistory is a capped ring of inter-onset gaps in milliseconds.
// Oldest entries are dropped once the cap is reached.
type intervalHistory struct {
	buf []float64
	cap int
}

func newIntervalHistory(cap int) *intervalHistory {
	return &intervalHistory{buf: make([]float64, 0, cap), cap: cap}
}

func (h *intervalHistory) add(ms float64) {
	if len(h.buf) == h.cap {
		copy(h.buf, h.buf[1:])
		h.buf = h.buf[:len(h.buf)-1]
	}
	h.buf = append(h.buf, ms)
}

// recent returns up to n of the newest intervals, oldest first. The
// returned slice aliases the ring and is only valid until the next add.
func (h *intervalHistory) recent(n int) []float64 {
	if n >= len(h.buf) {
		return h.buf
	}
	return h.buf[len(h.buf)-n:]
}

func (h *intervalHistory) len() int { return len(h.buf) }

func (h *intervalHistory) reset() { h.buf = h.buf[:0] }
