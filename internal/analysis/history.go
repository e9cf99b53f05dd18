package analysis

import "github.com/andresmejia3/poise/internal/types"

// DefaultHistorySize is the capacity of the emotion history window.
const DefaultHistorySize = 5

// History is a fixed-capacity FIFO of recent emotion classifications. The
// oldest entry is evicted once capacity is reached. Not safe for concurrent
// use; the session that owns it serializes access.
type History struct {
	buf   []types.EmotionClassification
	start int
	n     int
}

// NewHistory returns an empty history. A non-positive size falls back to
// DefaultHistorySize.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]types.EmotionClassification, size)}
}

// Push appends e, evicting the oldest entry when full.
func (h *History) Push(e types.EmotionClassification) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored entries.
func (h *History) Len() int { return h.n }

// Cap returns the capacity.
func (h *History) Cap() int { return len(h.buf) }

// Items returns a copy of the entries, oldest first.
func (h *History) Items() []types.EmotionClassification {
	out := make([]types.EmotionClassification, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Reset drops every entry.
func (h *History) Reset() {
	h.start, h.n = 0, 0
}
