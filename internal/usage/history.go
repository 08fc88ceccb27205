package usage

import "sync"

// DefaultCapacity is the number of samples kept per history.
const DefaultCapacity = 60

// History is a fixed-capacity, oldest-first ring of usage snapshots.
// Appending to a full history overwrites the oldest entry.
type History struct {
	mu sync.RWMutex
	// circular buffer; start is the index of the oldest entry
	buf   []ResourceUsage
	start int
	count int
}

// NewHistory returns an empty history. Non-positive capacities fall back to DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]ResourceUsage, capacity)}
}

// Append adds u as the newest entry, evicting the oldest one when full.
func (h *History) Append(u ResourceUsage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(h.buf)
	if h.count < size {
		h.buf[(h.start+h.count)%size] = u
		h.count++
		return
	}
	h.buf[h.start] = u
	h.start = (h.start + 1) % size
}

// Snapshot returns a copy of the entries in insertion order.
func (h *History) Snapshot() []ResourceUsage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ResourceUsage, h.count)
	if h.count == 0 {
		return out
	}
	n := copy(out, h.buf[h.start:min(h.start+h.count, len(h.buf))])
	copy(out[n:], h.buf[:h.count-n])
	return out
}

// Latest returns the newest entry.
func (h *History) Latest() (ResourceUsage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return ResourceUsage{}, false
	}
	return h.buf[(h.start+h.count-1)%len(h.buf)], true
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the maximum number of entries.
func (h *History) Cap() int { return len(h.buf) }
