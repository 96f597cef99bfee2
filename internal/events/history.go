package events

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"maestro/internal/models"
)

const defaultHistorySize = 512

// History retains the most recent events so late-joining monitors and the
// REST surface can see what happened without having subscribed in time.
// Backed by an LRU that is only ever appended to, which makes eviction
// strictly oldest-first.
type History struct {
	mu    sync.Mutex
	seq   uint64
	cache *lru.Cache[uint64, models.Event]
}

// NewHistory creates a history retaining up to size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	cache, err := lru.New[uint64, models.Event](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		cache, _ = lru.New[uint64, models.Event](defaultHistorySize)
	}
	return &History{cache: cache}
}

// Record appends an event, evicting the oldest when full.
func (h *History) Record(evt models.Event) {
	h.mu.Lock()
	h.seq++
	h.cache.Add(h.seq, evt)
	h.mu.Unlock()
}

// Recent returns up to n events, newest first. Peek is used so reads never
// disturb the eviction order.
func (h *History) Recent(n int) []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := h.cache.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	out := make([]models.Event, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if evt, ok := h.cache.Peek(keys[i]); ok {
			out = append(out, evt)
		}
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Len()
}
