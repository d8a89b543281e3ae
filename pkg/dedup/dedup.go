// Package dedup rejects redelivered events before they reach processing.
// The platform delivers at-least-once; the filter turns that into
// at-most-once admission per (thread, dedup key).
package dedup

import (
	"hash/fnv"
	"sync"

	"threadrelay/pkg/models"
	"threadrelay/pkg/store"
)

const stripes = 64

// Filter performs the atomic check-then-mark against the thread store.
// Striped locks keyed by (thread, dedup key) make the pair atomic without
// serializing unrelated events.
type Filter struct {
	st *store.Store
	mu [stripes]sync.Mutex
}

// New returns a Filter backed by st.
func New(st *store.Store) *Filter {
	return &Filter{st: st}
}

// Admit returns true exactly once per (thread_id, dedup_key); a redelivery
// of an already-admitted key returns false. Storage errors surface to the
// caller without marking the key, so a retried delivery can still get in.
func (f *Filter) Admit(ev *models.Event) (bool, error) {
	mu := &f.mu[stripe(ev.ThreadID, ev.DedupKey)]
	mu.Lock()
	defer mu.Unlock()

	seen, err := f.st.HasSeen(ev.ThreadID, ev.DedupKey)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if err := f.st.MarkSeen(ev.ThreadID, ev.DedupKey); err != nil {
		return false, err
	}
	return true, nil
}

func stripe(threadID, dedupKey string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(dedupKey))
	return h.Sum32() % stripes
}
