// Package correlate provides a generic request/response correlation table:
// an outbound request registers an awaiter keyed by request ID, and the
// frame-dispatch loop resolves it when the matching response frame arrives.
// Generalized from content.ContentFetcher's responseHandlers map, shared by
// the DHT engine and the content-transfer engine so neither hand-rolls its
// own pending-request bookkeeping.
package correlate

import "sync"

// Table correlates outbound requests, keyed by ID, with one-shot awaiters
// of type V. It is safe for concurrent use.
type Table[K comparable, V any] struct {
	mu       sync.Mutex
	pending  map[K]chan V
}

// New creates an empty correlation table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{pending: make(map[K]chan V)}
}

// Await registers id and returns a channel that receives exactly one value:
// either the result delivered by Resolve, or the zero value if Cancel or
// DrainAll fires first. The caller must eventually call Forget(id) (Resolve
// and Cancel do this automatically); a caller that abandons the wait
// without calling those should call Forget directly to avoid a leak.
func (t *Table[K, V]) Await(id K) <-chan V {
	ch := make(chan V, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers value to the awaiter registered under id, if any, and
// removes it from the table. Returns false if no awaiter was registered
// (e.g. the response arrived after the caller gave up).
func (t *Table[K, V]) Resolve(id K, value V) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- value
	return true
}

// Cancel removes the awaiter registered under id without delivering a
// value, closing its channel so a pending receive unblocks with the zero
// value. Used when a caller gives up waiting (deadline, context
// cancellation) before a response arrives.
func (t *Table[K, V]) Cancel(id K) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Forget removes id from the table without closing its channel. Safe to
// call after Resolve/Cancel already removed it.
func (t *Table[K, V]) Forget(id K) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// DrainAll cancels every pending awaiter, used on shutdown so in-flight
// callers unblock instead of hanging forever.
func (t *Table[K, V]) DrainAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[K]chan V)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Len returns the number of currently pending awaiters.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
