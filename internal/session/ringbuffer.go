package session

import "sync"

// sized is implemented by anything a [ByteBoundedQueue] can measure for its
// byte cap.
type sized interface {
	size() int
}

// audioItem wraps a buffered PCM chunk queued during STT reconnection.
type audioItem struct {
	chunk []byte
}

func (a audioItem) size() int { return len(a.chunk) }

// textItem wraps a buffered synthesize request queued during TTS
// reconnection.
type textItem struct {
	utteranceID string
	text        string
}

func (t textItem) size() int { return len(t.text) }

// ByteBoundedQueue is an ordered FIFO queue bounded by total item size in
// bytes rather than item count, matching the reconnection-buffer policy
// used by both the STT and TTS sub-sessions: push appends an item and, if
// the running total now exceeds the cap, drops items from the front
// (oldest first) until it no longer does or only the new item is left; a
// single item larger than the cap is kept on its own. Overflow is reported to the
// caller via the returned dropped count so it can log a warning.
//
// Safe for concurrent use.
type ByteBoundedQueue[T sized] struct {
	mu       sync.Mutex
	items    []T
	total    int
	capBytes int
}

// NewByteBoundedQueue creates a queue that drops its oldest items once the
// sum of their sizes would exceed capBytes.
func NewByteBoundedQueue[T sized](capBytes int) *ByteBoundedQueue[T] {
	return &ByteBoundedQueue[T]{capBytes: capBytes}
}

// Push appends item to the back of the queue, evicting oldest items from
// the front as needed to respect the byte cap. It returns the number of
// items evicted as a result of this push.
func (q *ByteBoundedQueue[T]) Push(item T) (evicted int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.total += item.size()

	for q.total > q.capBytes && len(q.items) > 1 {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.total -= dropped.size()
		evicted++
	}
	return evicted
}

// Drain removes and returns every queued item, in FIFO order, and resets
// the queue to empty.
func (q *ByteBoundedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.total = 0
	return out
}

// Len reports the number of items currently queued.
func (q *ByteBoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
