package session

import "testing"

func TestByteBoundedQueue_PushAndDrainFIFO(t *testing.T) {
	q := NewByteBoundedQueue[audioItem](1024)

	for i := byte(1); i <= 3; i++ {
		if evicted := q.Push(audioItem{chunk: []byte{i}}); evicted != 0 {
			t.Fatalf("push %d evicted %d items, want 0", i, evicted)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("length = %d, want 3", got)
	}

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("drained %d items, want 3", len(items))
	}
	for i, item := range items {
		if item.chunk[0] != byte(i+1) {
			t.Errorf("item %d = %d, want %d (FIFO order)", i, item.chunk[0], i+1)
		}
	}
	if got := q.Len(); got != 0 {
		t.Errorf("length after drain = %d, want 0", got)
	}
}

func TestByteBoundedQueue_OverflowDropsOldest(t *testing.T) {
	q := NewByteBoundedQueue[audioItem](10)

	if evicted := q.Push(audioItem{chunk: make([]byte, 6)}); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}
	if evicted := q.Push(audioItem{chunk: make([]byte, 4)}); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}

	// 6+4+4 > 10: the first item is evicted to make room.
	if evicted := q.Push(audioItem{chunk: make([]byte, 4)}); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	items := q.Drain()
	if len(items) != 2 {
		t.Fatalf("drained %d items, want 2", len(items))
	}
	for i, item := range items {
		if len(item.chunk) != 4 {
			t.Errorf("item %d size = %d, want 4", i, len(item.chunk))
		}
	}
}

func TestByteBoundedQueue_OversizedItemAlwaysKept(t *testing.T) {
	q := NewByteBoundedQueue[textItem](4)

	// A single item above the cap still queues (the queue never drops its
	// only element), evicting everything before it.
	if evicted := q.Push(textItem{utteranceID: "u1", text: "ab"}); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}
	if evicted := q.Push(textItem{utteranceID: "u2", text: "this is far beyond the cap"}); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}

	items := q.Drain()
	if len(items) != 1 {
		t.Fatalf("drained %d items, want 1", len(items))
	}
	if items[0].utteranceID != "u2" {
		t.Errorf("kept utterance = %q, want u2", items[0].utteranceID)
	}
}

func TestByteBoundedQueue_DrainEmpty(t *testing.T) {
	q := NewByteBoundedQueue[textItem](16)
	if items := q.Drain(); len(items) != 0 {
		t.Errorf("drained %d items from an empty queue, want 0", len(items))
	}
}
