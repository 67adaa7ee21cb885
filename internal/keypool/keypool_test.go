package keypool

import "testing"

func TestNewWithCursor_ClampsOutOfRange(t *testing.T) {
	p := NewWithCursor([]string{"a", "b", "c"}, 5)
	if got := p.Cursor(); got != 0 {
		t.Errorf("expected cursor 0 for out-of-range restore, got %d", got)
	}

	p = NewWithCursor([]string{"a", "b", "c"}, 2)
	if got := p.Cursor(); got != 2 {
		t.Errorf("expected cursor 2, got %d", got)
	}

	p = NewWithCursor(nil, 3)
	if got := p.Cursor(); got != 0 {
		t.Errorf("expected cursor 0 for empty pool, got %d", got)
	}
}

func TestSetCursor_Wraps(t *testing.T) {
	p := New([]string{"a", "b", "c"})

	p.SetCursor(4)
	if got := p.Cursor(); got != 1 {
		t.Errorf("expected cursor 1 after wrap, got %d", got)
	}

	p.SetCursor(-1)
	if got := p.Cursor(); got != 2 {
		t.Errorf("expected cursor 2 for negative wrap, got %d", got)
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	p := NewWithCursor([]string{"a", "b"}, 1)

	keys, start := p.Snapshot()
	if start != 1 {
		t.Errorf("expected start 1, got %d", start)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	keys[0] = "mutated"
	keys2, _ := p.Snapshot()
	if keys2[0] != "a" {
		t.Error("snapshot should not share backing array with the pool")
	}
}

func TestSetCursor_EmptyPool(t *testing.T) {
	p := New(nil)
	p.SetCursor(3)
	if got := p.Cursor(); got != 0 {
		t.Errorf("expected cursor 0 on empty pool, got %d", got)
	}
}
