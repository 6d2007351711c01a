package ringbuf

import "testing"

func TestRing_FillAndWrap(t *testing.T) {
	r := New[int](3)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}

	got := r.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot mismatch: got %v, want %v", got, want)
		}
	}
}

func TestRing_PartialFill(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")

	got := r.Snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestRing_SnapshotIsCopy(t *testing.T) {
	r := New[int](2)
	r.Push(1)

	snap := r.Snapshot()
	snap[0] = 99
	if r.Snapshot()[0] != 1 {
		t.Error("mutating a snapshot must not affect the ring")
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[int](0)
	r.Push(1)
	r.Push(2)
	if r.Len() != 1 || r.Snapshot()[0] != 2 {
		t.Errorf("zero capacity should clamp to 1, got %v", r.Snapshot())
	}
}
