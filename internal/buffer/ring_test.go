package buffer

import "testing"

func TestRingEvictsOldestWhenFull(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}

	got := ring.List()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestRingListBeforeFull(t *testing.T) {
	ring := NewRing[string](4)
	ring.Add("a")
	ring.Add("b")

	got := ring.List()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected entries: %v", got)
	}
	if ring.Cap() != 4 {
		t.Fatalf("expected capacity 4, got %d", ring.Cap())
	}
}

func TestRingDrain(t *testing.T) {
	ring := NewRing[int](2)
	ring.Add(1)
	ring.Add(2)
	ring.Add(3)

	drained := ring.Drain()
	if len(drained) != 2 || drained[0] != 2 || drained[1] != 3 {
		t.Fatalf("unexpected drained entries: %v", drained)
	}
	if ring.Len() != 0 {
		t.Fatalf("expected empty ring after drain, got %d entries", ring.Len())
	}
	ring.Add(9)
	if got := ring.List(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("ring unusable after drain: %v", got)
	}
}

func TestRingZeroSizeClampsToOne(t *testing.T) {
	ring := NewRing[int](0)
	ring.Add(1)
	ring.Add(2)
	if got := ring.List(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestNilRingIsSafe(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil || ring.Drain() != nil {
		t.Fatal("nil ring should be inert")
	}
}
