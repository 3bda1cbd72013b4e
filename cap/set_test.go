package cap

import "testing"

func TestSetInsertLookup(t *testing.T) {
	table := NewTable()
	set := NewSet()

	h, _ := table.Create(FileObject(1), RightRead, 1)
	desc := set.Insert(h)
	if desc == 0 {
		t.Fatal("Expected non-zero descriptor")
	}

	got, ok := set.Lookup(desc)
	if !ok || got != h {
		t.Fatalf("Lookup(%d) = %v, %v", desc, got, ok)
	}
}

func TestSetForgedDescriptors(t *testing.T) {
	set := NewSet()
	set.Insert(Handle{index: 3, gen: 1})

	for _, desc := range []int32{0, -1, 2, 99} {
		if _, ok := set.Lookup(desc); ok {
			t.Errorf("Forged descriptor %d resolved", desc)
		}
	}
}

func TestSetRemoveAndReuse(t *testing.T) {
	set := NewSet()

	d1 := set.Insert(Handle{index: 1, gen: 1})
	d2 := set.Insert(Handle{index: 2, gen: 1})

	h, ok := set.Remove(d1)
	if !ok || h != (Handle{index: 1, gen: 1}) {
		t.Fatalf("Remove(%d) = %v, %v", d1, h, ok)
	}
	if _, ok := set.Lookup(d1); ok {
		t.Error("Removed descriptor still resolves")
	}
	if _, ok := set.Remove(d1); ok {
		t.Error("Double remove succeeded")
	}

	// Freed rows are reused
	d3 := set.Insert(Handle{index: 9, gen: 1})
	if d3 != d1 {
		t.Errorf("Descriptor %d not reused, got %d", d1, d3)
	}
	if _, ok := set.Lookup(d2); !ok {
		t.Error("Untouched descriptor lost")
	}
}

func TestSetClear(t *testing.T) {
	set := NewSet()
	set.Insert(Handle{index: 1, gen: 1})
	set.Insert(Handle{index: 2, gen: 3})

	dropped := set.Clear()
	if len(dropped) != 2 {
		t.Fatalf("Clear returned %d handles, want 2", len(dropped))
	}
	if set.Len() != 0 {
		t.Errorf("Len = %d after Clear", set.Len())
	}
}

func TestSetEachOrder(t *testing.T) {
	set := NewSet()
	for i := uint32(1); i <= 3; i++ {
		set.Insert(Handle{index: i, gen: 1})
	}
	set.Remove(2)

	var descs []int32
	set.Each(func(desc int32, _ Handle) bool {
		descs = append(descs, desc)
		return true
	})
	if len(descs) != 2 || descs[0] != 1 || descs[1] != 3 {
		t.Fatalf("Each visited %v", descs)
	}
}
