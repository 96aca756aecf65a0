package containers

import (
	"sync"
	"testing"
)

func TestHandleTableGenerations(t *testing.T) {
	table := NewHandleTable[string](2)
	a := table.Insert("a")
	b := table.Insert("b")
	if !a.IsValid() || !b.IsValid() || a == b {
		t.Fatalf("handles %v %v", a, b)
	}
	if v, ok := table.Get(a); !ok || v != "a" {
		t.Fatalf("Get(a) = %q, %t", v, ok)
	}

	if v, ok := table.Remove(a); !ok || v != "a" {
		t.Fatalf("Remove(a) = %q, %t", v, ok)
	}
	if _, ok := table.Remove(a); ok {
		t.Error("second Remove succeeded")
	}
	c := table.Insert("c")
	if c.Index != a.Index {
		t.Errorf("freed slot %d not reused, got %d", a.Index, c.Index)
	}
	if c.Generation == a.Generation {
		t.Error("reused slot kept its generation")
	}
	if _, ok := table.Get(a); ok {
		t.Error("stale handle resolved")
	}
	if _, ok := table.Get(InvalidHandle); ok {
		t.Error("InvalidHandle resolved")
	}
	if _, ok := table.Get(Handle{Index: 99, Generation: 1}); ok {
		t.Error("out of range handle resolved")
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
}

func TestHandleTableEach(t *testing.T) {
	table := NewHandleTable[int](0)
	var handles []Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, table.Insert(i))
	}
	table.Remove(handles[2])

	sum, seen := 0, 0
	table.Each(func(h Handle, v int) bool {
		sum += v
		seen++
		return true
	})
	if seen != 4 || sum != 0+1+3+4 {
		t.Errorf("Each saw %d values summing to %d", seen, sum)
	}

	seen = 0
	table.Each(func(Handle, int) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Errorf("Each kept going after false: %d calls", seen)
	}
}

func TestHandleTableConcurrent(t *testing.T) {
	table := NewHandleTable[int](0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := table.Insert(i)
				if v, ok := table.Get(h); !ok || v != i {
					t.Errorf("Get = %d, %t, want %d", v, ok, i)
					return
				}
				table.Remove(h)
			}
		}()
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Errorf("Len = %d after removing everything", table.Len())
	}
}

func TestSpinLock(t *testing.T) {
	var l SpinLock
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 4000 {
		t.Errorf("counter = %d, want 4000", counter)
	}
	if !l.TryLock() {
		t.Fatal("TryLock on a free lock failed")
	}
	if l.TryLock() {
		t.Error("TryLock on a held lock succeeded")
	}
	l.Unlock()
}
