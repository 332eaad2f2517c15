package worker

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max holders = %d, want 1", maxInside.Load())
	}
	if k.size() != 0 {
		t.Errorf("size() = %d after all unlocks, want 0", k.size())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()

	if k.size() != 0 {
		t.Errorf("size() = %d, want 0", k.size())
	}
}
