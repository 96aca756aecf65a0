package containers

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-waiting lock for very short critical sections.
type SpinLock struct {
	locked atomic.Bool
}

func (s *SpinLock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *SpinLock) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}

func (s *SpinLock) Unlock() {
	s.locked.Store(false)
}
