package software

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

/**
 * @brief CPU implementation of metadata.Backend. Command buffers record closures that run
 * when their batch becomes ready; queues execute in submission order and a batch waits
 * until every timeline it waits on has reached its value, so wait-before-signal works the
 * way it does on hardware. Every execution step is appended to a trace that tests inspect.
 *
 * Besides the Backend methods it offers fault injection: PauseQueue/ResumeQueue hold work
 * back, SetMemoryBudget makes allocations fail, LoseDevice simulates a hung GPU.
 */
type SoftwareBackend struct {
	mu sync.Mutex
	// Closed and replaced whenever a timeline advances or the device is lost.
	changed chan struct{}

	nextHandle metadata.NativeHandle

	buffers    map[metadata.NativeHandle]*buffer
	textures   map[metadata.NativeHandle]*texture
	samplers   map[metadata.NativeHandle]*sampler
	shaders    map[metadata.NativeHandle]*metadata.ShaderDesc
	pipelines  map[metadata.NativeHandle]*metadata.PipelineDesc
	heaps      map[metadata.NativeHandle]*descriptorHeap
	pools      map[metadata.NativeHandle]*commandPool
	cmds       map[metadata.NativeHandle]*commandBuffer
	timelines  map[metadata.NativeHandle]*timeline
	queryHeaps map[metadata.NativeHandle]*queryHeap

	queues  [metadata.QUEUE_COUNT]queueState
	kernels map[string]Kernel

	bindingUpdates atomic.Uint64
	offsetUpdates  atomic.Uint64

	trace   []TraceEvent
	seq     uint64
	budget  uint64
	used    uint64
	lost    bool
	running bool

	onDestroy func(kind metadata.ResourceKind, handle metadata.NativeHandle)
}

var _ metadata.Backend = (*SoftwareBackend)(nil)

func New() *SoftwareBackend {
	return &SoftwareBackend{
		changed:    make(chan struct{}),
		buffers:    make(map[metadata.NativeHandle]*buffer),
		textures:   make(map[metadata.NativeHandle]*texture),
		samplers:   make(map[metadata.NativeHandle]*sampler),
		shaders:    make(map[metadata.NativeHandle]*metadata.ShaderDesc),
		pipelines:  make(map[metadata.NativeHandle]*metadata.PipelineDesc),
		heaps:      make(map[metadata.NativeHandle]*descriptorHeap),
		pools:      make(map[metadata.NativeHandle]*commandPool),
		cmds:       make(map[metadata.NativeHandle]*commandBuffer),
		timelines:  make(map[metadata.NativeHandle]*timeline),
		queryHeaps: make(map[metadata.NativeHandle]*queryHeap),
		kernels:    make(map[string]Kernel),
	}
}

func (s *SoftwareBackend) Name() string {
	return "software"
}

func (s *SoftwareBackend) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("software backend already initialized")
	}
	s.running = true
	core.LogDebug("software backend initialized")
	return nil
}

func (s *SoftwareBackend) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.liveLocked(); n > 0 {
		core.LogWarn("software backend shut down with %d live objects", n)
	}
	s.running = false
	return nil
}

// WaitIdle blocks until no queue has pending batches.
func (s *SoftwareBackend) WaitIdle(timeout time.Duration) error {
	return s.waitFor(timeout, func() bool {
		for i := range s.queues {
			if len(s.queues[i].pending) > 0 {
				return false
			}
		}
		return true
	}, "waiting for idle")
}

// waitFor blocks until ready (evaluated under the lock) holds, the device is lost or the
// timeout expires.
func (s *SoftwareBackend) waitFor(timeout time.Duration, ready func() bool, what string) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		if s.lost {
			s.mu.Unlock()
			return errors.Wrap(core.ErrDeviceLost, what)
		}
		if ready() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return errors.Wrapf(core.ErrTimeout, "%s after %s", what, timeout)
		}
	}
}

// broadcast wakes every waiter. Caller holds the lock.
func (s *SoftwareBackend) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *SoftwareBackend) newHandle() metadata.NativeHandle {
	s.nextHandle++
	return s.nextHandle
}

// PauseQueue keeps submitted batches of queue from executing until ResumeQueue.
func (s *SoftwareBackend) PauseQueue(queue metadata.QueueType) {
	s.mu.Lock()
	s.queues[queue].paused = true
	s.mu.Unlock()
}

func (s *SoftwareBackend) ResumeQueue(queue metadata.QueueType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue].paused = false
	s.pump()
}

// SetMemoryBudget limits the bytes of live buffers and textures. Zero removes the limit.
func (s *SoftwareBackend) SetMemoryBudget(bytes uint64) {
	s.mu.Lock()
	s.budget = bytes
	s.mu.Unlock()
}

func (s *SoftwareBackend) MemoryUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// LoseDevice drops all pending work. Every later submission and wait fails with
// core.ErrDeviceLost.
func (s *SoftwareBackend) LoseDevice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
	for i := range s.queues {
		s.queues[i].pending = nil
	}
	s.broadcast()
}

// OnDestroy installs a hook called after every Destroy.
func (s *SoftwareBackend) OnDestroy(fn func(kind metadata.ResourceKind, handle metadata.NativeHandle)) {
	s.mu.Lock()
	s.onDestroy = fn
	s.mu.Unlock()
}

// Live is the number of native objects not destroyed yet.
func (s *SoftwareBackend) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *SoftwareBackend) liveLocked() int {
	return len(s.buffers) + len(s.textures) + len(s.samplers) + len(s.shaders) +
		len(s.pipelines) + len(s.heaps) + len(s.pools) + len(s.timelines) + len(s.queryHeaps)
}

// ReadBuffer returns a copy of the buffer contents, or nil for an unknown handle.
func (s *SoftwareBackend) ReadBuffer(handle metadata.NativeHandle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[handle]
	if !ok {
		return nil
	}
	return append([]byte(nil), b.data...)
}

func (s *SoftwareBackend) ReadTexture(handle metadata.NativeHandle, mip uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.textures[handle]
	if !ok || int(mip) >= len(t.mips) {
		return nil
	}
	return append([]byte(nil), t.mips[mip]...)
}

// Descriptor returns what slot index of heap points at.
func (s *SoftwareBackend) Descriptor(heap metadata.NativeHandle, index uint32) metadata.NativeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heaps[heap]
	if !ok || int(index) >= len(h.slots) {
		return metadata.NullHandle
	}
	return h.slots[index]
}
