package software

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type timeline struct {
	value uint64
}

type queueState struct {
	pending []metadata.SubmitBatch
	paused  bool
}

func (s *SoftwareBackend) CreateTimeline(initial uint64) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.newHandle()
	s.timelines[h] = &timeline{value: initial}
	return h, nil
}

func (s *SoftwareBackend) TimelineValue(tl metadata.NativeHandle) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timelines[tl]
	if !ok {
		return 0, errors.Wrapf(core.ErrInvalidHandle, "timeline %d", tl)
	}
	if s.lost {
		return t.value, errors.Wrapf(core.ErrDeviceLost, "reading timeline %d", tl)
	}
	return t.value, nil
}

func (s *SoftwareBackend) WaitTimeline(tl metadata.NativeHandle, value uint64, timeout time.Duration) error {
	s.mu.Lock()
	_, ok := s.timelines[tl]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(core.ErrInvalidHandle, "waiting on timeline %d", tl)
	}
	return s.waitFor(timeout, func() bool {
		t, ok := s.timelines[tl]
		return !ok || t.value >= value
	}, "waiting for timeline")
}

// Submit queues the batches behind whatever queue already holds and runs everything that
// became ready.
func (s *SoftwareBackend) Submit(queue metadata.QueueType, batches []metadata.SubmitBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return errors.Wrapf(core.ErrDeviceLost, "submitting to the %s queue", queue)
	}
	if !queue.IsValid() {
		return errors.Newf("submit to unknown queue %d", queue)
	}

	for i := range batches {
		if err := s.validateBatch(queue, &batches[i]); err != nil {
			return errors.Wrapf(err, "batch %d on the %s queue", i, queue)
		}
	}
	for _, batch := range batches {
		batch.CommandBuffers = append([]metadata.NativeHandle(nil), batch.CommandBuffers...)
		batch.Waits = append([]metadata.SyncPoint(nil), batch.Waits...)
		for _, cmd := range batch.CommandBuffers {
			s.cmds[cmd].state = statePending
		}
		s.traceLocked(TraceEvent{Kind: TraceSubmit, Queue: queue, Value: batch.Signal.Value, Handle: batch.Signal.Timeline})
		s.queues[queue].pending = append(s.queues[queue].pending, batch)
	}
	s.pump()
	return nil
}

func (s *SoftwareBackend) validateBatch(queue metadata.QueueType, batch *metadata.SubmitBatch) error {
	for _, h := range batch.CommandBuffers {
		cb, ok := s.cmds[h]
		if !ok {
			return errors.Wrapf(core.ErrInvalidHandle, "command buffer %d", h)
		}
		if cb.state != stateExecutable {
			return errors.Newf("command buffer %d is %s, not executable", h, cb.state)
		}
		if cb.queue != queue {
			return errors.Newf("command buffer %d belongs to the %s queue", h, cb.queue)
		}
	}
	for _, w := range batch.Waits {
		if _, ok := s.timelines[w.Timeline]; !ok {
			return errors.Wrapf(core.ErrInvalidHandle, "wait on timeline %d", w.Timeline)
		}
	}
	if _, ok := s.timelines[batch.Signal.Timeline]; !batch.Signal.Timeline.IsNull() && !ok {
		return errors.Wrapf(core.ErrInvalidHandle, "signal of timeline %d", batch.Signal.Timeline)
	}
	return nil
}

// pump executes ready batches until no queue can make progress. Caller holds the lock.
func (s *SoftwareBackend) pump() {
	for progressed := true; progressed; {
		progressed = false
		for q := range s.queues {
			qs := &s.queues[q]
			for !qs.paused && len(qs.pending) > 0 && s.ready(&qs.pending[0]) {
				batch := qs.pending[0]
				qs.pending = qs.pending[1:]
				s.execute(metadata.QueueType(q), &batch)
				progressed = true
			}
		}
	}
}

func (s *SoftwareBackend) ready(batch *metadata.SubmitBatch) bool {
	for _, w := range batch.Waits {
		// A destroyed timeline can no longer block anything.
		if t, ok := s.timelines[w.Timeline]; ok && t.value < w.Value {
			return false
		}
	}
	return true
}

func (s *SoftwareBackend) execute(queue metadata.QueueType, batch *metadata.SubmitBatch) {
	for _, h := range batch.CommandBuffers {
		cb, ok := s.cmds[h]
		if !ok {
			core.LogError("software: command buffer %d destroyed while pending on the %s queue", h, queue)
			continue
		}
		s.traceLocked(TraceEvent{Kind: TraceExecute, Queue: queue, Cmd: h, Value: batch.Signal.Value})
		x := &executor{s: s, queue: queue, cmd: h, value: batch.Signal.Value}
		for _, c := range cb.commands {
			c(x)
		}
		cb.state = stateExecutable
	}
	if t, ok := s.timelines[batch.Signal.Timeline]; ok && batch.Signal.Value > t.value {
		t.value = batch.Signal.Value
	}
	s.broadcast()
}

// Pending is the number of batches of queue waiting to execute.
func (s *SoftwareBackend) Pending(queue metadata.QueueType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queue].pending)
}
