package device

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"golang.org/x/exp/slices"
)

// WaitCommandList makes cmd start only after waitFor has finished on the GPU. On the same
// queue waitFor must have been begun before cmd. Cross-queue waits may target a list on a
// queue submitted later in the frame.
func (d *Device) WaitCommandList(cmd, waitFor CommandList) error {
	rec := d.record(cmd)
	dep := d.record(waitFor)
	if rec == nil || dep == nil {
		return errors.Wrap(core.ErrInvalidHandle, "wait between command lists")
	}
	if rec == dep {
		return errors.Wrapf(core.ErrDependencyCycle, "command list %d waits on itself", cmd.id)
	}
	if rec.queue == dep.queue && dep.id > rec.id {
		return errors.Wrapf(core.ErrDependencyCycle, "%s command list %d waits on %d, which was begun after it",
			rec.queue, cmd.id, waitFor.id)
	}
	if !slices.Contains(rec.waits, waitFor) {
		rec.waits = append(rec.waits, waitFor)
	}
	return nil
}

// WaitUpload makes cmd wait for an upload value returned by a NoCommandList copy.
func (d *Device) WaitUpload(cmd CommandList, value uint64) {
	rec := d.record(cmd)
	if rec == nil || value == 0 {
		return
	}
	rec.uploadWaits = append(rec.uploadWaits, value)
}

// One native submit-info worth of command lists on one queue.
type submitBatch struct {
	queue metadata.QueueType
	lists []*commandListRecord
	value uint64
	// Graph edges for cycle detection: batches that must finish first.
	deps []*submitBatch
	// 0 unvisited, 1 on the DFS stack, 2 done.
	mark  uint8
	waits []metadata.SyncPoint
}

// addWait keeps at most one wait per timeline, on the highest value.
func (b *submitBatch) addWait(sp metadata.SyncPoint) {
	for i := range b.waits {
		if b.waits[i].Timeline == sp.Timeline {
			b.waits[i].Value = max(b.waits[i].Value, sp.Value)
			return
		}
	}
	b.waits = append(b.waits, sp)
}

// buildBatches splits every queue's lists into batches, starting a new batch at each list
// that carries waits, and assigns the timeline values they will signal. With reserveInit
// the first graphics value is kept for the frame init batch and returned.
func (d *Device) buildBatches(lists []*commandListRecord, reserveInit bool) ([metadata.QUEUE_COUNT][]*submitBatch, map[uint32]*submitBatch, uint64) {
	var perQueue [metadata.QUEUE_COUNT][]*submitBatch
	owner := make(map[uint32]*submitBatch, len(lists))
	next := d.queueValues

	var initValue uint64
	if reserveInit {
		next[metadata.QueueGraphics]++
		initValue = next[metadata.QueueGraphics]
	}
	for _, q := range metadata.SubmitOrder {
		var cur *submitBatch
		for _, rec := range lists {
			if rec.queue != q {
				continue
			}
			if cur == nil || rec.hasWaits() {
				next[q]++
				cur = &submitBatch{queue: q, value: next[q]}
				if n := len(perQueue[q]); n > 0 {
					cur.deps = append(cur.deps, perQueue[q][n-1])
				}
				perQueue[q] = append(perQueue[q], cur)
			}
			cur.lists = append(cur.lists, rec)
			owner[rec.id] = cur
		}
	}
	return perQueue, owner, initValue
}

// hasCycle runs a DFS over the batch graph.
func hasCycle(perQueue [metadata.QUEUE_COUNT][]*submitBatch) bool {
	var visit func(b *submitBatch) bool
	visit = func(b *submitBatch) bool {
		switch b.mark {
		case 1:
			return true
		case 2:
			return false
		}
		b.mark = 1
		for _, dep := range b.deps {
			if visit(dep) {
				return true
			}
		}
		b.mark = 2
		return false
	}
	for _, batches := range perQueue {
		for _, b := range batches {
			if visit(b) {
				return true
			}
		}
	}
	return false
}

// SubmitCommandLists submits every command list recorded this frame, one native submit per
// queue in Copy, Compute, Graphics order, then advances to the next frame slot once the GPU
// is done with its previous use. Must not run concurrently with recording.
func (d *Device) SubmitCommandLists() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.lost.Load() {
		return errors.Wrap(core.ErrDeviceLost, "submitting command lists")
	}

	lists := d.lists.active()
	for _, rec := range lists {
		if rec.renderPassActive {
			d.assert("command list %d submitted inside a render pass", rec.id)
			d.backend.CmdEndRenderPass(rec.cmd())
			rec.renderPassActive = false
		}
	}

	slot := d.GetBufferIndex()
	frame := &d.frames[slot]
	perQueue, owner, initValue := d.buildBatches(lists, frame.initRecording)

	for _, batches := range perQueue {
		for _, b := range batches {
			for _, rec := range b.lists {
				for _, w := range rec.waits {
					if dep, ok := owner[w.id]; ok && dep != b {
						b.deps = append(b.deps, dep)
						b.addWait(metadata.SyncPoint{Timeline: d.queueTimelines[dep.queue], Value: dep.value})
					}
				}
				for _, v := range rec.uploadWaits {
					b.addWait(metadata.SyncPoint{Timeline: d.copies.Timeline(), Value: v})
				}
			}
		}
	}
	if d.validation && hasCycle(perQueue) {
		for _, rec := range lists {
			_ = d.backend.EndCommandBuffer(rec.cmd())
		}
		d.lists.reset()
		return errors.Wrapf(core.ErrDependencyCycle, "%d command lists discarded at frame %d", len(lists), d.GetFrameCount())
	}

	for _, rec := range lists {
		if err := d.backend.EndCommandBuffer(rec.cmd()); err != nil {
			d.lists.reset()
			return d.checkLost(errors.Wrapf(err, "ending command list %d", rec.id))
		}
	}
	hasInit, err := frame.endInit(d.backend)
	if err != nil {
		d.lists.reset()
		return d.checkLost(err)
	}

	// The first batch of every queue waits for uploads made by resource creation and for
	// the init commands, which run first on the graphics queue.
	var first []metadata.SyncPoint
	// An empty frame leaves the pending upload for the next one.
	if len(lists) > 0 || hasInit {
		if upload := d.pendingUpload.Swap(0); upload > 0 {
			first = append(first, metadata.SyncPoint{Timeline: d.copies.Timeline(), Value: upload})
		}
	}
	var initBatch *metadata.SubmitBatch
	if hasInit {
		initBatch = &metadata.SubmitBatch{
			CommandBuffers: []metadata.NativeHandle{frame.initCmd},
			Waits:          append([]metadata.SyncPoint(nil), first...),
			Signal:         metadata.SyncPoint{Timeline: d.queueTimelines[metadata.QueueGraphics], Value: initValue},
		}
		first = append(first, initBatch.Signal)
	}

	for _, q := range metadata.SubmitOrder {
		batches := perQueue[q]
		native := make([]metadata.SubmitBatch, 0, len(batches)+1)
		if q == metadata.QueueGraphics && initBatch != nil {
			native = append(native, *initBatch)
		}
		for i, b := range batches {
			if i == 0 {
				for _, sp := range first {
					b.addWait(sp)
				}
			}
			sb := metadata.SubmitBatch{
				CommandBuffers: make([]metadata.NativeHandle, 0, len(b.lists)),
				Waits:          b.waits,
				Signal:         metadata.SyncPoint{Timeline: d.queueTimelines[q], Value: b.value},
			}
			for _, rec := range b.lists {
				sb.CommandBuffers = append(sb.CommandBuffers, rec.cmd())
			}
			native = append(native, sb)
		}
		if len(native) == 0 {
			continue
		}
		if err := d.backend.Submit(q, native); err != nil {
			d.lists.reset()
			return d.checkLost(errors.Wrapf(err, "submitting to the %s queue", q))
		}
		d.counters.submissions.Add(1)
		d.queueValues[q] = native[len(native)-1].Signal.Value
		frame.fences[q] = d.queueValues[q]
	}

	d.lists.reset()
	return d.advanceFrame()
}

// advanceFrame moves to the next frame slot, blocking until the GPU finished the slot's
// previous use, then destroys whatever became unreachable.
func (d *Device) advanceFrame() error {
	frameCount := d.frameCount.Add(1)
	next := &d.frames[frameCount%uint64(d.bufferCount)]
	for q := range next.fences {
		value := next.Fence(metadata.QueueType(q))
		if value == 0 {
			continue
		}
		if err := d.backend.WaitTimeline(d.queueTimelines[q], value, d.timeout); err != nil {
			return d.checkLost(errors.Wrapf(err, "waiting for frame slot %d on the %s queue", frameCount%uint64(d.bufferCount), metadata.QueueType(q)))
		}
	}
	if n := d.destroyer.Drain(frameCount); n > 0 {
		core.LogDebug("frame %d: destroyed %d deferred objects", frameCount, n)
	}
	return nil
}
