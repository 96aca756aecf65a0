package device

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/math"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// BeginCommandList starts recording a new command list on queue. The only recording call
// that takes a lock; everything else on the returned handle is single-threaded.
func (d *Device) BeginCommandList(queue metadata.QueueType) CommandList {
	if !queue.IsValid() {
		d.assert("BeginCommandList on unknown queue %d", queue)
		queue = metadata.QueueGraphics
	}
	frame := d.GetFrameCount()
	rec, err := d.lists.begin(queue, frame)
	if err != nil {
		d.checkLost(err)
		core.LogError("beginning %s command list: %v", queue, err)
		return NoCommandList
	}
	d.counters.listsBegun.Add(1)
	return CommandList{id: rec.id, frame: frame}
}

// record resolves cmd, asserting it belongs to the current frame.
func (d *Device) record(cmd CommandList) *commandListRecord {
	rec, ok := d.lists.get(cmd)
	if !ok || cmd.frame != d.GetFrameCount() {
		d.assert("command list %d from frame %d used at frame %d", cmd.id, cmd.frame, d.GetFrameCount())
		return nil
	}
	return rec
}

// QueueOf returns the queue cmd records for.
func (d *Device) QueueOf(cmd CommandList) metadata.QueueType {
	if rec := d.record(cmd); rec != nil {
		return rec.queue
	}
	return metadata.QUEUE_COUNT
}

// isNil catches nil interfaces and typed nil pointers stored in one.
func isNil(res Resource) bool {
	switch r := res.(type) {
	case nil:
		return true
	case *Buffer:
		return r == nil
	case *Texture:
		return r == nil
	case *Sampler:
		return r == nil
	case *Shader:
		return r == nil
	case *PipelineState:
		return r == nil
	case *QueryHeap:
		return r == nil
	}
	return false
}

// inRange reports whether [offset, offset+size) fits in limit bytes.
func inRange(offset, size, limit uint64) bool {
	return size <= limit && offset <= limit-size
}

// entry turns a live resource into a binding table entry. nil maps to the empty entry.
func (d *Device) entry(res Resource) (metadata.BindingEntry, bool) {
	if isNil(res) {
		return metadata.BindingEntry{}, true
	}
	nr, ok := d.resolve(res.Handle())
	if !ok {
		d.assert("binding released resource")
		return metadata.BindingEntry{}, false
	}
	return metadata.BindingEntry{Resource: nr.native, Kind: nr.kind, Size: nr.size}, true
}

func (d *Device) checkSlot(slot, count uint32, what string) bool {
	if slot >= count {
		d.assert("%s slot %d out of range [0, %d)", what, slot, count)
		return false
	}
	return true
}

// BindResource binds res as a read-only shader resource. nil unbinds the slot.
func (d *Device) BindResource(res Resource, slot uint32, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || !d.checkSlot(slot, metadata.BINDER_SRV_COUNT, "SRV") {
		return
	}
	if e, ok := d.entry(res); ok {
		rec.binder.BindResource(slot, e)
	}
}

// BindUAV binds res for read-write access. nil unbinds the slot.
func (d *Device) BindUAV(res Resource, slot uint32, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || !d.checkSlot(slot, metadata.BINDER_UAV_COUNT, "UAV") {
		return
	}
	if e, ok := d.entry(res); ok {
		rec.binder.BindUAV(slot, e)
	}
}

func (d *Device) BindSampler(s *Sampler, slot uint32, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || !d.checkSlot(slot, metadata.BINDER_SAMPLER_COUNT, "sampler") {
		return
	}
	var res Resource
	if s != nil {
		res = s
	}
	if e, ok := d.entry(res); ok {
		rec.binder.BindSampler(slot, e)
	}
}

// BindConstantBuffer binds size bytes of buf starting at offset. Rebinding the same buffer
// at another offset only updates the dynamic offset.
func (d *Device) BindConstantBuffer(buf *Buffer, slot uint32, cmd CommandList, offset uint64) {
	rec := d.record(cmd)
	if rec == nil || !d.checkSlot(slot, metadata.BINDER_CBV_COUNT, "CBV") {
		return
	}
	if buf == nil {
		rec.binder.BindConstantBuffer(slot, metadata.BindingEntry{})
		return
	}
	e, ok := d.entry(buf)
	if !ok {
		return
	}
	if offset >= e.Size {
		d.assert("constant buffer offset %d beyond buffer %q of %d bytes", offset, buf.label, e.Size)
		return
	}
	e.Offset = offset
	e.Size -= offset
	rec.binder.BindConstantBuffer(slot, e)
}

// BindDynamicConstantBuffer copies data into the command list's transient memory and
// binds it as a constant buffer. Consecutive calls on the same slot only move the offset.
func (d *Device) BindDynamicConstantBuffer(data []byte, slot uint32, cmd CommandList) error {
	rec := d.record(cmd)
	if rec == nil || !d.checkSlot(slot, metadata.BINDER_CBV_COUNT, "CBV") {
		return errors.Wrap(core.ErrInvalidHandle, "binding dynamic constant buffer")
	}
	alloc, err := rec.allocator().Allocate(uint64(len(data)), d.GetFrameCount())
	if err != nil {
		return err
	}
	copy(alloc.Data, data)
	rec.binder.BindConstantBuffer(slot, metadata.BindingEntry{
		Resource: alloc.Buffer,
		Kind:     metadata.ResourceKindBuffer,
		Offset:   alloc.Offset,
		Size:     math.AlignUp(uint64(len(data)), LINEAR_ALLOCATOR_ALIGNMENT),
	})
	return nil
}

// AllocateGPU hands out transient upload memory valid for the rest of the frame.
func (d *Device) AllocateGPU(size uint64, cmd CommandList) (GPUAllocation, error) {
	rec := d.record(cmd)
	if rec == nil {
		return GPUAllocation{}, errors.Wrap(core.ErrInvalidHandle, "allocating transient memory")
	}
	return rec.allocator().Allocate(size, d.GetFrameCount())
}

func (d *Device) BindVertexBuffers(bufs []*Buffer, firstSlot uint32, offsets []uint64, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil {
		return
	}
	if offsets != nil && len(offsets) != len(bufs) {
		d.assert("%d vertex buffers with %d offsets", len(bufs), len(offsets))
		return
	}
	handles := make([]metadata.NativeHandle, len(bufs))
	offs := make([]uint64, len(bufs))
	for i, b := range bufs {
		e, ok := d.entry(b)
		if !ok {
			return
		}
		if e.Resource.IsNull() {
			core.LogWarnOnce("nil-vertex-buffer", "nil vertex buffer at slot %d ignored", firstSlot+uint32(i))
			return
		}
		handles[i] = e.Resource
		if offsets != nil {
			offs[i] = offsets[i]
		}
	}
	d.backend.CmdBindVertexBuffers(rec.cmd(), firstSlot, handles, offs)
}

func (d *Device) BindIndexBuffer(buf *Buffer, format gputypes.IndexFormat, offset uint64, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil {
		return
	}
	e, ok := d.entry(buf)
	if !ok {
		return
	}
	if e.Resource.IsNull() {
		core.LogWarnOnce("nil-index-buffer", "nil index buffer ignored")
		return
	}
	d.backend.CmdBindIndexBuffer(rec.cmd(), e.Resource, offset, format)
}

func (d *Device) BindPipelineState(pso *PipelineState, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || pso == nil {
		return
	}
	nr, ok := d.resolve(pso.handle)
	if !ok {
		d.assert("binding released pipeline %q", pso.label)
		return
	}
	if pso.bindPoint == metadata.BindPointGraphics && rec.queue != metadata.QueueGraphics {
		d.assert("graphics pipeline %q bound on the %s queue", pso.label, rec.queue)
		return
	}
	if rec.pipelineBound && rec.pipeline == nr.native {
		return
	}
	rec.pipeline = nr.native
	rec.pipelineBound = true
	rec.bindPoint = pso.bindPoint
	d.backend.CmdBindPipeline(rec.cmd(), nr.native, pso.bindPoint)
}

// PushConstants sets up to MAX_PUSH_CONSTANT_SIZE bytes for the bound pipeline.
func (d *Device) PushConstants(data []byte, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil {
		return
	}
	if len(data) > metadata.MAX_PUSH_CONSTANT_SIZE {
		d.assert("%d bytes of push constants, limit is %d", len(data), metadata.MAX_PUSH_CONSTANT_SIZE)
		return
	}
	if !rec.pipelineBound {
		d.assert("push constants without a pipeline")
		return
	}
	d.backend.CmdPushConstants(rec.cmd(), rec.bindPoint, data)
}

// prepare flushes the binder before a draw or dispatch and returns the native command buffer.
func (d *Device) prepare(cmd CommandList, bindPoint metadata.PipelineBindPoint) (metadata.NativeHandle, bool) {
	rec := d.record(cmd)
	if rec == nil {
		return metadata.NullHandle, false
	}
	if !rec.pipelineBound || rec.bindPoint != bindPoint {
		d.assert("%s work recorded without a %s pipeline bound", bindPoint, bindPoint)
		return metadata.NullHandle, false
	}
	if bindPoint == metadata.BindPointGraphics && !rec.renderPassActive {
		core.LogWarnOnce("draw-outside-pass", "draw recorded outside of a render pass")
	}
	full, offsets := rec.binder.Updates()
	if rec.binder.Flush(d.backend, rec.cmd(), bindPoint) {
		nf, no := rec.binder.Updates()
		d.counters.updates.Add(nf - full)
		d.counters.offsetUpdates.Add(no - offsets)
	}
	return rec.cmd(), true
}

func (d *Device) Draw(vertexCount, startVertex uint32, cmd CommandList) {
	d.DrawInstanced(vertexCount, 1, startVertex, 0, cmd)
}

func (d *Device) DrawIndexed(indexCount, startIndex uint32, baseVertex int32, cmd CommandList) {
	d.DrawIndexedInstanced(indexCount, 1, startIndex, baseVertex, 0, cmd)
}

func (d *Device) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32, cmd CommandList) {
	if c, ok := d.prepare(cmd, metadata.BindPointGraphics); ok {
		d.backend.CmdDraw(c, vertexCount, instanceCount, startVertex, startInstance)
	}
}

func (d *Device) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32, cmd CommandList) {
	if c, ok := d.prepare(cmd, metadata.BindPointGraphics); ok {
		d.backend.CmdDrawIndexed(c, indexCount, instanceCount, startIndex, baseVertex, startInstance)
	}
}

func (d *Device) DrawInstancedIndirect(args *Buffer, offset uint64, cmd CommandList) {
	d.drawIndirect(args, offset, false, cmd)
}

func (d *Device) DrawIndexedInstancedIndirect(args *Buffer, offset uint64, cmd CommandList) {
	d.drawIndirect(args, offset, true, cmd)
}

func (d *Device) drawIndirect(args *Buffer, offset uint64, indexed bool, cmd CommandList) {
	e, ok := d.entry(args)
	if !ok || e.Resource.IsNull() {
		return
	}
	if c, ok := d.prepare(cmd, metadata.BindPointGraphics); ok {
		d.backend.CmdDrawIndirect(c, e.Resource, offset, indexed)
	}
}

func (d *Device) Dispatch(x, y, z uint32, cmd CommandList) {
	if c, ok := d.prepare(cmd, metadata.BindPointCompute); ok {
		d.backend.CmdDispatch(c, x, y, z)
	}
}

func (d *Device) DispatchIndirect(args *Buffer, offset uint64, cmd CommandList) {
	e, ok := d.entry(args)
	if !ok || e.Resource.IsNull() {
		return
	}
	if c, ok := d.prepare(cmd, metadata.BindPointCompute); ok {
		d.backend.CmdDispatchIndirect(c, e.Resource, offset)
	}
}

// CopyBuffer copies size bytes from src to dst. With NoCommandList the copy runs on the
// copy queue and the returned upload value must be waited on (WaitUpload) before dst is read.
func (d *Device) CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset uint64, size uint64, cmd CommandList) (uint64, error) {
	de, ok := d.entry(dst)
	if !ok || de.Resource.IsNull() {
		return 0, errors.Wrap(core.ErrInvalidHandle, "copy destination")
	}
	se, ok := d.entry(src)
	if !ok || se.Resource.IsNull() {
		return 0, errors.Wrap(core.ErrInvalidHandle, "copy source")
	}
	if !inRange(dstOffset, size, de.Size) || !inRange(srcOffset, size, se.Size) {
		return 0, errors.Newf("copy of %d bytes out of bounds (src %d+%d/%d, dst %d+%d/%d)",
			size, srcOffset, size, se.Size, dstOffset, size, de.Size)
	}
	if !cmd.IsValid() {
		return d.upload(0, func([]byte) {}, func(c, _ metadata.NativeHandle) {
			d.backend.CmdCopyBuffer(c, de.Resource, dstOffset, se.Resource, srcOffset, size)
		})
	}
	rec := d.record(cmd)
	if rec == nil {
		return 0, errors.Wrap(core.ErrInvalidHandle, "copy command list")
	}
	d.backend.CmdCopyBuffer(rec.cmd(), de.Resource, dstOffset, se.Resource, srcOffset, size)
	return 0, nil
}

// CopyResource copies a whole buffer or texture into another one of the same kind.
func (d *Device) CopyResource(dst, src Resource, cmd CommandList) (uint64, error) {
	if isNil(dst) || isNil(src) {
		return 0, errors.Wrap(core.ErrInvalidHandle, "copying a nil resource")
	}
	switch s := src.(type) {
	case *Buffer:
		db, ok := dst.(*Buffer)
		if !ok {
			return 0, errors.Wrap(core.ErrUnsupported, "copying a buffer into a texture")
		}
		return d.CopyBuffer(db, 0, s, 0, min(db.desc.Size, s.desc.Size), cmd)
	case *Texture:
		dt, ok := dst.(*Texture)
		if !ok {
			return 0, errors.Wrap(core.ErrUnsupported, "copying a texture into a buffer")
		}
		if dt.desc.Size != s.desc.Size || dt.desc.Format != s.desc.Format {
			return 0, errors.Wrapf(core.ErrUnsupported, "copying between textures %q and %q of different shape", s.label, dt.label)
		}
		de, ok := d.entry(dt)
		if !ok {
			return 0, errors.Wrap(core.ErrInvalidHandle, "copy destination")
		}
		se, ok := d.entry(s)
		if !ok {
			return 0, errors.Wrap(core.ErrInvalidHandle, "copy source")
		}
		if !cmd.IsValid() {
			return d.upload(0, func([]byte) {}, func(c, _ metadata.NativeHandle) {
				d.backend.CmdCopyTexture(c, de.Resource, se.Resource)
			})
		}
		rec := d.record(cmd)
		if rec == nil {
			return 0, errors.Wrap(core.ErrInvalidHandle, "copy command list")
		}
		d.backend.CmdCopyTexture(rec.cmd(), de.Resource, se.Resource)
		return 0, nil
	}
	return 0, errors.Wrapf(core.ErrUnsupported, "copying %T", src)
}

// UpdateBuffer writes data into buf at offset from within the command list, through the
// list's transient memory.
func (d *Device) UpdateBuffer(buf *Buffer, data []byte, offset uint64, cmd CommandList) error {
	if len(data) == 0 {
		return nil
	}
	rec := d.record(cmd)
	if rec == nil {
		return errors.Wrap(core.ErrInvalidHandle, "update command list")
	}
	e, ok := d.entry(buf)
	if !ok || e.Resource.IsNull() {
		return errors.Wrap(core.ErrInvalidHandle, "update destination")
	}
	size := uint64(len(data))
	if !inRange(offset, size, e.Size) {
		return errors.Newf("update of %d bytes at %d overflows buffer %q of %d bytes", size, offset, buf.label, e.Size)
	}
	alloc, err := rec.allocator().Allocate(size, d.GetFrameCount())
	if err != nil {
		return err
	}
	copy(alloc.Data, data)
	d.backend.CmdCopyBuffer(rec.cmd(), e.Resource, offset, alloc.Buffer, alloc.Offset, size)
	d.backend.CmdBarrier(rec.cmd())
	return nil
}

// RenderPassDesc describes the attachments of a render pass. All attachments must have
// the same extent.
type RenderPassDesc struct {
	Color        []*Texture
	Depth        *Texture
	ColorLoadOp  gputypes.LoadOp
	ColorStoreOp gputypes.StoreOp
	DepthLoadOp  gputypes.LoadOp
	DepthStoreOp gputypes.StoreOp
	ClearColor   gputypes.Color
	ClearDepth   float32
}

func (d *Device) RenderPassBegin(desc *RenderPassDesc, cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil || desc == nil {
		return
	}
	if rec.queue != metadata.QueueGraphics {
		d.assert("render pass on the %s queue", rec.queue)
		return
	}
	if rec.renderPassActive {
		d.assert("render pass begun inside another render pass")
		return
	}
	info := metadata.RenderPassBeginInfo{
		ClearColor: desc.ClearColor,
		ClearDepth: desc.ClearDepth,
	}
	for _, t := range desc.Color {
		e, ok := d.entry(t)
		if !ok || t == nil {
			return
		}
		info.Color = append(info.Color, metadata.RenderPassAttachment{
			Texture: e.Resource, Format: t.desc.Format, LoadOp: desc.ColorLoadOp, StoreOp: desc.ColorStoreOp,
		})
		info.Width, info.Height = t.desc.Size.Width, t.desc.Size.Height
	}
	if desc.Depth != nil {
		e, ok := d.entry(desc.Depth)
		if !ok {
			return
		}
		info.Depth = &metadata.RenderPassAttachment{
			Texture: e.Resource, Format: desc.Depth.desc.Format, LoadOp: desc.DepthLoadOp, StoreOp: desc.DepthStoreOp,
		}
		info.Width, info.Height = desc.Depth.desc.Size.Width, desc.Depth.desc.Size.Height
	}
	rec.renderPassActive = true
	d.backend.CmdBeginRenderPass(rec.cmd(), &info)
	if len(rec.viewports) > 0 {
		d.backend.CmdSetViewports(rec.cmd(), rec.viewports)
	}
	if len(rec.scissors) > 0 {
		d.backend.CmdSetScissors(rec.cmd(), rec.scissors)
	}
}

func (d *Device) RenderPassEnd(cmd CommandList) {
	rec := d.record(cmd)
	if rec == nil {
		return
	}
	if !rec.renderPassActive {
		d.assert("RenderPassEnd without RenderPassBegin")
		return
	}
	rec.renderPassActive = false
	d.backend.CmdEndRenderPass(rec.cmd())
}

// Barrier makes every write recorded so far in cmd visible to later commands in cmd.
func (d *Device) Barrier(cmd CommandList) {
	if rec := d.record(cmd); rec != nil {
		d.backend.CmdBarrier(rec.cmd())
	}
}
