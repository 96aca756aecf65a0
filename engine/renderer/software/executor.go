package software

import (
	"encoding/binary"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type boundBuffer struct {
	handle metadata.NativeHandle
	offset uint64
}

// executor is the state of one command buffer while it runs. It starts empty for every
// command buffer, like native state does. Runs with the backend lock held.
type executor struct {
	s     *SoftwareBackend
	queue metadata.QueueType
	cmd   metadata.NativeHandle
	value uint64

	pipeline [2]metadata.NativeHandle
	tables   [2]metadata.BindingTable
	push     [2][]byte

	vertex      []boundBuffer
	index       boundBuffer
	indexFormat gputypes.IndexFormat

	viewports []metadata.Viewport
	scissors  []metadata.Rect
	queries   []activeQuery
}

// snapshot captures what a draw or dispatch on bindPoint would read.
func (x *executor) snapshot(kind TraceKind, bindPoint metadata.PipelineBindPoint) TraceEvent {
	ev := TraceEvent{
		Kind:          kind,
		Queue:         x.queue,
		Cmd:           x.cmd,
		Value:         x.value,
		Pipeline:      x.pipeline[bindPoint],
		PushConstants: append([]byte(nil), x.push[bindPoint]...),
		Bindings:      x.tables[bindPoint],
		Checksums:     make(map[metadata.NativeHandle]uint32),
	}
	table := &x.tables[bindPoint]
	for _, e := range table.Buffers() {
		if b, ok := x.s.buffers[e.Resource]; ok {
			ev.Checksums[e.Resource] = checksum(region(b.data, e.Offset, e.Size))
		}
	}
	if bindPoint == metadata.BindPointGraphics {
		ev.Viewports = append([]metadata.Viewport(nil), x.viewports...)
		ev.Scissors = append([]metadata.Rect(nil), x.scissors...)
		bound := append([]boundBuffer{x.index}, x.vertex...)
		for _, vb := range bound {
			if b, ok := x.s.buffers[vb.handle]; ok {
				ev.Checksums[vb.handle] = checksum(region(b.data, vb.offset, 0))
			}
		}
	}
	return ev
}

func (x *executor) draw(counts [4]uint32) {
	if x.pipeline[metadata.BindPointGraphics].IsNull() {
		core.LogError("software: draw without a graphics pipeline in command buffer %d", x.cmd)
	}
	ev := x.snapshot(TraceDraw, metadata.BindPointGraphics)
	ev.Counts = counts
	x.s.traceLocked(ev)
	x.countSamples(counts[0], counts[1])
}

func (x *executor) dispatch(groups [3]uint32) {
	pso, ok := x.s.pipelines[x.pipeline[metadata.BindPointCompute]]
	if !ok {
		core.LogError("software: dispatch without a compute pipeline in command buffer %d", x.cmd)
		return
	}
	ev := x.snapshot(TraceDispatch, metadata.BindPointCompute)
	ev.Counts = [4]uint32{groups[0], groups[1], groups[2]}
	x.s.traceLocked(ev)

	shader, ok := x.s.shaders[pso.Compute]
	if !ok {
		return
	}
	if kernel, ok := x.s.kernels[shader.EntryPoint]; ok {
		kernel(&KernelContext{
			Groups:        groups,
			PushConstants: x.push[metadata.BindPointCompute],
			table:         &x.tables[metadata.BindPointCompute],
			s:             x.s,
		})
	}
}

func (x *executor) copied(dst, src metadata.NativeHandle, size uint64) {
	x.s.traceLocked(TraceEvent{
		Kind:   TraceCopy,
		Queue:  x.queue,
		Cmd:    x.cmd,
		Value:  x.value,
		Handle: dst,
		Source: src,
		Counts: [4]uint32{uint32(size)},
	})
}

// readArgs decodes n little-endian uint32 arguments of an indirect command.
func (x *executor) readArgs(args metadata.NativeHandle, offset uint64, n int) ([]uint32, bool) {
	b, ok := x.s.buffers[args]
	if !ok || !inRange(offset, uint64(n*4), uint64(len(b.data))) {
		core.LogError("software: indirect arguments out of range in buffer %d", args)
		return nil, false
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b.data[offset+uint64(i*4):])
	}
	return out, true
}
