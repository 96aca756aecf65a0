package software

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type commandBufferState uint8

const (
	stateInitial commandBufferState = iota
	stateRecording
	stateExecutable
	statePending
)

func (st commandBufferState) String() string {
	switch st {
	case stateInitial:
		return "initial"
	case stateRecording:
		return "recording"
	case stateExecutable:
		return "executable"
	case statePending:
		return "pending"
	}
	return "unknown"
}

type command func(x *executor)

type commandPool struct {
	queue   metadata.QueueType
	buffers []metadata.NativeHandle
}

type commandBuffer struct {
	pool     metadata.NativeHandle
	queue    metadata.QueueType
	state    commandBufferState
	commands []command
}

func (s *SoftwareBackend) CreateCommandPool(queue metadata.QueueType) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return metadata.NullHandle, errors.Wrap(core.ErrDeviceLost, "creating command pool")
	}
	h := s.newHandle()
	s.pools[h] = &commandPool{queue: queue}
	return h, nil
}

// ResetCommandPool returns every command buffer of the pool to the initial state. Fails
// while one of them is still pending on a queue.
func (s *SoftwareBackend) ResetCommandPool(pool metadata.NativeHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[pool]
	if !ok {
		return errors.Wrapf(core.ErrInvalidHandle, "command pool %d", pool)
	}
	for _, h := range p.buffers {
		if s.cmds[h].state == statePending {
			return errors.Newf("resetting command pool %d while command buffer %d is pending", pool, h)
		}
	}
	for _, h := range p.buffers {
		cb := s.cmds[h]
		cb.state = stateInitial
		cb.commands = nil
	}
	return nil
}

func (s *SoftwareBackend) AllocateCommandBuffer(pool metadata.NativeHandle) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[pool]
	if !ok {
		return metadata.NullHandle, errors.Wrapf(core.ErrInvalidHandle, "command pool %d", pool)
	}
	h := s.newHandle()
	s.cmds[h] = &commandBuffer{pool: pool, queue: p.queue}
	p.buffers = append(p.buffers, h)
	return h, nil
}

func (s *SoftwareBackend) BeginCommandBuffer(cmd metadata.NativeHandle) error {
	return s.transition(cmd, stateInitial, stateRecording)
}

func (s *SoftwareBackend) EndCommandBuffer(cmd metadata.NativeHandle) error {
	return s.transition(cmd, stateRecording, stateExecutable)
}

func (s *SoftwareBackend) transition(cmd metadata.NativeHandle, from, to commandBufferState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.cmds[cmd]
	if !ok {
		return errors.Wrapf(core.ErrInvalidHandle, "command buffer %d", cmd)
	}
	if cb.state != from {
		return errors.Newf("command buffer %d is %s, expected %s", cmd, cb.state, from)
	}
	cb.state = to
	return nil
}

// record appends c to a recording command buffer.
func (s *SoftwareBackend) record(cmd metadata.NativeHandle, what string, c command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.cmds[cmd]
	if !ok || cb.state != stateRecording {
		core.LogError("software: %s recorded into command buffer %d which is not recording", what, cmd)
		return false
	}
	cb.commands = append(cb.commands, c)
	return true
}

// BindingUpdates returns how many full binding updates and offset-only updates were
// recorded so far.
func (s *SoftwareBackend) BindingUpdates() (full, offsets uint64) {
	return s.bindingUpdates.Load(), s.offsetUpdates.Load()
}

func (s *SoftwareBackend) CmdUpdateBindings(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable, dirty uint64) {
	t := *table
	if s.record(cmd, "binding update", func(x *executor) {
		dst := &x.tables[bindPoint]
		for mask := dirty & metadata.BINDER_ALL_SLOTS; mask != 0; mask &= mask - 1 {
			i := bits.TrailingZeros64(mask)
			switch {
			case i < metadata.BINDER_SRV_SHIFT:
				dst.CBV[i] = t.CBV[i]
			case i < metadata.BINDER_UAV_SHIFT:
				dst.SRV[i-metadata.BINDER_SRV_SHIFT] = t.SRV[i-metadata.BINDER_SRV_SHIFT]
			case i < metadata.BINDER_SAMPLER_SHIFT:
				dst.UAV[i-metadata.BINDER_UAV_SHIFT] = t.UAV[i-metadata.BINDER_UAV_SHIFT]
			default:
				dst.Sampler[i-metadata.BINDER_SAMPLER_SHIFT] = t.Sampler[i-metadata.BINDER_SAMPLER_SHIFT]
			}
		}
	}) {
		s.bindingUpdates.Add(1)
	}
}

func (s *SoftwareBackend) CmdBindDynamicOffsets(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable) {
	var offsets [metadata.BINDER_CBV_COUNT]uint64
	for i := range table.CBV {
		offsets[i] = table.CBV[i].Offset
	}
	if s.record(cmd, "dynamic offsets", func(x *executor) {
		for i := range offsets {
			x.tables[bindPoint].CBV[i].Offset = offsets[i]
		}
	}) {
		s.offsetUpdates.Add(1)
	}
}

func (s *SoftwareBackend) CmdBindPipeline(cmd metadata.NativeHandle, pipeline metadata.NativeHandle, bindPoint metadata.PipelineBindPoint) {
	s.record(cmd, "pipeline bind", func(x *executor) {
		x.pipeline[bindPoint] = pipeline
	})
}

func (s *SoftwareBackend) CmdBindVertexBuffers(cmd metadata.NativeHandle, firstSlot uint32, buffers []metadata.NativeHandle, offsets []uint64) {
	bufs := append([]metadata.NativeHandle(nil), buffers...)
	offs := append([]uint64(nil), offsets...)
	s.record(cmd, "vertex buffer bind", func(x *executor) {
		for i, b := range bufs {
			slot := int(firstSlot) + i
			for len(x.vertex) <= slot {
				x.vertex = append(x.vertex, boundBuffer{})
			}
			x.vertex[slot] = boundBuffer{handle: b}
			if i < len(offs) {
				x.vertex[slot].offset = offs[i]
			}
		}
	})
}

func (s *SoftwareBackend) CmdBindIndexBuffer(cmd metadata.NativeHandle, buffer metadata.NativeHandle, offset uint64, format gputypes.IndexFormat) {
	s.record(cmd, "index buffer bind", func(x *executor) {
		x.index = boundBuffer{handle: buffer, offset: offset}
		x.indexFormat = format
	})
}

func (s *SoftwareBackend) CmdPushConstants(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, data []byte) {
	if len(data) > metadata.MAX_PUSH_CONSTANT_SIZE {
		core.LogError("software: %d bytes of push constants exceed %d", len(data), metadata.MAX_PUSH_CONSTANT_SIZE)
		return
	}
	push := append([]byte(nil), data...)
	s.record(cmd, "push constants", func(x *executor) {
		x.push[bindPoint] = push
	})
}

func (s *SoftwareBackend) CmdBeginRenderPass(cmd metadata.NativeHandle, pass *metadata.RenderPassBeginInfo) {
	color := append([]metadata.RenderPassAttachment(nil), pass.Color...)
	var depth *metadata.RenderPassAttachment
	if pass.Depth != nil {
		d := *pass.Depth
		depth = &d
	}
	clearColor, clearDepth := pass.ClearColor, pass.ClearDepth
	width, height := pass.Width, pass.Height
	s.record(cmd, "render pass begin", func(x *executor) {
		x.viewports = []metadata.Viewport{{Width: float32(width), Height: float32(height), MaxDepth: 1}}
		x.scissors = []metadata.Rect{{Width: width, Height: height}}
		for _, att := range color {
			if att.LoadOp != gputypes.LoadOpClear {
				continue
			}
			if t, ok := x.s.textures[att.Texture]; ok {
				fill(t.mips[0], colorBytes(att.Format, clearColor))
			}
		}
		if depth != nil && depth.LoadOp == gputypes.LoadOpClear {
			if t, ok := x.s.textures[depth.Texture]; ok {
				var v [4]byte
				binary.LittleEndian.PutUint32(v[:], math.Float32bits(clearDepth))
				fill(t.mips[0], v[:])
			}
		}
	})
}

func (s *SoftwareBackend) CmdEndRenderPass(cmd metadata.NativeHandle) {}

func (s *SoftwareBackend) CmdDraw(cmd metadata.NativeHandle, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	s.record(cmd, "draw", func(x *executor) {
		x.draw([4]uint32{vertexCount, instanceCount, firstVertex, firstInstance})
	})
}

func (s *SoftwareBackend) CmdDrawIndexed(cmd metadata.NativeHandle, indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	s.record(cmd, "indexed draw", func(x *executor) {
		x.draw([4]uint32{indexCount, instanceCount, firstIndex, firstInstance})
	})
}

func (s *SoftwareBackend) CmdDrawIndirect(cmd metadata.NativeHandle, args metadata.NativeHandle, offset uint64, indexed bool) {
	s.record(cmd, "indirect draw", func(x *executor) {
		n := 4
		if indexed {
			n = 5
		}
		v, ok := x.readArgs(args, offset, n)
		if !ok {
			return
		}
		if indexed {
			// indexCount, instanceCount, firstIndex, baseVertex, firstInstance
			x.draw([4]uint32{v[0], v[1], v[2], v[4]})
			return
		}
		x.draw([4]uint32{v[0], v[1], v[2], v[3]})
	})
}

func (s *SoftwareBackend) CmdDispatch(cmd metadata.NativeHandle, gx, gy, gz uint32) {
	s.record(cmd, "dispatch", func(x *executor) {
		x.dispatch([3]uint32{gx, gy, gz})
	})
}

func (s *SoftwareBackend) CmdDispatchIndirect(cmd metadata.NativeHandle, args metadata.NativeHandle, offset uint64) {
	s.record(cmd, "indirect dispatch", func(x *executor) {
		if v, ok := x.readArgs(args, offset, 3); ok {
			x.dispatch([3]uint32{v[0], v[1], v[2]})
		}
	})
}

func (s *SoftwareBackend) CmdCopyBuffer(cmd metadata.NativeHandle, dst metadata.NativeHandle, dstOffset uint64, src metadata.NativeHandle, srcOffset uint64, size uint64) {
	s.record(cmd, "buffer copy", func(x *executor) {
		d, okd := x.s.buffers[dst]
		sb, oks := x.s.buffers[src]
		if !okd || !oks {
			core.LogError("software: copy between unknown buffers %d <- %d", dst, src)
			return
		}
		if !inRange(dstOffset, size, uint64(len(d.data))) || !inRange(srcOffset, size, uint64(len(sb.data))) {
			core.LogError("software: copy of %d bytes out of range (%d <- %d)", size, dst, src)
			return
		}
		copy(d.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
		x.copied(dst, src, size)
	})
}

func (s *SoftwareBackend) CmdCopyBufferToTexture(cmd metadata.NativeHandle, dst metadata.NativeHandle, mip uint32, src metadata.NativeHandle, srcOffset uint64) {
	s.record(cmd, "buffer to texture copy", func(x *executor) {
		t, okt := x.s.textures[dst]
		sb, oks := x.s.buffers[src]
		if !okt || !oks || int(mip) >= len(t.mips) {
			core.LogError("software: texture upload %d mip %d <- %d has unknown operands", dst, mip, src)
			return
		}
		n := uint64(len(t.mips[mip]))
		if !inRange(srcOffset, n, uint64(len(sb.data))) {
			core.LogError("software: texture upload reads past staging buffer %d", src)
			return
		}
		copy(t.mips[mip], sb.data[srcOffset:srcOffset+n])
		x.copied(dst, src, n)
	})
}

func (s *SoftwareBackend) CmdCopyTexture(cmd metadata.NativeHandle, dst metadata.NativeHandle, src metadata.NativeHandle) {
	s.record(cmd, "texture copy", func(x *executor) {
		d, okd := x.s.textures[dst]
		st, oks := x.s.textures[src]
		if !okd || !oks {
			core.LogError("software: texture copy between unknown textures %d <- %d", dst, src)
			return
		}
		var n uint64
		for mip := 0; mip < min(len(d.mips), len(st.mips)); mip++ {
			n += uint64(copy(d.mips[mip], st.mips[mip]))
		}
		x.copied(dst, src, n)
	})
}

func (s *SoftwareBackend) CmdInitializeTexture(cmd metadata.NativeHandle, tex metadata.NativeHandle) {
	s.record(cmd, "texture init", func(x *executor) {
		t, ok := x.s.textures[tex]
		if !ok {
			return
		}
		for _, m := range t.mips {
			clear(m)
		}
		x.s.traceLocked(TraceEvent{Kind: TraceInit, Queue: x.queue, Cmd: x.cmd, Value: x.value, Handle: tex})
	})
}

// Execution on the CPU is already serialized.
func (s *SoftwareBackend) CmdBarrier(cmd metadata.NativeHandle) {}

func fill(dst, pattern []byte) {
	if len(pattern) == 0 {
		return
	}
	for i := 0; i+len(pattern) <= len(dst); i += len(pattern) {
		copy(dst[i:], pattern)
	}
}

func colorBytes(format gputypes.TextureFormat, c gputypes.Color) []byte {
	u8 := func(v float64) byte {
		return byte(math.Round(max(0, min(1, v)) * 255))
	}
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
		return []byte{u8(c.R), u8(c.G), u8(c.B), u8(c.A)}
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return []byte{u8(c.B), u8(c.G), u8(c.R), u8(c.A)}
	}
	return nil
}
