package software

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type buffer struct {
	desc   gputypes.BufferDescriptor
	memory metadata.MemoryUsage
	data   []byte
}

type texture struct {
	desc gputypes.TextureDescriptor
	mips [][]byte
	size uint64
}

type sampler struct {
	desc gputypes.SamplerDescriptor
}

type descriptorHeap struct {
	kind  metadata.BindlessKind
	slots []metadata.NativeHandle
}

// reserve accounts size bytes against the budget. Caller holds the lock.
func (s *SoftwareBackend) reserve(size uint64, label string) error {
	if s.lost {
		return errors.Wrapf(core.ErrDeviceLost, "allocating %q", label)
	}
	if s.budget > 0 && s.used+size > s.budget {
		return errors.Mark(
			errors.Newf("allocating %d bytes for %q: %d of %d bytes in use", size, label, s.used, s.budget),
			core.ErrOutOfMemory)
	}
	s.used += size
	return nil
}

func (s *SoftwareBackend) CreateBuffer(desc *gputypes.BufferDescriptor, memory metadata.MemoryUsage) (metadata.NativeBuffer, error) {
	if desc.Size == 0 {
		return metadata.NativeBuffer{}, errors.Mark(errors.Newf("buffer %q has zero size", desc.Label), core.ErrCreationFailed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(desc.Size, desc.Label); err != nil {
		return metadata.NativeBuffer{}, err
	}
	b := &buffer{desc: *desc, memory: memory, data: make([]byte, desc.Size)}
	h := s.newHandle()
	s.buffers[h] = b

	nb := metadata.NativeBuffer{Handle: h}
	if memory != metadata.MemoryDefault {
		nb.Mapped = b.data
	}
	return nb, nil
}

func (s *SoftwareBackend) CreateTexture(desc *gputypes.TextureDescriptor) (metadata.NativeHandle, error) {
	if desc.Size.Width == 0 || desc.Size.Height == 0 {
		return metadata.NullHandle, errors.Mark(errors.Newf("texture %q has zero extent", desc.Label), core.ErrCreationFailed)
	}
	t := &texture{desc: *desc, mips: make([][]byte, max(desc.MipLevelCount, 1))}
	for mip := range t.mips {
		size := metadata.MipSize(desc, uint32(mip))
		if size == 0 {
			// Depth and compressed formats: one float per texel is enough for clears.
			size = uint64(max(desc.Size.Width>>mip, 1)) * uint64(max(desc.Size.Height>>mip, 1)) * 4
		}
		t.mips[mip] = make([]byte, size)
		t.size += size
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(t.size, desc.Label); err != nil {
		return metadata.NullHandle, err
	}
	h := s.newHandle()
	s.textures[h] = t
	return h, nil
}

func (s *SoftwareBackend) CreateSampler(desc *gputypes.SamplerDescriptor) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return metadata.NullHandle, errors.Wrap(core.ErrDeviceLost, "creating sampler")
	}
	h := s.newHandle()
	s.samplers[h] = &sampler{desc: *desc}
	return h, nil
}

func (s *SoftwareBackend) CreateShader(desc *metadata.ShaderDesc) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return metadata.NullHandle, errors.Wrap(core.ErrDeviceLost, "creating shader")
	}
	sd := *desc
	sd.Code = append([]byte(nil), desc.Code...)
	h := s.newHandle()
	s.shaders[h] = &sd
	return h, nil
}

func (s *SoftwareBackend) CreatePipeline(desc *metadata.PipelineDesc) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stage := range []metadata.NativeHandle{desc.Compute, desc.Vertex, desc.Fragment} {
		if _, ok := s.shaders[stage]; !stage.IsNull() && !ok {
			return metadata.NullHandle, errors.Mark(
				errors.Newf("pipeline %q references unknown shader %d", desc.Label, stage), core.ErrCreationFailed)
		}
	}
	if desc.Compute.IsNull() && desc.Vertex.IsNull() {
		return metadata.NullHandle, errors.Mark(errors.Newf("pipeline %q has no shader", desc.Label), core.ErrCreationFailed)
	}
	pd := *desc
	pd.VertexAttributes = append([]gputypes.VertexAttribute(nil), desc.VertexAttributes...)
	pd.ColorFormats = append([]gputypes.TextureFormat(nil), desc.ColorFormats...)
	h := s.newHandle()
	s.pipelines[h] = &pd
	return h, nil
}

func (s *SoftwareBackend) CreateDescriptorHeap(kind metadata.BindlessKind, capacity uint32) (metadata.NativeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.newHandle()
	s.heaps[h] = &descriptorHeap{kind: kind, slots: make([]metadata.NativeHandle, capacity)}
	return h, nil
}

func (s *SoftwareBackend) WriteDescriptor(heap metadata.NativeHandle, index uint32, resource metadata.NativeHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heaps[heap]
	if !ok {
		return errors.Wrapf(core.ErrInvalidHandle, "descriptor heap %d", heap)
	}
	if int(index) >= len(h.slots) {
		return errors.Newf("descriptor index %d out of range for %s heap of %d", index, h.kind, len(h.slots))
	}
	h.slots[index] = resource
	return nil
}

func (s *SoftwareBackend) Destroy(kind metadata.ResourceKind, handle metadata.NativeHandle) {
	s.mu.Lock()
	found := true
	switch kind {
	case metadata.ResourceKindBuffer:
		if b, ok := s.buffers[handle]; ok {
			s.used -= uint64(len(b.data))
			delete(s.buffers, handle)
		} else {
			found = false
		}
	case metadata.ResourceKindTexture:
		if t, ok := s.textures[handle]; ok {
			s.used -= t.size
			delete(s.textures, handle)
		} else {
			found = false
		}
	case metadata.ResourceKindSampler:
		found = deleteKey(s.samplers, handle)
	case metadata.ResourceKindShader:
		found = deleteKey(s.shaders, handle)
	case metadata.ResourceKindPipeline:
		found = deleteKey(s.pipelines, handle)
	case metadata.ResourceKindDescriptorHeap:
		found = deleteKey(s.heaps, handle)
	case metadata.ResourceKindTimeline:
		found = deleteKey(s.timelines, handle)
	case metadata.ResourceKindQueryHeap:
		found = deleteKey(s.queryHeaps, handle)
	case metadata.ResourceKindCommandPool:
		if p, ok := s.pools[handle]; ok {
			for _, cmd := range p.buffers {
				delete(s.cmds, cmd)
			}
			delete(s.pools, handle)
		} else {
			found = false
		}
	default:
		found = false
	}
	if found {
		s.traceLocked(TraceEvent{Kind: TraceDestroy, ResourceKind: kind, Handle: handle})
	}
	hook := s.onDestroy
	s.mu.Unlock()

	if !found {
		core.LogError("software: destroy of unknown %s %d", kind, handle)
		return
	}
	if hook != nil {
		hook(kind, handle)
	}
}

func deleteKey[V any](m map[metadata.NativeHandle]V, h metadata.NativeHandle) bool {
	if _, ok := m[h]; !ok {
		return false
	}
	delete(m, h)
	return true
}
