package device

import (
	"image"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/math"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"golang.org/x/image/draw"
)

// Everything the device needs to retire a resource. Kept apart from the wrappers so the
// cleanup safety net does not keep them reachable.
type nativeResource struct {
	kind   metadata.ResourceKind
	label  string
	native metadata.NativeHandle
	size   uint64
	// Bindless indices, -1 when the view has none.
	srv, uav         int32
	srvHeap, uavHeap metadata.BindlessKind
}

func newNativeResource(kind metadata.ResourceKind, label string) nativeResource {
	return nativeResource{kind: kind, label: label, srv: -1, uav: -1}
}

// Resource is implemented by every wrapper the device hands out.
type Resource interface {
	Handle() containers.Handle
	// Release schedules the native objects for deferred destruction. Idempotent.
	Release()
}

type resource struct {
	dev      *Device
	handle   containers.Handle
	label    string
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func (r *resource) Handle() containers.Handle { return r.handle }
func (r *resource) Label() string             { return r.label }

func (r *resource) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.cleanup.Stop()
	r.dev.release(r.handle)
}

func (r *resource) IsReleased() bool { return r.released.Load() }

type Buffer struct {
	resource
	desc   gputypes.BufferDescriptor
	mapped []byte
}

func (b *Buffer) Desc() gputypes.BufferDescriptor { return b.desc }

// Mapped is the persistent host mapping of upload and readback buffers, nil otherwise.
func (b *Buffer) Mapped() []byte { return b.mapped }

type Texture struct {
	resource
	desc gputypes.TextureDescriptor
}

func (t *Texture) Desc() gputypes.TextureDescriptor { return t.desc }

type Sampler struct {
	resource
	desc gputypes.SamplerDescriptor
}

func (s *Sampler) Desc() gputypes.SamplerDescriptor { return s.desc }

type Shader struct {
	resource
	stage gputypes.ShaderStage
}

func (s *Shader) Stage() gputypes.ShaderStage { return s.stage }

/**
 * @brief Pipeline description at the device level. Set CS for a compute pipeline, VS
 * (and optionally PS) for a graphics pipeline.
 */
type PipelineStateDesc struct {
	Label string

	CS *Shader
	VS *Shader
	PS *Shader

	VertexStride     uint64
	VertexAttributes []gputypes.VertexAttribute
	Topology         gputypes.PrimitiveTopology
	CullMode         gputypes.CullMode
	FrontFace        gputypes.FrontFace
	DepthTest        bool
	DepthWrite       bool
	DepthCompare     gputypes.CompareFunction
	Blend            bool
	ColorFormats     []gputypes.TextureFormat
	DepthFormat      gputypes.TextureFormat
}

type PipelineState struct {
	resource
	bindPoint metadata.PipelineBindPoint
}

func (p *PipelineState) BindPoint() metadata.PipelineBindPoint { return p.bindPoint }

// track registers nr and wires the wrapper's safety net. Called last in every Create*.
func track[T any](d *Device, r *resource, owner *T, nr nativeResource) {
	r.dev = d
	r.label = nr.label
	r.handle = d.resources.Insert(nr)
	r.cleanup = runtime.AddCleanup(owner, func(h containers.Handle) {
		core.LogDebug("%s %q released by the garbage collector", nr.kind, nr.label)
		d.release(h)
	}, r.handle)
}

func (d *Device) resolve(h containers.Handle) (nativeResource, bool) {
	return d.resources.Get(h)
}

// release is the only path that frees resources: everything goes through the deferred
// queue tagged with the current frame.
func (d *Device) release(h containers.Handle) {
	nr, ok := d.resources.Remove(h)
	if !ok {
		return
	}
	d.retire(nr)
}

func (d *Device) retire(nr nativeResource) {
	frame := d.GetFrameCount()
	if nr.srv >= 0 {
		d.heaps[nr.srvHeap].Free(nr.srv, frame)
	}
	if nr.uav >= 0 && (nr.uavHeap != nr.srvHeap || nr.uav != nr.srv) {
		d.heaps[nr.uavHeap].Free(nr.uav, frame)
	}
	if !nr.native.IsNull() {
		d.destroyer.Push(nr.kind, uint64(nr.native), frame)
	}
}

// Destroy releases res. Same as res.Release().
func (d *Device) Destroy(res Resource) {
	if !isNil(res) {
		res.Release()
	}
}

// bindless assigns an index of kind to native and writes the descriptor. -1 when the
// heap is exhausted.
func (d *Device) bindless(kind metadata.BindlessKind, native metadata.NativeHandle) (int32, error) {
	heap := d.heaps[kind]
	index := heap.Allocate()
	if index < 0 {
		return -1, nil
	}
	if err := heap.Write(index, native); err != nil {
		heap.Free(index, d.GetFrameCount())
		return -1, errors.Mark(errors.Wrapf(err, "writing %s descriptor", kind), core.ErrCreationFailed)
	}
	return index, nil
}

func labelOr(label, prefix string) string {
	if label != "" {
		return label
	}
	return prefix + "-" + uuid.NewString()
}

// upload does one copy allocator round trip: fill writes the staging bytes and record
// records the copies out of the staging buffer.
func (d *Device) upload(size uint64, fill func(staging []byte), record func(cmd, staging metadata.NativeHandle)) (uint64, error) {
	cmd, err := d.copies.Allocate(size)
	if err != nil {
		return 0, err
	}
	fill(cmd.Data)
	record(cmd.CommandBuffer(), cmd.Staging())
	if _, err := d.copies.Submit(cmd); err != nil {
		return 0, err
	}
	value, err := d.copies.Flush()
	if err != nil {
		return 0, d.checkLost(err)
	}
	d.counters.copyFlushes.Add(1)
	d.notePendingUpload(value)
	return value, nil
}

// CreateBuffer creates a buffer and, when data is given, uploads it. Storage buffers get
// a bindless index.
func (d *Device) CreateBuffer(desc *gputypes.BufferDescriptor, data []byte) (*Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, errors.Wrap(core.ErrCreationFailed, "buffer size must be positive")
	}
	if uint64(len(data)) > desc.Size {
		return nil, errors.Wrapf(core.ErrCreationFailed, "%d bytes of initial data exceed buffer size %d", len(data), desc.Size)
	}
	bd := *desc
	bd.Label = labelOr(bd.Label, "buffer")
	memory := metadata.MemoryUsageFor(bd.Usage)
	if len(data) > 0 && memory == metadata.MemoryDefault {
		bd.Usage |= gputypes.BufferUsageCopyDst
	}

	nb, err := d.backend.CreateBuffer(&bd, memory)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating buffer %q", bd.Label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindBuffer, bd.Label)
	nr.native = nb.Handle
	nr.size = bd.Size

	if bd.Usage.Contains(gputypes.BufferUsageStorage) {
		index, err := d.bindless(metadata.BindlessStorageBuffer, nb.Handle)
		if err != nil {
			d.retire(nr)
			return nil, err
		}
		nr.srv, nr.srvHeap = index, metadata.BindlessStorageBuffer
		nr.uav, nr.uavHeap = index, metadata.BindlessStorageBuffer
	}

	if len(data) > 0 {
		if nb.Mapped != nil {
			copy(nb.Mapped, data)
		} else {
			size := uint64(len(data))
			_, err := d.upload(size,
				func(staging []byte) { copy(staging, data) },
				func(cmd, staging metadata.NativeHandle) {
					d.backend.CmdCopyBuffer(cmd, nb.Handle, 0, staging, 0, size)
				})
			if err != nil {
				d.retire(nr)
				return nil, errors.Wrapf(err, "uploading buffer %q", bd.Label)
			}
		}
	}

	buf := &Buffer{desc: bd, mapped: nb.Mapped}
	track(d, &buf.resource, buf, nr)
	return buf, nil
}

func normalizeTextureDesc(desc gputypes.TextureDescriptor) gputypes.TextureDescriptor {
	if desc.Dimension == gputypes.TextureDimensionUndefined {
		desc.Dimension = gputypes.TextureDimension2D
	}
	desc.MipLevelCount = max(desc.MipLevelCount, 1)
	desc.SampleCount = max(desc.SampleCount, 1)
	desc.Size.DepthOrArrayLayers = max(desc.Size.DepthOrArrayLayers, 1)
	return desc
}

// CreateTexture creates a texture. data holds one tightly packed slice per mip level
// starting at mip 0; it may be shorter than the mip count or nil.
func (d *Device) CreateTexture(desc *gputypes.TextureDescriptor, data [][]byte) (*Texture, error) {
	if desc == nil || desc.Size.Width == 0 || desc.Size.Height == 0 {
		return nil, errors.Wrap(core.ErrCreationFailed, "texture extent must be positive")
	}
	td := normalizeTextureDesc(*desc)
	td.Label = labelOr(td.Label, "texture")
	if uint32(len(data)) > td.MipLevelCount {
		return nil, errors.Wrapf(core.ErrCreationFailed, "%d mips of data for a texture with %d mips", len(data), td.MipLevelCount)
	}
	var total uint64
	for mip, level := range data {
		want := metadata.MipSize(&td, uint32(mip))
		if want == 0 {
			return nil, errors.Wrapf(core.ErrUnsupported, "uploading to %s textures", td.Format)
		}
		if uint64(len(level)) != want {
			return nil, errors.Wrapf(core.ErrCreationFailed, "mip %d needs %d bytes, got %d", mip, want, len(level))
		}
		total += math.AlignUp(want, 16)
	}
	if len(data) > 0 {
		td.Usage |= gputypes.TextureUsageCopyDst
	}

	native, err := d.backend.CreateTexture(&td)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating texture %q", td.Label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindTexture, td.Label)
	nr.native = native
	nr.size = total

	if td.Usage.Contains(gputypes.TextureUsageTextureBinding) {
		index, err := d.bindless(metadata.BindlessSampledImage, native)
		if err != nil {
			d.retire(nr)
			return nil, err
		}
		nr.srv, nr.srvHeap = index, metadata.BindlessSampledImage
	}
	if td.Usage.Contains(gputypes.TextureUsageStorageBinding) {
		index, err := d.bindless(metadata.BindlessStorageImage, native)
		if err != nil {
			d.retire(nr)
			return nil, err
		}
		nr.uav, nr.uavHeap = index, metadata.BindlessStorageImage
	}

	switch {
	case len(data) > 0:
		_, err = d.upload(total,
			func(staging []byte) {
				var off uint64
				for mip, level := range data {
					copy(staging[off:], level)
					off += math.AlignUp(metadata.MipSize(&td, uint32(mip)), 16)
				}
			},
			func(cmd, staging metadata.NativeHandle) {
				var off uint64
				for mip := range data {
					d.backend.CmdCopyBufferToTexture(cmd, native, uint32(mip), staging, off)
					off += math.AlignUp(metadata.MipSize(&td, uint32(mip)), 16)
				}
			})
		if err != nil {
			d.retire(nr)
			return nil, errors.Wrapf(err, "uploading texture %q", td.Label)
		}
	case td.Usage.Contains(gputypes.TextureUsageStorageBinding) || td.Usage.Contains(gputypes.TextureUsageRenderAttachment):
		if err := d.initializeTexture(native); err != nil {
			d.retire(nr)
			return nil, errors.Wrapf(err, "initializing texture %q", td.Label)
		}
	}

	tex := &Texture{desc: td}
	track(d, &tex.resource, tex, nr)
	return tex, nil
}

// initializeTexture records the layout transition into the current frame's init buffer.
func (d *Device) initializeTexture(native metadata.NativeHandle) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	cmd, err := d.frames[d.GetBufferIndex()].beginInit(d.backend)
	if err != nil {
		return err
	}
	d.backend.CmdInitializeTexture(cmd, native)
	return nil
}

// CreateTextureFromImage uploads img as an RGBA8 sampled texture, optionally with a full
// mip chain filtered on the CPU.
func (d *Device) CreateTextureFromImage(img image.Image, label string, mips bool) (*Texture, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(core.ErrCreationFailed, "empty image")
	}
	b := img.Bounds()
	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), img, b.Min, draw.Src)

	levels := uint32(1)
	if mips {
		levels = math.MipLevelCount(uint32(b.Dx()), uint32(b.Dy()))
	}
	data := make([][]byte, 0, levels)
	data = append(data, base.Pix)
	prev := base
	for mip := uint32(1); mip < levels; mip++ {
		w, h := max(prev.Rect.Dx()/2, 1), max(prev.Rect.Dy()/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		data = append(data, next.Pix)
		prev = next
	}

	return d.CreateTexture(&gputypes.TextureDescriptor{
		Label:         label,
		Size:          gputypes.Extent3D{Width: uint32(b.Dx()), Height: uint32(b.Dy()), DepthOrArrayLayers: 1},
		MipLevelCount: levels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	}, data)
}

func (d *Device) CreateSampler(desc *gputypes.SamplerDescriptor) (*Sampler, error) {
	sd := gputypes.DefaultSamplerDescriptor()
	if desc != nil {
		sd = *desc
	}
	sd.Label = labelOr(sd.Label, "sampler")
	native, err := d.backend.CreateSampler(&sd)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating sampler %q", sd.Label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindSampler, sd.Label)
	nr.native = native
	index, err := d.bindless(metadata.BindlessSampler, native)
	if err != nil {
		d.retire(nr)
		return nil, err
	}
	nr.srv, nr.srvHeap = index, metadata.BindlessSampler

	s := &Sampler{desc: sd}
	track(d, &s.resource, s, nr)
	return s, nil
}

func (d *Device) CreateShader(desc *metadata.ShaderDesc) (*Shader, error) {
	if desc == nil || (len(desc.Code) == 0 && desc.EntryPoint == "") {
		return nil, errors.Wrap(core.ErrCreationFailed, "shader needs code or an entry point")
	}
	sd := *desc
	sd.Label = labelOr(sd.Label, "shader")
	if sd.EntryPoint == "" {
		sd.EntryPoint = "main"
	}
	native, err := d.backend.CreateShader(&sd)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating shader %q", sd.Label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindShader, sd.Label)
	nr.native = native

	s := &Shader{stage: sd.Stage}
	track(d, &s.resource, s, nr)
	return s, nil
}

func (d *Device) shaderHandle(s *Shader, want gputypes.ShaderStage) (metadata.NativeHandle, error) {
	if s == nil {
		return metadata.NullHandle, nil
	}
	if s.stage != want {
		return metadata.NullHandle, errors.Wrapf(core.ErrCreationFailed, "shader %q is a %s shader, expected %s", s.label, s.stage, want)
	}
	nr, ok := d.resolve(s.handle)
	if !ok {
		return metadata.NullHandle, errors.Wrapf(core.ErrInvalidHandle, "shader %q", s.label)
	}
	return nr.native, nil
}

func (d *Device) CreatePipelineState(desc *PipelineStateDesc) (*PipelineState, error) {
	if desc == nil || (desc.CS == nil && desc.VS == nil) {
		return nil, errors.Wrap(core.ErrCreationFailed, "pipeline needs a compute or a vertex shader")
	}
	if desc.CS != nil && (desc.VS != nil || desc.PS != nil) {
		return nil, errors.Wrap(core.ErrCreationFailed, "pipeline mixes compute and graphics shaders")
	}
	pd := metadata.PipelineDesc{
		Label:            labelOr(desc.Label, "pipeline"),
		VertexStride:     desc.VertexStride,
		VertexAttributes: desc.VertexAttributes,
		Topology:         desc.Topology,
		CullMode:         desc.CullMode,
		FrontFace:        desc.FrontFace,
		DepthTest:        desc.DepthTest,
		DepthWrite:       desc.DepthWrite,
		DepthCompare:     desc.DepthCompare,
		Blend:            desc.Blend,
		ColorFormats:     desc.ColorFormats,
		DepthFormat:      desc.DepthFormat,
	}
	var err error
	if pd.Compute, err = d.shaderHandle(desc.CS, gputypes.ShaderStageCompute); err != nil {
		return nil, err
	}
	if pd.Vertex, err = d.shaderHandle(desc.VS, gputypes.ShaderStageVertex); err != nil {
		return nil, err
	}
	if pd.Fragment, err = d.shaderHandle(desc.PS, gputypes.ShaderStageFragment); err != nil {
		return nil, err
	}

	native, err := d.backend.CreatePipeline(&pd)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating pipeline %q", pd.Label), core.ErrCreationFailed)
	}
	nr := newNativeResource(metadata.ResourceKindPipeline, pd.Label)
	nr.native = native

	p := &PipelineState{bindPoint: pd.BindPoint()}
	track(d, &p.resource, p, nr)
	return p, nil
}

// GetDescriptorIndex returns the bindless index shaders use to reach res through view.
// Resources without an index of that view (heap exhausted, wrong usage, released) map to
// the matching default resource so the draw still reads valid data.
func (d *Device) GetDescriptorIndex(res Resource, view metadata.ViewType) int32 {
	if isNil(res) {
		return -1
	}
	nr, ok := d.resolve(res.Handle())
	if !ok {
		core.LogWarnOnce("stale-descriptor", "descriptor index requested for a released resource")
		return d.defaultIndex(res, view)
	}
	index := nr.srv
	if view == metadata.ViewUAV {
		index = nr.uav
	}
	if index < 0 {
		return d.defaultIndex(res, view)
	}
	return index
}
