package metadata

import "github.com/gogpu/gputypes"

// NativeHandle identifies an object owned by a Backend. Zero is the null handle.
type NativeHandle uint64

const NullHandle NativeHandle = 0

func (h NativeHandle) IsNull() bool {
	return h == NullHandle
}

/** @brief Kinds of objects whose destruction is deferred until the GPU is done with them. */
type ResourceKind uint8

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindTexture
	ResourceKindSampler
	ResourceKindShader
	ResourceKindPipeline
	ResourceKindCommandPool
	ResourceKindDescriptorHeap
	ResourceKindTimeline
	ResourceKindQueryHeap
	/** @brief Bindless slots. The handle is the slot index, not a native object. */
	ResourceKindBindlessSampledImage
	ResourceKindBindlessStorageImage
	ResourceKindBindlessStorageBuffer
	ResourceKindBindlessSampler

	RESOURCE_KIND_COUNT
)

var resourceKindNames = [RESOURCE_KIND_COUNT]string{
	"buffer",
	"texture",
	"sampler",
	"shader",
	"pipeline",
	"command_pool",
	"descriptor_heap",
	"timeline",
	"query_heap",
	"bindless_sampled_image",
	"bindless_storage_image",
	"bindless_storage_buffer",
	"bindless_sampler",
}

func (k ResourceKind) String() string {
	if k < RESOURCE_KIND_COUNT {
		return resourceKindNames[k]
	}
	return "unknown"
}

/** @brief Descriptor categories that get a bindless heap each. */
type BindlessKind uint8

const (
	BindlessSampledImage BindlessKind = iota
	BindlessStorageImage
	BindlessStorageBuffer
	BindlessSampler

	BINDLESS_KIND_COUNT
)

func (k BindlessKind) ResourceKind() ResourceKind {
	return ResourceKindBindlessSampledImage + ResourceKind(k)
}

func (k BindlessKind) String() string {
	return k.ResourceKind().String()
}

/** @brief Which view of a resource a descriptor index refers to. */
type ViewType uint8

const (
	// Read-only: sampled image or read-only storage buffer.
	ViewSRV ViewType = iota
	// Read-write: storage image or storage buffer.
	ViewUAV
)

/** @brief Where a buffer lives. */
type MemoryUsage uint8

const (
	// Device local, not host visible.
	MemoryDefault MemoryUsage = iota
	// Host visible and persistently mapped for CPU writes.
	MemoryUpload
	// Host visible and persistently mapped for CPU reads.
	MemoryReadback
)

// MemoryUsageFor derives the memory placement from the buffer usage flags.
func MemoryUsageFor(usage gputypes.BufferUsage) MemoryUsage {
	switch {
	case usage.Contains(gputypes.BufferUsageMapRead):
		return MemoryReadback
	case usage.Contains(gputypes.BufferUsageMapWrite):
		return MemoryUpload
	}
	return MemoryDefault
}

// NativeBuffer is what a Backend returns for a created buffer. Mapped is non-nil for
// host visible memory and stays valid until the buffer is destroyed.
type NativeBuffer struct {
	Handle NativeHandle
	Mapped []byte
}

// FormatBytesPerPixel returns the texel size of uncompressed color formats, 0 otherwise.
func FormatBytesPerPixel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint, gputypes.TextureFormatR16Float,
		gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG8Snorm,
		gputypes.TextureFormatRG8Uint, gputypes.TextureFormatRG8Sint:
		return 2
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint, gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRG16Unorm, gputypes.TextureFormatRG16Snorm,
		gputypes.TextureFormatRG16Uint, gputypes.TextureFormatRG16Sint, gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint, gputypes.TextureFormatRGBA8Sint,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatRGB10A2Uint, gputypes.TextureFormatRGB10A2Unorm,
		gputypes.TextureFormatRG11B10Ufloat, gputypes.TextureFormatRGB9E5Ufloat:
		return 4
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint, gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Snorm,
		gputypes.TextureFormatRGBA16Uint, gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint, gputypes.TextureFormatRGBA32Sint:
		return 16
	}
	return 0
}

// MipSize returns the byte size of one mip level of a 2D texture.
func MipSize(desc *gputypes.TextureDescriptor, mip uint32) uint64 {
	w := max(desc.Size.Width>>mip, 1)
	h := max(desc.Size.Height>>mip, 1)
	layers := max(desc.Size.DepthOrArrayLayers, 1)
	return uint64(w) * uint64(h) * uint64(layers) * uint64(FormatBytesPerPixel(desc.Format))
}
