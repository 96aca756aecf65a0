package vulkan

import (
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
)

var textureFormats = map[gputypes.TextureFormat]vk.Format{
	gputypes.TextureFormatR8Unorm:             vk.FormatR8Unorm,
	gputypes.TextureFormatR8Snorm:             vk.FormatR8Snorm,
	gputypes.TextureFormatR8Uint:              vk.FormatR8Uint,
	gputypes.TextureFormatR8Sint:              vk.FormatR8Sint,
	gputypes.TextureFormatR16Uint:             vk.FormatR16Uint,
	gputypes.TextureFormatR16Sint:             vk.FormatR16Sint,
	gputypes.TextureFormatR16Float:            vk.FormatR16Sfloat,
	gputypes.TextureFormatRG8Unorm:            vk.FormatR8g8Unorm,
	gputypes.TextureFormatRG8Snorm:            vk.FormatR8g8Snorm,
	gputypes.TextureFormatRG8Uint:             vk.FormatR8g8Uint,
	gputypes.TextureFormatRG8Sint:             vk.FormatR8g8Sint,
	gputypes.TextureFormatR32Float:            vk.FormatR32Sfloat,
	gputypes.TextureFormatR32Uint:             vk.FormatR32Uint,
	gputypes.TextureFormatR32Sint:             vk.FormatR32Sint,
	gputypes.TextureFormatRG16Uint:            vk.FormatR16g16Uint,
	gputypes.TextureFormatRG16Sint:            vk.FormatR16g16Sint,
	gputypes.TextureFormatRG16Float:           vk.FormatR16g16Sfloat,
	gputypes.TextureFormatRGBA8Unorm:          vk.FormatR8g8b8a8Unorm,
	gputypes.TextureFormatRGBA8UnormSrgb:      vk.FormatR8g8b8a8Srgb,
	gputypes.TextureFormatRGBA8Snorm:          vk.FormatR8g8b8a8Snorm,
	gputypes.TextureFormatRGBA8Uint:           vk.FormatR8g8b8a8Uint,
	gputypes.TextureFormatRGBA8Sint:           vk.FormatR8g8b8a8Sint,
	gputypes.TextureFormatBGRA8Unorm:          vk.FormatB8g8r8a8Unorm,
	gputypes.TextureFormatBGRA8UnormSrgb:      vk.FormatB8g8r8a8Srgb,
	gputypes.TextureFormatRGB10A2Unorm:        vk.FormatA2b10g10r10UnormPack32,
	gputypes.TextureFormatRG11B10Ufloat:       vk.FormatB10g11r11UfloatPack32,
	gputypes.TextureFormatRG32Float:           vk.FormatR32g32Sfloat,
	gputypes.TextureFormatRG32Uint:            vk.FormatR32g32Uint,
	gputypes.TextureFormatRG32Sint:            vk.FormatR32g32Sint,
	gputypes.TextureFormatRGBA16Uint:          vk.FormatR16g16b16a16Uint,
	gputypes.TextureFormatRGBA16Sint:          vk.FormatR16g16b16a16Sint,
	gputypes.TextureFormatRGBA16Float:         vk.FormatR16g16b16a16Sfloat,
	gputypes.TextureFormatRGBA32Float:         vk.FormatR32g32b32a32Sfloat,
	gputypes.TextureFormatRGBA32Uint:          vk.FormatR32g32b32a32Uint,
	gputypes.TextureFormatRGBA32Sint:          vk.FormatR32g32b32a32Sint,
	gputypes.TextureFormatDepth16Unorm:        vk.FormatD16Unorm,
	gputypes.TextureFormatDepth32Float:        vk.FormatD32Sfloat,
	gputypes.TextureFormatDepth24PlusStencil8: vk.FormatD24UnormS8Uint,
}

// vkFormat maps a texture format. Depth24Plus resolves to the depth format the device
// detected at startup.
func (vd *VulkanDevice) vkFormat(format gputypes.TextureFormat) (vk.Format, bool) {
	if format == gputypes.TextureFormatDepth24Plus {
		return vd.DepthFormat, vd.DepthFormat != vk.FormatUndefined
	}
	f, ok := textureFormats[format]
	return f, ok
}

func isDepthFormat(format vk.Format) bool {
	switch format {
	case vk.FormatD16Unorm, vk.FormatD32Sfloat, vk.FormatD24UnormS8Uint, vk.FormatD32SfloatS8Uint:
		return true
	}
	return false
}

func hasStencil(format vk.Format) bool {
	return format == vk.FormatD24UnormS8Uint || format == vk.FormatD32SfloatS8Uint
}

func aspectMask(format vk.Format) vk.ImageAspectFlags {
	if !isDepthFormat(format) {
		return vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
	mask := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	if hasStencil(format) {
		mask |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	}
	return mask
}

var vertexFormats = map[gputypes.VertexFormat]vk.Format{
	gputypes.VertexFormatFloat32:   vk.FormatR32Sfloat,
	gputypes.VertexFormatFloat32x2: vk.FormatR32g32Sfloat,
	gputypes.VertexFormatFloat32x3: vk.FormatR32g32b32Sfloat,
	gputypes.VertexFormatFloat32x4: vk.FormatR32g32b32a32Sfloat,
	gputypes.VertexFormatUint32:    vk.FormatR32Uint,
	gputypes.VertexFormatSint32:    vk.FormatR32Sint,
	gputypes.VertexFormatUnorm8x4:  vk.FormatR8g8b8a8Unorm,
}

func bufferUsage(usage gputypes.BufferUsage) vk.BufferUsageFlags {
	// Copies in both directions are always allowed; staging and readback rely on it.
	flags := vk.BufferUsageFlagBits(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit)
	if usage.Contains(gputypes.BufferUsageUniform) {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage.Contains(gputypes.BufferUsageStorage) {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if usage.Contains(gputypes.BufferUsageVertex) {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage.Contains(gputypes.BufferUsageIndex) {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if usage.Contains(gputypes.BufferUsageIndirect) {
		flags |= vk.BufferUsageIndirectBufferBit
	}
	return vk.BufferUsageFlags(flags)
}

func imageUsage(usage gputypes.TextureUsage, format vk.Format) vk.ImageUsageFlags {
	flags := vk.ImageUsageFlagBits(vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit)
	if usage.Contains(gputypes.TextureUsageTextureBinding) {
		flags |= vk.ImageUsageSampledBit
	}
	if usage.Contains(gputypes.TextureUsageStorageBinding) {
		flags |= vk.ImageUsageStorageBit
	}
	if usage.Contains(gputypes.TextureUsageRenderAttachment) {
		if isDepthFormat(format) {
			flags |= vk.ImageUsageDepthStencilAttachmentBit
		} else {
			flags |= vk.ImageUsageColorAttachmentBit
		}
	}
	return vk.ImageUsageFlags(flags)
}

func filterMode(mode gputypes.FilterMode) vk.Filter {
	if mode == gputypes.FilterModeLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func mipmapMode(mode gputypes.FilterMode) vk.SamplerMipmapMode {
	if mode == gputypes.FilterModeLinear {
		return vk.SamplerMipmapModeLinear
	}
	return vk.SamplerMipmapModeNearest
}

func addressMode(mode gputypes.AddressMode) vk.SamplerAddressMode {
	switch mode {
	case gputypes.AddressModeRepeat:
		return vk.SamplerAddressModeRepeat
	case gputypes.AddressModeMirrorRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	}
	return vk.SamplerAddressModeClampToEdge
}

func compareOp(fn gputypes.CompareFunction) vk.CompareOp {
	switch fn {
	case gputypes.CompareFunctionNever:
		return vk.CompareOpNever
	case gputypes.CompareFunctionLess:
		return vk.CompareOpLess
	case gputypes.CompareFunctionEqual:
		return vk.CompareOpEqual
	case gputypes.CompareFunctionLessEqual:
		return vk.CompareOpLessOrEqual
	case gputypes.CompareFunctionGreater:
		return vk.CompareOpGreater
	case gputypes.CompareFunctionNotEqual:
		return vk.CompareOpNotEqual
	case gputypes.CompareFunctionGreaterEqual:
		return vk.CompareOpGreaterOrEqual
	}
	return vk.CompareOpAlways
}

func topology(t gputypes.PrimitiveTopology) vk.PrimitiveTopology {
	switch t {
	case gputypes.PrimitiveTopologyPointList:
		return vk.PrimitiveTopologyPointList
	case gputypes.PrimitiveTopologyLineList:
		return vk.PrimitiveTopologyLineList
	case gputypes.PrimitiveTopologyLineStrip:
		return vk.PrimitiveTopologyLineStrip
	case gputypes.PrimitiveTopologyTriangleStrip:
		return vk.PrimitiveTopologyTriangleStrip
	}
	return vk.PrimitiveTopologyTriangleList
}

func cullMode(mode gputypes.CullMode) vk.CullModeFlags {
	switch mode {
	case gputypes.CullModeFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case gputypes.CullModeBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	}
	return vk.CullModeFlags(vk.CullModeNone)
}

func frontFace(face gputypes.FrontFace) vk.FrontFace {
	if face == gputypes.FrontFaceCW {
		return vk.FrontFaceClockwise
	}
	return vk.FrontFaceCounterClockwise
}

func loadOp(op gputypes.LoadOp) vk.AttachmentLoadOp {
	switch op {
	case gputypes.LoadOpClear:
		return vk.AttachmentLoadOpClear
	case gputypes.LoadOpLoad:
		return vk.AttachmentLoadOpLoad
	}
	return vk.AttachmentLoadOpDontCare
}

func storeOp(op gputypes.StoreOp) vk.AttachmentStoreOp {
	if op == gputypes.StoreOpStore {
		return vk.AttachmentStoreOpStore
	}
	return vk.AttachmentStoreOpDontCare
}

func indexType(format gputypes.IndexFormat) vk.IndexType {
	if format == gputypes.IndexFormatUint16 {
		return vk.IndexTypeUint16
	}
	return vk.IndexTypeUint32
}

func shaderStage(stage gputypes.ShaderStage) vk.ShaderStageFlagBits {
	switch stage {
	case gputypes.ShaderStageVertex:
		return vk.ShaderStageVertexBit
	case gputypes.ShaderStageFragment:
		return vk.ShaderStageFragmentBit
	}
	return vk.ShaderStageComputeBit
}
