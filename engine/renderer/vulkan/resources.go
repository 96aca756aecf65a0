package vulkan

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type vulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	// Persistently mapped for upload and readback memory.
	Mapped []byte
}

type vulkanTexture struct {
	Image  vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Format vk.Format
	Aspect vk.ImageAspectFlags
	Desc   gputypes.TextureDescriptor

	// Set once the image has left VK_IMAGE_LAYOUT_UNDEFINED.
	initialized atomic.Bool
}

type VulkanShader struct {
	Handle     vk.ShaderModule
	Stage      vk.ShaderStageFlagBits
	EntryPoint string
}

// sharing returns the sharing mode for a new buffer or image. Resources are shared by
// every queue family without ownership transfers.
func (vb *VulkanBackend) sharing() (vk.SharingMode, []uint32) {
	families := vb.context.Device.UniqueFamilies()
	if len(families) < 2 {
		return vk.SharingModeExclusive, nil
	}
	return vk.SharingModeConcurrent, families
}

func (vb *VulkanBackend) newBuffer(size uint64, usage vk.BufferUsageFlags, memoryUsage metadata.MemoryUsage) (*vulkanBuffer, error) {
	logical := vb.context.Device.LogicalDevice
	mode, families := vb.sharing()
	createInfo := vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(size),
		Usage:                 usage,
		SharingMode:           mode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
	}
	out := &vulkanBuffer{Size: size}
	if res := vk.CreateBuffer(logical, &createInfo, vb.context.Allocator, &out.Handle); res != vk.Success {
		return nil, creationError(res, "vkCreateBuffer")
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(logical, out.Handle, &requirements)
	requirements.Deref()

	memory, err := vb.context.allocateMemory(requirements, memoryUsage)
	if err != nil {
		vk.DestroyBuffer(logical, out.Handle, vb.context.Allocator)
		return nil, err
	}
	out.Memory = memory
	if res := vk.BindBufferMemory(logical, out.Handle, memory, 0); res != vk.Success {
		vb.destroyBuffer(out)
		return nil, vulkanError(res, "vkBindBufferMemory")
	}

	if memoryUsage != metadata.MemoryDefault {
		var data unsafe.Pointer
		if res := vk.MapMemory(logical, memory, 0, vk.DeviceSize(size), 0, &data); res != vk.Success {
			vb.destroyBuffer(out)
			return nil, vulkanError(res, "vkMapMemory")
		}
		out.Mapped = unsafe.Slice((*byte)(data), size)
	}
	return out, nil
}

func (vb *VulkanBackend) destroyBuffer(b *vulkanBuffer) {
	logical := vb.context.Device.LogicalDevice
	if b.Mapped != nil {
		vk.UnmapMemory(logical, b.Memory)
		b.Mapped = nil
	}
	if b.Handle != nil {
		vk.DestroyBuffer(logical, b.Handle, vb.context.Allocator)
		b.Handle = nil
	}
	if b.Memory != nil {
		vk.FreeMemory(logical, b.Memory, vb.context.Allocator)
		b.Memory = nil
	}
}

func (vb *VulkanBackend) CreateBuffer(desc *gputypes.BufferDescriptor, memory metadata.MemoryUsage) (metadata.NativeBuffer, error) {
	if desc.Size == 0 {
		return metadata.NativeBuffer{}, errors.Wrapf(core.ErrCreationFailed, "buffer %q has zero size", desc.Label)
	}
	b, err := vb.newBuffer(desc.Size, bufferUsage(desc.Usage), memory)
	if err != nil {
		return metadata.NativeBuffer{}, errors.Wrapf(err, "buffer %q", desc.Label)
	}
	return metadata.NativeBuffer{Handle: vb.insert(b), Mapped: b.Mapped}, nil
}

func (vb *VulkanBackend) newTexture(desc *gputypes.TextureDescriptor) (*vulkanTexture, error) {
	device := vb.context.Device
	format, ok := device.vkFormat(desc.Format)
	if !ok {
		return nil, errors.Wrapf(core.ErrUnsupported, "texture format %v", desc.Format)
	}

	imageType, viewType := vk.ImageType2d, vk.ImageViewType2d
	depth, layers := uint32(1), max(desc.Size.DepthOrArrayLayers, 1)
	switch {
	case desc.Dimension == gputypes.TextureDimension3D:
		imageType, viewType = vk.ImageType3d, vk.ImageViewType3d
		depth, layers = layers, 1
	case layers > 1:
		viewType = vk.ImageViewType2dArray
	}
	mips := max(desc.MipLevelCount, 1)

	mode, families := vb.sharing()
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageType,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  max(desc.Size.Width, 1),
			Height: max(desc.Size.Height, 1),
			Depth:  depth,
		},
		MipLevels:             mips,
		ArrayLayers:           layers,
		Samples:               vk.SampleCount1Bit,
		Tiling:                vk.ImageTilingOptimal,
		Usage:                 imageUsage(desc.Usage, format),
		SharingMode:           mode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
		InitialLayout:         vk.ImageLayoutUndefined,
	}

	logical := device.LogicalDevice
	out := &vulkanTexture{Format: format, Aspect: aspectMask(format), Desc: *desc}
	if res := vk.CreateImage(logical, &createInfo, vb.context.Allocator, &out.Image); res != vk.Success {
		return nil, creationError(res, "vkCreateImage")
	}

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(logical, out.Image, &requirements)
	requirements.Deref()
	memory, err := vb.context.allocateMemory(requirements, metadata.MemoryDefault)
	if err != nil {
		vb.destroyTexture(out)
		return nil, err
	}
	out.Memory = memory
	if res := vk.BindImageMemory(logical, out.Image, memory, 0); res != vk.Success {
		vb.destroyTexture(out)
		return nil, vulkanError(res, "vkBindImageMemory")
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    out.Image,
		ViewType: viewType,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     out.Aspect,
			BaseMipLevel:   0,
			LevelCount:     mips,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
	if res := vk.CreateImageView(logical, &viewInfo, vb.context.Allocator, &out.View); res != vk.Success {
		vb.destroyTexture(out)
		return nil, creationError(res, "vkCreateImageView")
	}
	return out, nil
}

func (vb *VulkanBackend) destroyTexture(t *vulkanTexture) {
	logical := vb.context.Device.LogicalDevice
	vb.framebuffers.evict(vb.context, t.View)
	if t.View != nil {
		vk.DestroyImageView(logical, t.View, vb.context.Allocator)
		t.View = nil
	}
	if t.Image != nil {
		vk.DestroyImage(logical, t.Image, vb.context.Allocator)
		t.Image = nil
	}
	if t.Memory != nil {
		vk.FreeMemory(logical, t.Memory, vb.context.Allocator)
		t.Memory = nil
	}
}

func (vb *VulkanBackend) CreateTexture(desc *gputypes.TextureDescriptor) (metadata.NativeHandle, error) {
	t, err := vb.newTexture(desc)
	if err != nil {
		return metadata.NullHandle, errors.Wrapf(err, "texture %q", desc.Label)
	}
	return vb.insert(t), nil
}

func (vb *VulkanBackend) newSampler(desc *gputypes.SamplerDescriptor) (vk.Sampler, error) {
	createInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               filterMode(desc.MagFilter),
		MinFilter:               filterMode(desc.MinFilter),
		MipmapMode:              mipmapMode(desc.MipmapFilter),
		AddressModeU:            addressMode(desc.AddressModeU),
		AddressModeV:            addressMode(desc.AddressModeV),
		AddressModeW:            addressMode(desc.AddressModeW),
		MinLod:                  desc.LodMinClamp,
		MaxLod:                  desc.LodMaxClamp,
		BorderColor:             vk.BorderColorFloatTransparentBlack,
		UnnormalizedCoordinates: vk.False,
	}
	if createInfo.MaxLod < createInfo.MinLod {
		createInfo.MaxLod = vk.LodClampNone
	}
	if desc.Compare != gputypes.CompareFunctionUndefined {
		createInfo.CompareEnable = vk.True
		createInfo.CompareOp = compareOp(desc.Compare)
	}
	if vb.context.Device.Features.SamplerAnisotropy == vk.True && desc.MinFilter == gputypes.FilterModeLinear {
		createInfo.AnisotropyEnable = vk.True
		createInfo.MaxAnisotropy = min(16, vb.context.Device.Properties.Limits.MaxSamplerAnisotropy)
	}

	var sampler vk.Sampler
	if res := vk.CreateSampler(vb.context.Device.LogicalDevice, &createInfo, vb.context.Allocator, &sampler); res != vk.Success {
		return nil, creationError(res, "vkCreateSampler")
	}
	return sampler, nil
}

func (vb *VulkanBackend) CreateSampler(desc *gputypes.SamplerDescriptor) (metadata.NativeHandle, error) {
	sampler, err := vb.newSampler(desc)
	if err != nil {
		return metadata.NullHandle, errors.Wrapf(err, "sampler %q", desc.Label)
	}
	return vb.insert(sampler), nil
}

func (vb *VulkanBackend) CreateShader(desc *metadata.ShaderDesc) (metadata.NativeHandle, error) {
	if len(desc.Code) == 0 || len(desc.Code)%4 != 0 {
		return metadata.NullHandle, errors.Wrapf(core.ErrCreationFailed, "shader %q: SPIR-V size %d is not a multiple of 4", desc.Label, len(desc.Code))
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	// Copied so the words are 4-byte aligned.
	code := append([]byte(nil), desc.Code...)
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    spirvWords(code),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(vb.context.Device.LogicalDevice, &createInfo, vb.context.Allocator, &module); res != vk.Success {
		return metadata.NullHandle, errors.Wrapf(creationError(res, "vkCreateShaderModule"), "shader %q", desc.Label)
	}
	return vb.insert(&VulkanShader{Handle: module, Stage: shaderStage(desc.Stage), EntryPoint: entry}), nil
}

// Destroy releases a native object. Bindless slots are not native objects and are ignored.
func (vb *VulkanBackend) Destroy(kind metadata.ResourceKind, handle metadata.NativeHandle) {
	if handle.IsNull() || kind >= metadata.ResourceKindBindlessSampledImage {
		return
	}
	obj, ok := vb.objects.Remove(unpackHandle(handle))
	if !ok {
		core.LogWarn("destroying unknown %s handle %#x", kind, uint64(handle))
		return
	}
	vb.destroyObject(obj)
}

func (vb *VulkanBackend) destroyObject(obj any) {
	logical := vb.context.Device.LogicalDevice
	switch o := obj.(type) {
	case *vulkanBuffer:
		vb.destroyBuffer(o)
	case *vulkanTexture:
		vb.destroyTexture(o)
	case vk.Sampler:
		vk.DestroySampler(logical, o, vb.context.Allocator)
	case *VulkanShader:
		vk.DestroyShaderModule(logical, o.Handle, vb.context.Allocator)
	case *VulkanPipeline:
		o.Destroy(vb.context)
	case *VulkanCommandPool:
		for _, cb := range o.buffers {
			vb.objects.Remove(unpackHandle(cb.native))
		}
		o.Destroy(vb.context)
	case *VulkanCommandBuffer:
		// Freed with its pool.
	case *descriptorHeap:
		vb.releaseHeap(o)
	case *VulkanTimeline:
		o.Destroy(vb.context)
	case *vulkanQueryPool:
		vk.DestroyQueryPool(logical, o.Handle, vb.context.Allocator)
	default:
		core.LogWarn("destroying unexpected native object %T", obj)
	}
}
