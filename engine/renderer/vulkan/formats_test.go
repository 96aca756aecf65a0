package vulkan

import (
	"testing"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func TestVkFormat(t *testing.T) {
	device := &VulkanDevice{DepthFormat: vk.FormatD32Sfloat}
	tests := []struct {
		in   gputypes.TextureFormat
		want vk.Format
		ok   bool
	}{
		{gputypes.TextureFormatRGBA8Unorm, vk.FormatR8g8b8a8Unorm, true},
		{gputypes.TextureFormatBGRA8UnormSrgb, vk.FormatB8g8r8a8Srgb, true},
		{gputypes.TextureFormatRGBA16Float, vk.FormatR16g16b16a16Sfloat, true},
		{gputypes.TextureFormatDepth24Plus, vk.FormatD32Sfloat, true},
		{gputypes.TextureFormatUndefined, vk.FormatUndefined, false},
	}
	for _, tt := range tests {
		got, ok := device.vkFormat(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("vkFormat(%v) = %v, %t; want %v, %t", tt.in, got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := (&VulkanDevice{}).vkFormat(gputypes.TextureFormatDepth24Plus); ok {
		t.Error("Depth24Plus resolved without a detected depth format")
	}
}

func TestAspectMask(t *testing.T) {
	color := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	depth := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	stencil := vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	tests := []struct {
		format vk.Format
		want   vk.ImageAspectFlags
	}{
		{vk.FormatR8g8b8a8Unorm, color},
		{vk.FormatD32Sfloat, depth},
		{vk.FormatD24UnormS8Uint, depth | stencil},
		{vk.FormatD32SfloatS8Uint, depth | stencil},
	}
	for _, tt := range tests {
		if got := aspectMask(tt.format); got != tt.want {
			t.Errorf("aspectMask(%v) = %#x, want %#x", tt.format, got, tt.want)
		}
	}
}

func TestBufferUsageAlwaysCopies(t *testing.T) {
	copies := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit)
	tests := []struct {
		usage gputypes.BufferUsage
		want  vk.BufferUsageFlags
	}{
		{0, copies},
		{gputypes.BufferUsageUniform, copies | vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)},
		{gputypes.BufferUsageVertex | gputypes.BufferUsageIndex,
			copies | vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit|vk.BufferUsageIndexBufferBit)},
		{gputypes.BufferUsageStorage | gputypes.BufferUsageIndirect,
			copies | vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit|vk.BufferUsageIndirectBufferBit)},
	}
	for _, tt := range tests {
		if got := bufferUsage(tt.usage); got != tt.want {
			t.Errorf("bufferUsage(%v) = %#x, want %#x", tt.usage, got, tt.want)
		}
	}
}

func TestImageUsageAttachmentKind(t *testing.T) {
	usage := gputypes.TextureUsageRenderAttachment
	colorBit := vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	depthBit := vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)

	color := imageUsage(usage, vk.FormatR8g8b8a8Unorm)
	if color&colorBit == 0 || color&depthBit != 0 {
		t.Errorf("color attachment usage = %#x", color)
	}
	depth := imageUsage(usage, vk.FormatD32Sfloat)
	if depth&depthBit == 0 || depth&colorBit != 0 {
		t.Errorf("depth attachment usage = %#x", depth)
	}
	storage := imageUsage(gputypes.TextureUsageStorageBinding|gputypes.TextureUsageTextureBinding, vk.FormatR8g8b8a8Unorm)
	if storage&vk.ImageUsageFlags(vk.ImageUsageStorageBit) == 0 || storage&vk.ImageUsageFlags(vk.ImageUsageSampledBit) == 0 {
		t.Errorf("storage usage = %#x", storage)
	}
}

func TestMipExtent(t *testing.T) {
	desc := gputypes.TextureDescriptor{
		Size:      gputypes.Extent3D{Width: 64, Height: 16, DepthOrArrayLayers: 4},
		Dimension: gputypes.TextureDimension2D,
	}
	tests := []struct {
		mip    uint32
		w, h   uint32
		layers uint32
	}{
		{0, 64, 16, 4},
		{2, 16, 4, 4},
		{5, 2, 1, 4},
		{8, 1, 1, 4},
	}
	for _, tt := range tests {
		extent, layers := mipExtent(&desc, tt.mip)
		if extent.Width != tt.w || extent.Height != tt.h || extent.Depth != 1 || layers != tt.layers {
			t.Errorf("mip %d: %dx%dx%d layers %d", tt.mip, extent.Width, extent.Height, extent.Depth, layers)
		}
	}

	desc.Dimension = gputypes.TextureDimension3D
	extent, layers := mipExtent(&desc, 1)
	if extent.Depth != 2 || layers != 1 {
		t.Errorf("3D mip 1: depth %d layers %d", extent.Depth, layers)
	}
}

func TestBinderLayoutCoversSlots(t *testing.T) {
	if BINDER_BINDING_COUNT != metadata.BINDER_SLOT_COUNT+metadata.BINDER_SRV_COUNT+metadata.BINDER_UAV_COUNT {
		t.Fatalf("BINDER_BINDING_COUNT = %d", BINDER_BINDING_COUNT)
	}
	var total uint32
	for _, size := range binderPoolSizes(1) {
		total += size.DescriptorCount
	}
	if total != BINDER_BINDING_COUNT {
		t.Errorf("one binder set needs %d descriptors, pool sizes hold %d", BINDER_BINDING_COUNT, total)
	}
}

func TestDynamicOffsets(t *testing.T) {
	var table metadata.BindingTable
	table.CBV[0] = metadata.BindingEntry{Resource: 7, Kind: metadata.ResourceKindBuffer, Offset: 256, Size: 64}
	table.CBV[3] = metadata.BindingEntry{Resource: 9, Kind: metadata.ResourceKindBuffer, Offset: 1024, Size: 64}
	// A stale offset on an empty slot must not leak into the bind call.
	table.CBV[5] = metadata.BindingEntry{Offset: 512}

	offsets := dynamicOffsets(&table)
	if len(offsets) != metadata.BINDER_CBV_COUNT {
		t.Fatalf("len = %d", len(offsets))
	}
	if offsets[0] != 256 || offsets[3] != 1024 || offsets[5] != 0 {
		t.Errorf("offsets = %v", offsets)
	}
}

func TestRenderPassKey(t *testing.T) {
	key := renderPassKey{colorCount: 2}
	if key.hasDepth() || key.attachmentCount() != 2 {
		t.Errorf("color only key: depth %t count %d", key.hasDepth(), key.attachmentCount())
	}
	key.depth = attachmentKey{format: vk.FormatD32Sfloat}
	if !key.hasDepth() || key.attachmentCount() != 3 {
		t.Errorf("depth key: depth %t count %d", key.hasDepth(), key.attachmentCount())
	}

	other := key
	other.colors[0].load = vk.AttachmentLoadOpClear
	cache := map[renderPassKey]int{key: 1}
	if _, ok := cache[other]; ok {
		t.Error("keys with different load ops collide")
	}
}
