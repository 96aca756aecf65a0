package vulkan

import "github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"

/**
 * @brief Binding numbers of descriptor set 0, the per command list binding table.
 * CBV, buffer SRV/UAV and sampler slots use the metadata slot shifts directly; texture
 * SRV/UAV slots follow after them.
 */
const (
	BINDER_SRV_TEXTURE_BINDING uint32 = metadata.BINDER_SLOT_COUNT
	BINDER_UAV_TEXTURE_BINDING uint32 = BINDER_SRV_TEXTURE_BINDING + metadata.BINDER_SRV_COUNT
	BINDER_BINDING_COUNT       uint32 = BINDER_UAV_TEXTURE_BINDING + metadata.BINDER_UAV_COUNT
)

// Set numbers inside the shared pipeline layout. Bindless heap k lives at set 1+k.
const (
	BINDER_SET        uint32 = 0
	BINDLESS_SET_BASE uint32 = 1
)

/** @brief Descriptor sets per pool of a command pool's binding arena. */
const DESCRIPTOR_ARENA_SETS uint32 = 256

/** @brief Color attachments a render pass can carry. */
const MAX_COLOR_ATTACHMENTS = 8

// Size of the buffer bound to empty binding table slots.
const NULL_BUFFER_SIZE = 256
