package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type vulkanQueryPool struct {
	Handle vk.QueryPool
	Type   metadata.QueryType
	Count  uint32
}

func (vb *VulkanBackend) CreateQueryHeap(queryType metadata.QueryType, count uint32) (metadata.NativeHandle, error) {
	if count == 0 {
		return metadata.NullHandle, errors.Wrap(core.ErrCreationFailed, "query heap with no queries")
	}
	createInfo := vk.QueryPoolCreateInfo{
		SType:      vk.StructureTypeQueryPoolCreateInfo,
		QueryType:  vk.QueryTypeOcclusion,
		QueryCount: count,
	}
	if queryType == metadata.QueryTimestamp {
		createInfo.QueryType = vk.QueryTypeTimestamp
	}
	var pool vk.QueryPool
	if res := vk.CreateQueryPool(vb.context.Device.LogicalDevice, &createInfo, vb.context.Allocator, &pool); res != vk.Success {
		return metadata.NullHandle, errors.Wrapf(creationError(res, "vkCreateQueryPool"), "%s query heap", queryType)
	}
	return vb.insert(&vulkanQueryPool{Handle: pool, Type: queryType, Count: count}), nil
}

// TimestampFrequency converts the device's nanoseconds-per-tick period.
func (vb *VulkanBackend) TimestampFrequency() uint64 {
	period := vb.context.Device.Properties.Limits.TimestampPeriod
	if period <= 0 {
		return 0
	}
	return uint64(1e9 / float64(period))
}

func (vb *VulkanBackend) queryPool(heap metadata.NativeHandle, first, count uint32, what string) (*vulkanQueryPool, bool) {
	pool, ok := mustLookup[*vulkanQueryPool](vb, heap, what)
	if !ok {
		return nil, false
	}
	if uint64(first)+uint64(count) > uint64(pool.Count) {
		core.LogError("%s: queries [%d, +%d) outside a heap of %d", what, first, count, pool.Count)
		return nil, false
	}
	return pool, true
}

func (vb *VulkanBackend) CmdResetQueries(cmd metadata.NativeHandle, heap metadata.NativeHandle, first, count uint32) {
	cb, ok := vb.recorder(cmd, "CmdResetQueries")
	if !ok {
		return
	}
	if cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		core.LogWarnOnce("vulkan:reset-in-pass", "query reset inside a render pass ignored")
		return
	}
	if pool, ok := vb.queryPool(heap, first, count, "CmdResetQueries"); ok {
		vk.CmdResetQueryPool(cb.Handle, pool.Handle, first, count)
	}
}

func (vb *VulkanBackend) CmdBeginQuery(cmd metadata.NativeHandle, heap metadata.NativeHandle, index uint32) {
	cb, ok := vb.recorder(cmd, "CmdBeginQuery")
	if !ok {
		return
	}
	pool, ok := vb.queryPool(heap, index, 1, "CmdBeginQuery")
	if !ok || pool.Type == metadata.QueryTimestamp {
		return
	}
	vk.CmdBeginQuery(cb.Handle, pool.Handle, index, 0)
}

func (vb *VulkanBackend) CmdEndQuery(cmd metadata.NativeHandle, heap metadata.NativeHandle, index uint32) {
	cb, ok := vb.recorder(cmd, "CmdEndQuery")
	if !ok {
		return
	}
	pool, ok := vb.queryPool(heap, index, 1, "CmdEndQuery")
	if !ok {
		return
	}
	if pool.Type == metadata.QueryTimestamp {
		vk.CmdWriteTimestamp(cb.Handle, vk.PipelineStageBottomOfPipeBit, pool.Handle, index)
		return
	}
	vk.CmdEndQuery(cb.Handle, pool.Handle, index)
}

func (vb *VulkanBackend) CmdResolveQueries(cmd metadata.NativeHandle, heap metadata.NativeHandle, first, count uint32, dst metadata.NativeHandle, dstOffset uint64) {
	cb, ok := vb.recorder(cmd, "CmdResolveQueries")
	if !ok {
		return
	}
	if cb.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		core.LogWarnOnce("vulkan:resolve-in-pass", "query resolve inside a render pass ignored")
		return
	}
	pool, ok := vb.queryPool(heap, first, count, "CmdResolveQueries")
	if !ok {
		return
	}
	b, ok := mustLookup[*vulkanBuffer](vb, dst, "CmdResolveQueries")
	if !ok {
		return
	}
	flags := vk.QueryResultFlags(vk.QueryResult64Bit) | vk.QueryResultFlags(vk.QueryResultWaitBit)
	vk.CmdCopyQueryPoolResults(cb.Handle, pool.Handle, first, count, b.Handle,
		vk.DeviceSize(dstOffset), vk.DeviceSize(metadata.QUERY_RESULT_SIZE), flags)
}

func (vb *VulkanBackend) CmdSetViewports(cmd metadata.NativeHandle, viewports []metadata.Viewport) {
	cb, ok := vb.recorder(cmd, "CmdSetViewports")
	if !ok || len(viewports) == 0 {
		return
	}
	native := make([]vk.Viewport, len(viewports))
	for i, v := range viewports {
		native[i] = vk.Viewport{X: v.X, Y: v.Y, Width: v.Width, Height: v.Height, MinDepth: v.MinDepth, MaxDepth: v.MaxDepth}
	}
	vk.CmdSetViewport(cb.Handle, 0, uint32(len(native)), native)
}

func (vb *VulkanBackend) CmdSetScissors(cmd metadata.NativeHandle, rects []metadata.Rect) {
	cb, ok := vb.recorder(cmd, "CmdSetScissors")
	if !ok || len(rects) == 0 {
		return
	}
	native := make([]vk.Rect2D, len(rects))
	for i, r := range rects {
		native[i] = vk.Rect2D{
			Offset: vk.Offset2D{X: r.X, Y: r.Y},
			Extent: vk.Extent2D{Width: r.Width, Height: r.Height},
		}
	}
	vk.CmdSetScissor(cb.Handle, 0, uint32(len(native)), native)
}
