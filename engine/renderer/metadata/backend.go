package metadata

import (
	"time"

	"github.com/gogpu/gputypes"
)

// SyncPoint is a value on a timeline semaphore.
type SyncPoint struct {
	Timeline NativeHandle
	Value    uint64
}

// SubmitBatch is one submit-info worth of work: wait for every SyncPoint in Waits,
// execute CommandBuffers in order, then signal Signal.
type SubmitBatch struct {
	CommandBuffers []NativeHandle
	Waits          []SyncPoint
	Signal         SyncPoint
}

/**
 * @brief Native API entry points the device layer relies on. Implementations must
 * accept resource creation from any goroutine; recording on one command buffer is
 * single-threaded; Submit may be called concurrently for different queues and for the
 * same queue (the backend serializes native queue access).
 */
type Backend interface {
	Name() string
	Initialize() error
	Shutdown() error
	// WaitIdle blocks until every queue has drained.
	WaitIdle(timeout time.Duration) error

	Timelines
	CommandBuffers
	Resources
	Queries
	Recorder
}

type Timelines interface {
	CreateTimeline(initial uint64) (NativeHandle, error)
	// TimelineValue returns the last value the GPU signaled.
	TimelineValue(timeline NativeHandle) (uint64, error)
	WaitTimeline(timeline NativeHandle, value uint64, timeout time.Duration) error
	// Submit hands every batch to the queue in one native call. Waits may reference
	// values that are signaled by a later Submit on another queue.
	Submit(queue QueueType, batches []SubmitBatch) error
}

type CommandBuffers interface {
	CreateCommandPool(queue QueueType) (NativeHandle, error)
	ResetCommandPool(pool NativeHandle) error
	AllocateCommandBuffer(pool NativeHandle) (NativeHandle, error)
	BeginCommandBuffer(cmd NativeHandle) error
	EndCommandBuffer(cmd NativeHandle) error
}

type Resources interface {
	CreateBuffer(desc *gputypes.BufferDescriptor, memory MemoryUsage) (NativeBuffer, error)
	CreateTexture(desc *gputypes.TextureDescriptor) (NativeHandle, error)
	CreateSampler(desc *gputypes.SamplerDescriptor) (NativeHandle, error)
	CreateShader(desc *ShaderDesc) (NativeHandle, error)
	CreatePipeline(desc *PipelineDesc) (NativeHandle, error)
	CreateDescriptorHeap(kind BindlessKind, capacity uint32) (NativeHandle, error)
	// WriteDescriptor points a heap slot at resource. Slots are written before the
	// index is handed out and are never written while a submitted list can read them.
	WriteDescriptor(heap NativeHandle, index uint32, resource NativeHandle) error
	// Destroy frees a native object. Only called once the GPU no longer references it.
	Destroy(kind ResourceKind, handle NativeHandle)
}

type Queries interface {
	// CreateQueryHeap creates count queries of one type. Results resolve to 64-bit values.
	CreateQueryHeap(queryType QueryType, count uint32) (NativeHandle, error)
	// TimestampFrequency is the number of timestamp ticks per second.
	TimestampFrequency() uint64
}

// Recorder records commands into a command buffer. Pointer arguments are only valid for the
// duration of the call; implementations copy what they keep.
type Recorder interface {
	CmdUpdateBindings(cmd NativeHandle, bindPoint PipelineBindPoint, table *BindingTable, dirty uint64)
	CmdBindDynamicOffsets(cmd NativeHandle, bindPoint PipelineBindPoint, table *BindingTable)
	CmdBindPipeline(cmd NativeHandle, pipeline NativeHandle, bindPoint PipelineBindPoint)
	CmdBindVertexBuffers(cmd NativeHandle, firstSlot uint32, buffers []NativeHandle, offsets []uint64)
	CmdBindIndexBuffer(cmd NativeHandle, buffer NativeHandle, offset uint64, format gputypes.IndexFormat)
	CmdPushConstants(cmd NativeHandle, bindPoint PipelineBindPoint, data []byte)
	CmdBeginRenderPass(cmd NativeHandle, pass *RenderPassBeginInfo)
	CmdEndRenderPass(cmd NativeHandle)
	CmdDraw(cmd NativeHandle, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDrawIndexed(cmd NativeHandle, indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	CmdDrawIndirect(cmd NativeHandle, args NativeHandle, offset uint64, indexed bool)
	CmdDispatch(cmd NativeHandle, x, y, z uint32)
	CmdDispatchIndirect(cmd NativeHandle, args NativeHandle, offset uint64)
	CmdCopyBuffer(cmd NativeHandle, dst NativeHandle, dstOffset uint64, src NativeHandle, srcOffset uint64, size uint64)
	CmdCopyBufferToTexture(cmd NativeHandle, dst NativeHandle, mip uint32, src NativeHandle, srcOffset uint64)
	CmdCopyTexture(cmd NativeHandle, dst NativeHandle, src NativeHandle)
	// CmdInitializeTexture puts a freshly created texture into its default state.
	CmdInitializeTexture(cmd NativeHandle, texture NativeHandle)
	// CmdBarrier makes all prior writes in the command buffer visible to later commands.
	CmdBarrier(cmd NativeHandle)

	CmdSetViewports(cmd NativeHandle, viewports []Viewport)
	CmdSetScissors(cmd NativeHandle, rects []Rect)
	CmdResetQueries(cmd NativeHandle, heap NativeHandle, first, count uint32)
	CmdBeginQuery(cmd NativeHandle, heap NativeHandle, index uint32)
	// CmdEndQuery ends an occlusion query or writes a timestamp.
	CmdEndQuery(cmd NativeHandle, heap NativeHandle, index uint32)
	// CmdResolveQueries writes count results as little-endian uint64 values into dst.
	CmdResolveQueries(cmd NativeHandle, heap NativeHandle, first, count uint32, dst NativeHandle, dstOffset uint64)
}
