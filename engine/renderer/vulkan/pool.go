package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
)

type LockGroup string

const (
	DescriptorManagement LockGroup = "descriptor_management"
	RenderpassManagement LockGroup = "renderpass_management"
	PipelineManagement   LockGroup = "pipeline_management"
)

/**
 * @brief Mutexes for Vulkan objects that need external synchronization. Groups cover
 * shared descriptor sets and caches; queue mutexes are keyed by queue family because
 * several QueueTypes can resolve to the same VkQueue.
 */
type VulkanLockPool struct {
	locks map[LockGroup]*sync.Mutex
	mu    sync.Mutex

	queueMutexes map[uint32]*sync.Mutex
}

func NewVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (vs *VulkanLockPool) lock(group LockGroup) *sync.Mutex {
	vs.mu.Lock()
	l, exists := vs.locks[group]
	if !exists {
		l = &sync.Mutex{}
		vs.locks[group] = l
	}
	vs.mu.Unlock()

	l.Lock()
	return l
}

func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	l := vs.lock(group)
	defer l.Unlock()

	return fn()
}

func (vs *VulkanLockPool) SetQueueFamily(index uint32) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, exists := vs.queueMutexes[index]; !exists {
		vs.queueMutexes[index] = &sync.Mutex{}
	}
}

// SafeQueueCall runs fn while holding the queue family's mutex. Other families stay usable.
func (vs *VulkanLockPool) SafeQueueCall(queueFamilyIndex uint32, fn func() error) error {
	vs.mu.Lock()
	l, ok := vs.queueMutexes[queueFamilyIndex]
	vs.mu.Unlock()
	if !ok {
		return errors.AssertionFailedf("queue family %d was never registered", queueFamilyIndex)
	}

	l.Lock()
	defer l.Unlock()
	return fn()
}
