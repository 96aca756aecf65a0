package vulkan

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

var (
	loaderOnce sync.Once
	loaderErr  error
)

/**
 * @brief Headless Vulkan 1.2 implementation of metadata.Backend. Every native object is
 * kept in one generation-checked table; the NativeHandle packs the table handle.
 */
type VulkanBackend struct {
	context *VulkanContext
	debug   bool

	objects *containers.HandleTable[any]

	// Shared by every pipeline. Built on first use, see pipelineLayout.
	layoutOnce     sync.Once
	layoutErr      error
	binderLayout   vk.DescriptorSetLayout
	pipelineLayout vk.PipelineLayout
	heapMu         sync.Mutex
	heaps          [metadata.BINDLESS_KIND_COUNT]*descriptorHeap
	ownedHeaps     []*descriptorHeap

	renderPasses *renderPassCache
	framebuffers *framebufferCache

	nullBuffer  *vulkanBuffer
	nullTexture *vulkanTexture
	nullSampler vk.Sampler
}

var _ metadata.Backend = (*VulkanBackend)(nil)

func New() *VulkanBackend {
	return &VulkanBackend{
		context: &VulkanContext{
			Allocator: nil,
			Device:    &VulkanDevice{},
			Locks:     NewVulkanLockPool(),
		},
		objects:      containers.NewHandleTable[any](1024),
		renderPasses: newRenderPassCache(),
		framebuffers: newFramebufferCache(),
	}
}

// EnableValidationLayers turns on the Khronos validation layer and the debug report
// callback. Must be called before Initialize.
func (vb *VulkanBackend) EnableValidationLayers() {
	vb.debug = true
}

func (vb *VulkanBackend) Name() string {
	return "vulkan"
}

// loadVulkan resolves vkGetInstanceProcAddr once per process. The system loader is tried
// first; glfw's lookup covers platforms where the loader is not on the default path.
func loadVulkan() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			core.LogDebug("default Vulkan loader unavailable (%s), trying glfw", err)
			if err := glfw.Init(); err != nil {
				loaderErr = errors.Mark(errors.Wrap(err, "initializing glfw"), core.ErrUnsupported)
				return
			}
			procAddr := glfw.GetVulkanGetInstanceProcAddress()
			if procAddr == nil {
				loaderErr = errors.Mark(errors.New("GetInstanceProcAddress is nil"), core.ErrUnsupported)
				return
			}
			vk.SetGetInstanceProcAddr(procAddr)
		}
		if err := vk.Init(); err != nil {
			loaderErr = errors.Mark(errors.Wrap(err, "initializing vk"), core.ErrUnsupported)
		}
	})
	return loaderErr
}

func (vb *VulkanBackend) Initialize() error {
	if err := loadVulkan(); err != nil {
		return err
	}
	if err := vb.createInstance(); err != nil {
		return err
	}
	if err := DeviceCreate(vb.context); err != nil {
		return errors.Wrap(err, "creating device")
	}
	if err := vb.createNullObjects(); err != nil {
		return errors.Wrap(err, "creating null descriptors")
	}
	core.LogInfo("Vulkan backend initialized successfully.")
	return nil
}

func (vb *VulkanBackend) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString("anima-gpu"),
		PEngineName:        VulkanSafeString("Anima Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	validationLayers := []string{}
	if vb.debug {
		if hasValidationLayer("VK_LAYER_KHRONOS_validation") {
			validationLayers = append(validationLayers, "VK_LAYER_KHRONOS_validation")
			requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		} else {
			core.LogWarn("Validation requested but VK_LAYER_KHRONOS_validation is not installed.")
			vb.debug = false
		}
	}
	core.LogDebug("Required instance extensions: %v", requiredExtensions)

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)
	createInfo.EnabledLayerCount = uint32(len(validationLayers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(validationLayers)

	if res := vk.CreateInstance(&createInfo, vb.context.Allocator, &vb.context.Instance); res != vk.Success {
		return errors.Mark(vulkanError(res, "vkCreateInstance"), core.ErrUnsupported)
	}
	if err := vk.InitInstance(vb.context.Instance); err != nil {
		return errors.Wrap(err, "loading instance functions")
	}
	core.LogInfo("Vulkan Instance created.")

	if vb.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if res := vk.CreateDebugReportCallback(vb.context.Instance, &debugCreateInfo, vb.context.Allocator, &dbg); res != vk.Success {
			core.LogWarn("vkCreateDebugReportCallback failed with %s", VulkanResultString(res, false))
		} else {
			vb.context.debugMessenger = dbg
			vb.context.hasDebug = true
			core.LogDebug("Vulkan debugger created.")
		}
	}
	return nil
}

func hasValidationLayer(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success || count == 0 {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		if cString(available[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

// Shutdown destroys whatever the device layer did not, then the device and instance.
func (vb *VulkanBackend) Shutdown() error {
	if vb.context.Device == nil || vb.context.Device.LogicalDevice == nil {
		return nil
	}
	logical := vb.context.Device.LogicalDevice
	vk.DeviceWaitIdle(logical)

	if n := vb.objects.Len(); n > 0 {
		core.LogWarn("Vulkan backend shut down with %d live objects", n)
		var leaked []containers.Handle
		vb.objects.Each(func(h containers.Handle, _ any) bool {
			leaked = append(leaked, h)
			return true
		})
		for _, h := range leaked {
			if obj, ok := vb.objects.Remove(h); ok {
				vb.destroyObject(obj)
			}
		}
	}

	vb.framebuffers.destroyAll(vb.context)
	vb.renderPasses.destroyAll(vb.context)
	vb.destroyNullObjects()

	for _, heap := range vb.ownedHeaps {
		heap.destroy(vb.context)
	}
	vb.ownedHeaps = nil
	if vb.pipelineLayout != nil {
		vk.DestroyPipelineLayout(logical, vb.pipelineLayout, vb.context.Allocator)
	}
	if vb.binderLayout != nil {
		vk.DestroyDescriptorSetLayout(logical, vb.binderLayout, vb.context.Allocator)
	}

	DeviceDestroy(vb.context)

	if vb.context.hasDebug {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(vb.context.Instance, vb.context.debugMessenger, vb.context.Allocator)
		vb.context.hasDebug = false
	}
	core.LogDebug("Destroying Vulkan instance...")
	vk.DestroyInstance(vb.context.Instance, vb.context.Allocator)
	return nil
}

// WaitIdle waits for vkDeviceWaitIdle. A timeout abandons the wait, the call itself keeps
// running until the driver returns.
func (vb *VulkanBackend) WaitIdle(timeout time.Duration) error {
	done := make(chan vk.Result, 1)
	go func() {
		done <- vk.DeviceWaitIdle(vb.context.Device.LogicalDevice)
	}()

	if timeout <= 0 {
		return vulkanError(<-done, "vkDeviceWaitIdle")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return vulkanError(res, "vkDeviceWaitIdle")
	case <-timer.C:
		return errors.Wrapf(core.ErrTimeout, "vkDeviceWaitIdle after %s", timeout)
	}
}

func packHandle(h containers.Handle) metadata.NativeHandle {
	return metadata.NativeHandle(uint64(h.Generation)<<32 | uint64(h.Index))
}

func unpackHandle(h metadata.NativeHandle) containers.Handle {
	return containers.Handle{Index: uint32(h), Generation: uint32(h >> 32)}
}

func (vb *VulkanBackend) insert(obj any) metadata.NativeHandle {
	return packHandle(vb.objects.Insert(obj))
}

func lookup[T any](vb *VulkanBackend, h metadata.NativeHandle) (T, error) {
	var zero T
	obj, ok := vb.objects.Get(unpackHandle(h))
	if !ok {
		return zero, errors.Wrapf(core.ErrInvalidHandle, "native handle %#x", uint64(h))
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, errors.Wrapf(core.ErrInvalidHandle, "native handle %#x holds %T", uint64(h), obj)
	}
	return typed, nil
}

// mustLookup is lookup for the recording path, which has no error return. Misses are logged
// once per call site and the command is dropped.
func mustLookup[T any](vb *VulkanBackend, h metadata.NativeHandle, what string) (T, bool) {
	v, err := lookup[T](vb, h)
	if err != nil {
		core.LogWarnOnce("vulkan:"+what, "%s: %s", what, err)
		return v, false
	}
	return v, true
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
