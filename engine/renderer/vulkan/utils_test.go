package vulkan

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-gpu/engine/containers"
	"github.com/spaghettifunk/anima-gpu/engine/core"
)

func TestVulkanErrorMarks(t *testing.T) {
	tests := []struct {
		result vk.Result
		want   error
	}{
		{vk.ErrorDeviceLost, core.ErrDeviceLost},
		{vk.ErrorOutOfDeviceMemory, core.ErrOutOfMemory},
		{vk.ErrorOutOfPoolMemory, core.ErrOutOfMemory},
		{vk.ErrorFragmentedPool, core.ErrOutOfMemory},
		{vk.Timeout, core.ErrTimeout},
		{vk.ErrorFeatureNotPresent, core.ErrUnsupported},
		{vk.ErrorIncompatibleDriver, core.ErrUnsupported},
		{vk.ErrorInitializationFailed, core.ErrUnknown},
	}
	for _, tt := range tests {
		err := vulkanError(tt.result, "vkTest")
		if err == nil {
			t.Fatalf("%s: got nil error", VulkanResultString(tt.result, false))
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: %v is not marked %v", VulkanResultString(tt.result, false), err, tt.want)
		}
	}
}

func TestVulkanErrorSuccessCodes(t *testing.T) {
	for _, res := range []vk.Result{vk.Success, vk.NotReady, vk.Incomplete} {
		if err := vulkanError(res, "vkTest"); err != nil {
			t.Errorf("%s: unexpected error %v", VulkanResultString(res, false), err)
		}
	}
}

func TestCreationErrorCarriesBothMarks(t *testing.T) {
	err := creationError(vk.ErrorOutOfHostMemory, "vkCreateBuffer")
	if !errors.Is(err, core.ErrCreationFailed) || !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("creationError = %v, want ErrCreationFailed and ErrOutOfMemory", err)
	}
	if creationError(vk.Success, "vkCreateBuffer") != nil {
		t.Fatal("creationError(Success) != nil")
	}
}

func TestVulkanResultString(t *testing.T) {
	if got := VulkanResultString(vk.ErrorDeviceLost, false); got != "VK_ERROR_DEVICE_LOST" {
		t.Errorf("short name = %q", got)
	}
	if got := VulkanResultString(vk.ErrorDeviceLost, true); got != "VK_ERROR_DEVICE_LOST The logical or physical device has been lost" {
		t.Errorf("extended name = %q", got)
	}
}

func TestSafeStrings(t *testing.T) {
	if got := VulkanSafeString("main"); got != "main\x00" {
		t.Errorf("VulkanSafeString(main) = %q", got)
	}
	if got := VulkanSafeString("main\x00"); got != "main\x00" {
		t.Errorf("already terminated string changed to %q", got)
	}
	in := []string{"a", "b\x00"}
	out := VulkanSafeStrings(in)
	if in[0] != "a" {
		t.Error("VulkanSafeStrings modified its input")
	}
	if out[0] != "a\x00" || out[1] != "b\x00" {
		t.Errorf("VulkanSafeStrings = %q", out)
	}
}

func TestCString(t *testing.T) {
	var name [16]byte
	copy(name[:], "VK_LAYER_X")
	if got := cString(name[:]); got != "VK_LAYER_X" {
		t.Errorf("cString = %q", got)
	}
	if got := cString([]byte("full")); got != "full" {
		t.Errorf("unterminated cString = %q", got)
	}
}

func TestSpirvWords(t *testing.T) {
	code := []byte{0x03, 0x02, 0x23, 0x07, 1, 0, 0, 0}
	words := spirvWords(code)
	if len(words) != 2 {
		t.Fatalf("len = %d, want 2", len(words))
	}
	// SPIR-V magic in little endian.
	if words[0] != 0x07230203 || words[1] != 1 {
		t.Errorf("words = %#x", words)
	}
}

func TestHandlePacking(t *testing.T) {
	table := containers.NewHandleTable[any](4)
	vb := &VulkanBackend{objects: table}
	buffer := &vulkanBuffer{Size: 64}
	h := vb.insert(buffer)
	if h.IsNull() {
		t.Fatal("inserted object got the null handle")
	}
	if unpackHandle(h) != unpackHandle(packHandle(unpackHandle(h))) {
		t.Fatal("pack/unpack mismatch")
	}

	got, err := lookup[*vulkanBuffer](vb, h)
	if err != nil || got != buffer {
		t.Fatalf("lookup = %v, %v", got, err)
	}
	if _, err := lookup[*vulkanTexture](vb, h); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("lookup with the wrong type: %v", err)
	}

	table.Remove(unpackHandle(h))
	if _, err := lookup[*vulkanBuffer](vb, h); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("lookup after remove: %v", err)
	}
	// The slot is reused with a new generation; the stale handle stays dead.
	h2 := vb.insert(&vulkanBuffer{})
	if h2 == h {
		t.Fatal("reused slot produced the same handle")
	}
	if _, err := lookup[*vulkanBuffer](vb, h); err == nil {
		t.Error("stale handle resolved after slot reuse")
	}
}

func TestSafeQueueCall(t *testing.T) {
	pool := NewVulkanLockPool()
	if err := pool.SafeQueueCall(3, func() error { return nil }); err == nil {
		t.Fatal("unregistered family accepted")
	}

	pool.SetQueueFamily(0)
	pool.SetQueueFamily(0)
	var mu sync.Mutex
	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.SafeQueueCall(0, func() error {
				mu.Lock()
				inside++
				n := inside
				mu.Unlock()
				if n != 1 {
					t.Errorf("%d goroutines inside the queue section", n)
				}
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	want := errors.New("boom")
	if err := pool.SafeCall(DescriptorManagement, func() error { return want }); err != want {
		t.Errorf("SafeCall returned %v, want %v", err, want)
	}
}
