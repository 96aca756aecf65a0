package software

import (
	"encoding/binary"

	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// Kernel stands in for a compute shader. It runs once per dispatch with the backend
// locked and must not call back into the backend.
type Kernel func(ctx *KernelContext)

// RegisterKernel runs k for dispatches whose pipeline compute shader has entryPoint.
func (s *SoftwareBackend) RegisterKernel(entryPoint string, k Kernel) {
	s.mu.Lock()
	s.kernels[entryPoint] = k
	s.mu.Unlock()
}

// KernelContext exposes the resources bound to a dispatch. Slices alias buffer memory.
type KernelContext struct {
	Groups        [3]uint32
	PushConstants []byte

	table *metadata.BindingTable
	s     *SoftwareBackend
}

func (k *KernelContext) entry(e metadata.BindingEntry) []byte {
	b, ok := k.s.buffers[e.Resource]
	if !ok {
		return nil
	}
	return region(b.data, e.Offset, e.Size)
}

func (k *KernelContext) CBV(slot uint32) []byte { return k.entry(k.table.CBV[slot]) }
func (k *KernelContext) SRV(slot uint32) []byte { return k.entry(k.table.SRV[slot]) }
func (k *KernelContext) UAV(slot uint32) []byte { return k.entry(k.table.UAV[slot]) }

// StorageBuffer resolves a bindless storage buffer index.
func (k *KernelContext) StorageBuffer(index uint32) []byte {
	for _, h := range k.s.heaps {
		if h.kind != metadata.BindlessStorageBuffer || int(index) >= len(h.slots) {
			continue
		}
		if b, ok := k.s.buffers[h.slots[index]]; ok {
			return b.data
		}
	}
	return nil
}

// Push returns the i-th uint32 of the push constants, or 0 past their end.
func (k *KernelContext) Push(i int) uint32 {
	if (i+1)*4 > len(k.PushConstants) {
		return 0
	}
	return binary.LittleEndian.Uint32(k.PushConstants[i*4:])
}
