package metadata

// Slot counts of the per-command-list binding table.
const (
	BINDER_CBV_COUNT     = 14
	BINDER_SRV_COUNT     = 16
	BINDER_UAV_COUNT     = 16
	BINDER_SAMPLER_COUNT = 8
)

// Bit offsets of each slot category inside the 64-bit dirty mask.
const (
	BINDER_CBV_SHIFT     = 0
	BINDER_SRV_SHIFT     = BINDER_CBV_SHIFT + BINDER_CBV_COUNT
	BINDER_UAV_SHIFT     = BINDER_SRV_SHIFT + BINDER_SRV_COUNT
	BINDER_SAMPLER_SHIFT = BINDER_UAV_SHIFT + BINDER_UAV_COUNT
	BINDER_SLOT_COUNT    = BINDER_SAMPLER_SHIFT + BINDER_SAMPLER_COUNT
)

// Every slot bit set.
const BINDER_ALL_SLOTS uint64 = 1<<BINDER_SLOT_COUNT - 1

// BindingEntry is one slot of the table. Kind tells buffers and textures apart in
// SRV/UAV slots. A null Resource means the backend binds its own null descriptor.
type BindingEntry struct {
	Resource NativeHandle
	Kind     ResourceKind
	Offset   uint64
	Size     uint64
}

type BindingTable struct {
	CBV     [BINDER_CBV_COUNT]BindingEntry
	SRV     [BINDER_SRV_COUNT]BindingEntry
	UAV     [BINDER_UAV_COUNT]BindingEntry
	Sampler [BINDER_SAMPLER_COUNT]BindingEntry
}

func CBVBit(slot uint32) uint64     { return 1 << (BINDER_CBV_SHIFT + slot) }
func SRVBit(slot uint32) uint64     { return 1 << (BINDER_SRV_SHIFT + slot) }
func UAVBit(slot uint32) uint64     { return 1 << (BINDER_UAV_SHIFT + slot) }
func SamplerBit(slot uint32) uint64 { return 1 << (BINDER_SAMPLER_SHIFT + slot) }

// Buffers returns every bound (non-null) buffer entry in SRV, CBV then UAV order.
func (t *BindingTable) Buffers() []BindingEntry {
	out := make([]BindingEntry, 0, 4)
	for _, group := range [][]BindingEntry{t.SRV[:], t.CBV[:], t.UAV[:]} {
		for _, e := range group {
			if !e.Resource.IsNull() && e.Kind == ResourceKindBuffer {
				out = append(out, e)
			}
		}
	}
	return out
}
