package device

import (
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

type BinderState uint8

const (
	// Nothing changed since the last flush.
	BinderClean BinderState = iota
	// At least one slot or dynamic offset changed since the last flush.
	BinderDirty
)

func (s BinderState) String() string {
	if s == BinderDirty {
		return "dirty"
	}
	return "clean"
}

/**
 * @brief Per command list binding table. Bind calls only mark slots dirty; Flush turns
 * all dirty slots into one native descriptor update right before a draw or dispatch.
 * Owned by the goroutine recording the command list.
 */
type DescriptorBinder struct {
	table metadata.BindingTable
	dirty uint64
	// Only constant buffer offsets changed.
	offsetsDirty  bool
	lastBindPoint metadata.PipelineBindPoint

	updates       uint64
	offsetUpdates uint64
}

// Reset empties the table. The first flush after a reset always issues a full update.
func (b *DescriptorBinder) Reset() {
	b.table = metadata.BindingTable{}
	b.dirty = metadata.BINDER_ALL_SLOTS
	b.offsetsDirty = false
	b.lastBindPoint = metadata.BindPointGraphics
}

func (b *DescriptorBinder) State() BinderState {
	if b.dirty != 0 || b.offsetsDirty {
		return BinderDirty
	}
	return BinderClean
}

func (b *DescriptorBinder) DirtyMask() uint64              { return b.dirty }
func (b *DescriptorBinder) Table() *metadata.BindingTable { return &b.table }

// Updates returns how many full and offset-only native updates Flush issued.
func (b *DescriptorBinder) Updates() (full, offsets uint64) {
	return b.updates, b.offsetUpdates
}

func (b *DescriptorBinder) BindConstantBuffer(slot uint32, entry metadata.BindingEntry) {
	cur := &b.table.CBV[slot]
	if *cur == entry {
		return
	}
	bit := metadata.CBVBit(slot)
	if cur.Resource == entry.Resource && cur.Size == entry.Size && b.dirty&bit == 0 {
		cur.Offset = entry.Offset
		b.offsetsDirty = true
		return
	}
	*cur = entry
	b.dirty |= bit
}

func (b *DescriptorBinder) BindResource(slot uint32, entry metadata.BindingEntry) {
	if b.table.SRV[slot] == entry {
		return
	}
	b.table.SRV[slot] = entry
	b.dirty |= metadata.SRVBit(slot)
}

func (b *DescriptorBinder) BindUAV(slot uint32, entry metadata.BindingEntry) {
	if b.table.UAV[slot] == entry {
		return
	}
	b.table.UAV[slot] = entry
	b.dirty |= metadata.UAVBit(slot)
}

func (b *DescriptorBinder) BindSampler(slot uint32, entry metadata.BindingEntry) {
	if b.table.Sampler[slot] == entry {
		return
	}
	b.table.Sampler[slot] = entry
	b.dirty |= metadata.SamplerBit(slot)
}

// Flush records the pending binding changes into cmd and reports whether any native
// work was issued. Changing bind point since the last flush forces a full update.
func (b *DescriptorBinder) Flush(r metadata.Recorder, cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint) bool {
	if bindPoint != b.lastBindPoint {
		b.dirty = metadata.BINDER_ALL_SLOTS
		b.lastBindPoint = bindPoint
	}
	switch {
	case b.dirty != 0:
		r.CmdUpdateBindings(cmd, bindPoint, &b.table, b.dirty)
		b.updates++
	case b.offsetsDirty:
		r.CmdBindDynamicOffsets(cmd, bindPoint, &b.table)
		b.offsetUpdates++
	default:
		return false
	}
	b.dirty = 0
	b.offsetsDirty = false
	return true
}
