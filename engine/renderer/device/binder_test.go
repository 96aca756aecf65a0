package device

import (
	"testing"

	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// countingRecorder only implements the binding calls; anything else panics.
type countingRecorder struct {
	metadata.Recorder
	updates []uint64
	offsets int
}

func (r *countingRecorder) CmdUpdateBindings(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable, dirty uint64) {
	r.updates = append(r.updates, dirty)
}

func (r *countingRecorder) CmdBindDynamicOffsets(cmd metadata.NativeHandle, bindPoint metadata.PipelineBindPoint, table *metadata.BindingTable) {
	r.offsets++
}

func newTestBinder() *DescriptorBinder {
	b := &DescriptorBinder{}
	b.Reset()
	return b
}

func TestBinderFlushIsIdempotent(t *testing.T) {
	b := newTestBinder()
	r := &countingRecorder{}
	b.BindResource(0, metadata.BindingEntry{Resource: 1, Kind: metadata.ResourceKindTexture})

	if !b.Flush(r, 1, metadata.BindPointGraphics) {
		t.Fatal("first Flush issued nothing")
	}
	if b.Flush(r, 1, metadata.BindPointGraphics) {
		t.Fatal("second Flush without binds issued work")
	}
	if len(r.updates) != 1 {
		t.Errorf("native updates = %d, want 1", len(r.updates))
	}
	if b.State() != BinderClean {
		t.Errorf("State = %s, want clean", b.State())
	}
}

func TestBinderRebindingSameEntryStaysClean(t *testing.T) {
	b := newTestBinder()
	r := &countingRecorder{}
	e := metadata.BindingEntry{Resource: 3, Kind: metadata.ResourceKindSampler}
	b.BindSampler(2, e)
	b.Flush(r, 1, metadata.BindPointGraphics)

	b.BindSampler(2, e)
	if b.State() != BinderClean {
		t.Errorf("State after identical rebind = %s, want clean", b.State())
	}
}

func TestBinderDirtyBits(t *testing.T) {
	e := metadata.BindingEntry{Resource: 9, Kind: metadata.ResourceKindBuffer, Size: 256}
	tests := []struct {
		name string
		bind func(b *DescriptorBinder)
		want uint64
	}{
		{"cbv", func(b *DescriptorBinder) { b.BindConstantBuffer(3, e) }, metadata.CBVBit(3)},
		{"srv", func(b *DescriptorBinder) { b.BindResource(15, e) }, metadata.SRVBit(15)},
		{"uav", func(b *DescriptorBinder) { b.BindUAV(0, e) }, metadata.UAVBit(0)},
		{"sampler", func(b *DescriptorBinder) { b.BindSampler(7, e) }, metadata.SamplerBit(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBinder()
			b.Flush(&countingRecorder{}, 1, metadata.BindPointGraphics)
			tt.bind(b)
			if got := b.DirtyMask(); got != tt.want {
				t.Errorf("DirtyMask = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestBinderOffsetOnlyUpdate(t *testing.T) {
	b := newTestBinder()
	r := &countingRecorder{}
	cb := metadata.BindingEntry{Resource: 5, Kind: metadata.ResourceKindBuffer, Size: 256}
	b.BindConstantBuffer(0, cb)
	b.Flush(r, 1, metadata.BindPointGraphics)

	cb.Offset = 256
	b.BindConstantBuffer(0, cb)
	if b.DirtyMask() != 0 || b.State() != BinderDirty {
		t.Fatalf("offset change: mask %#x state %s, want offsets only", b.DirtyMask(), b.State())
	}
	b.Flush(r, 1, metadata.BindPointGraphics)
	if len(r.updates) != 1 || r.offsets != 1 {
		t.Fatalf("updates = %d, offsets = %d, want 1 and 1", len(r.updates), r.offsets)
	}
	if got := b.Table().CBV[0].Offset; got != 256 {
		t.Errorf("table offset = %d, want 256", got)
	}

	// Another size is a new descriptor.
	cb.Size = 512
	b.BindConstantBuffer(0, cb)
	b.Flush(r, 1, metadata.BindPointGraphics)
	if len(r.updates) != 2 {
		t.Errorf("updates after size change = %d, want 2", len(r.updates))
	}
	full, offsets := b.Updates()
	if full != 2 || offsets != 1 {
		t.Errorf("Updates = (%d, %d), want (2, 1)", full, offsets)
	}
}

func TestBinderBindPointChangeForcesFullUpdate(t *testing.T) {
	b := newTestBinder()
	r := &countingRecorder{}
	b.Flush(r, 1, metadata.BindPointGraphics)
	b.Flush(r, 1, metadata.BindPointCompute)
	if len(r.updates) != 2 || r.updates[1] != metadata.BINDER_ALL_SLOTS {
		t.Errorf("updates = %#x, want a full update after switching to compute", r.updates)
	}
}

func TestBinderResetMarksEverythingDirty(t *testing.T) {
	b := newTestBinder()
	b.Flush(&countingRecorder{}, 1, metadata.BindPointGraphics)
	b.Reset()
	if b.DirtyMask() != metadata.BINDER_ALL_SLOTS {
		t.Errorf("DirtyMask after Reset = %#x, want all slots", b.DirtyMask())
	}
}
