package device

import (
	"testing"

	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func TestDeferredDrainTiming(t *testing.T) {
	tests := []struct {
		bufferCount uint32
		tag         uint64
	}{
		{1, 0},
		{2, 0},
		{2, 5},
		{3, 10},
	}
	for _, tt := range tests {
		q := NewDeferredDestructionQueue(tt.bufferCount)
		var destroyed []uint64
		q.Register(metadata.ResourceKindBuffer, func(h uint64) { destroyed = append(destroyed, h) })
		q.Push(metadata.ResourceKindBuffer, 42, tt.tag)

		last := tt.tag + uint64(tt.bufferCount)
		for frame := tt.tag; frame <= last; frame++ {
			if n := q.Drain(frame); n != 0 {
				t.Fatalf("bufferCount %d: entry tagged %d destroyed at frame %d", tt.bufferCount, tt.tag, frame)
			}
		}
		if n := q.Drain(last + 1); n != 1 {
			t.Fatalf("bufferCount %d: Drain(%d) = %d, want 1", tt.bufferCount, last+1, n)
		}
		if len(destroyed) != 1 || destroyed[0] != 42 {
			t.Errorf("destroyed = %v, want [42]", destroyed)
		}
	}
}

func TestDeferredDrainStopsAtYoungEntry(t *testing.T) {
	q := NewDeferredDestructionQueue(2)
	var destroyed []uint64
	q.Register(metadata.ResourceKindTexture, func(h uint64) { destroyed = append(destroyed, h) })

	q.Push(metadata.ResourceKindTexture, 1, 1)
	q.Push(metadata.ResourceKindTexture, 2, 3)
	// Tagged earlier than the entry in front of it: kept behind it.
	q.Push(metadata.ResourceKindTexture, 3, 0)

	if n := q.Drain(4); n != 1 {
		t.Fatalf("Drain(4) = %d, want 1", n)
	}
	if got := q.Pending(metadata.ResourceKindTexture); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	if n := q.Drain(6); n != 2 {
		t.Fatalf("Drain(6) = %d, want 2", n)
	}
	want := []uint64{1, 2, 3}
	for i := range want {
		if destroyed[i] != want[i] {
			t.Fatalf("destroy order = %v, want %v", destroyed, want)
		}
	}
	if got := q.Destroyed(); got != 3 {
		t.Errorf("Destroyed = %d, want 3", got)
	}
}

func TestDeferredKindsAreIndependent(t *testing.T) {
	q := NewDeferredDestructionQueue(1)
	counts := map[metadata.ResourceKind]int{}
	for _, kind := range []metadata.ResourceKind{metadata.ResourceKindBuffer, metadata.ResourceKindSampler} {
		q.Register(kind, func(uint64) { counts[kind]++ })
	}
	q.Push(metadata.ResourceKindBuffer, 1, 10)
	q.Push(metadata.ResourceKindSampler, 1, 0)

	q.Drain(2)
	if counts[metadata.ResourceKindSampler] != 1 || counts[metadata.ResourceKindBuffer] != 0 {
		t.Errorf("counts = %v, want sampler destroyed and buffer kept", counts)
	}
}

func TestDeferredCallbackMayPush(t *testing.T) {
	q := NewDeferredDestructionQueue(1)
	q.Register(metadata.ResourceKindPipeline, func(h uint64) {
		// Destroying a pipeline retires its shader: must not deadlock.
		q.Push(metadata.ResourceKindShader, h, 0)
	})
	q.Push(metadata.ResourceKindPipeline, 7, 0)
	q.Drain(5)
	if got := q.Pending(metadata.ResourceKindShader); got != 1 {
		t.Errorf("shader pending = %d, want 1", got)
	}
	if n := q.Flush(); n != 1 {
		t.Errorf("Flush = %d, want 1", n)
	}
}
