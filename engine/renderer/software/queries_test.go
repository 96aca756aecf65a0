package software

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func TestInRange(t *testing.T) {
	tests := []struct {
		name                string
		offset, size, limit uint64
		want                bool
	}{
		{"empty at start", 0, 0, 16, true},
		{"whole", 0, 16, 16, true},
		{"tail", 12, 4, 16, true},
		{"one past", 13, 4, 16, false},
		{"size over limit", 0, 17, 16, false},
		{"offset wraps", math.MaxUint64 - 1, 4, 16, false},
		{"size wraps", 4, math.MaxUint64 - 2, 16, false},
	}
	for _, tt := range tests {
		if got := inRange(tt.offset, tt.size, tt.limit); got != tt.want {
			t.Errorf("%s: inRange(%d, %d, %d) = %t, want %t", tt.name, tt.offset, tt.size, tt.limit, got, tt.want)
		}
	}
}

func TestRegion(t *testing.T) {
	data := make([]byte, 16)
	tests := []struct {
		name         string
		offset, size uint64
		want         int
	}{
		{"to the end", 4, 0, 12},
		{"bounded", 4, 8, 8},
		{"clamped", 8, 100, 8},
		{"size wraps", 8, math.MaxUint64, 8},
		{"offset past end", 16, 4, 0},
		{"offset wraps", math.MaxUint64 - 1, 4, 0},
	}
	for _, tt := range tests {
		if got := len(region(data, tt.offset, tt.size)); got != tt.want {
			t.Errorf("%s: %d bytes, want %d", tt.name, got, tt.want)
		}
	}
}

func TestOverflowingCopyIsDropped(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	src, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryUpload)
	dst, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryDefault)
	copy(src.Mapped, "0123456789abcdef")

	cmd := recordOn(t, s, metadata.QueueCopy, func(cmd metadata.NativeHandle) {
		s.CmdCopyBuffer(cmd, dst.Handle, math.MaxUint64-1, src.Handle, 0, 4)
		s.CmdCopyBuffer(cmd, dst.Handle, 0, src.Handle, math.MaxUint64-1, 4)
	})
	if err := s.Submit(metadata.QueueCopy, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{cmd},
		Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.WaitIdle(time.Second); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	for i, b := range s.ReadBuffer(dst.Handle) {
		if b != 0 {
			t.Fatalf("byte %d = %d after dropped copies, want 0", i, b)
		}
	}
}

func TestTimestampResolve(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	heap, err := s.CreateQueryHeap(metadata.QueryTimestamp, 2)
	if err != nil {
		t.Fatalf("CreateQueryHeap: %v", err)
	}
	if _, err := s.CreateQueryHeap(metadata.QueryOcclusion, 0); err == nil {
		t.Error("CreateQueryHeap with no queries succeeded")
	}
	dst, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 32}, metadata.MemoryReadback)

	cmd := recordOn(t, s, metadata.QueueGraphics, func(cmd metadata.NativeHandle) {
		s.CmdResetQueries(cmd, heap, 0, 2)
		s.CmdEndQuery(cmd, heap, 0)
		s.CmdEndQuery(cmd, heap, 1)
		s.CmdResolveQueries(cmd, heap, 0, 2, dst.Handle, 8)
		// Out of range on both sides; must be ignored.
		s.CmdResolveQueries(cmd, heap, 1, 2, dst.Handle, 0)
		s.CmdResolveQueries(cmd, heap, 0, 2, dst.Handle, 24)
	})
	if err := s.Submit(metadata.QueueGraphics, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{cmd},
		Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.WaitIdle(time.Second); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	if v := binary.LittleEndian.Uint64(dst.Mapped[0:]); v != 0 {
		t.Errorf("bytes before the resolve offset = %d, want 0", v)
	}
	begin := binary.LittleEndian.Uint64(dst.Mapped[8:])
	end := binary.LittleEndian.Uint64(dst.Mapped[16:])
	if begin == 0 || end < begin {
		t.Errorf("timestamps = %d, %d, want non-zero and ordered", begin, end)
	}
	if s.TimestampFrequency() != 1_000_000_000 {
		t.Errorf("TimestampFrequency = %d", s.TimestampFrequency())
	}
}
