package software

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func newBackend(t *testing.T) *SoftwareBackend {
	t.Helper()
	s := New()
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// recordOn allocates a command buffer on queue and records fn into it.
func recordOn(t *testing.T, s *SoftwareBackend, queue metadata.QueueType, fn func(cmd metadata.NativeHandle)) metadata.NativeHandle {
	t.Helper()
	pool, err := s.CreateCommandPool(queue)
	if err != nil {
		t.Fatalf("CreateCommandPool: %v", err)
	}
	cmd, err := s.AllocateCommandBuffer(pool)
	if err != nil {
		t.Fatalf("AllocateCommandBuffer: %v", err)
	}
	if err := s.BeginCommandBuffer(cmd); err != nil {
		t.Fatalf("BeginCommandBuffer: %v", err)
	}
	if fn != nil {
		fn(cmd)
	}
	if err := s.EndCommandBuffer(cmd); err != nil {
		t.Fatalf("EndCommandBuffer: %v", err)
	}
	return cmd
}

func mustTimeline(t *testing.T, s *SoftwareBackend) metadata.NativeHandle {
	t.Helper()
	tl, err := s.CreateTimeline(0)
	if err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	return tl
}

func TestWaitBeforeSignalAcrossQueues(t *testing.T) {
	s := newBackend(t)
	graphicsTL := mustTimeline(t, s)
	computeTL := mustTimeline(t, s)

	compute := recordOn(t, s, metadata.QueueCompute, nil)
	graphics := recordOn(t, s, metadata.QueueGraphics, nil)

	// The compute batch is submitted first but waits for the graphics one.
	err := s.Submit(metadata.QueueCompute, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{compute},
		Waits:          []metadata.SyncPoint{{Timeline: graphicsTL, Value: 1}},
		Signal:         metadata.SyncPoint{Timeline: computeTL, Value: 1},
	}})
	if err != nil {
		t.Fatalf("Submit compute: %v", err)
	}
	if got := s.Pending(metadata.QueueCompute); got != 1 {
		t.Fatalf("compute pending = %d, want 1", got)
	}
	err = s.Submit(metadata.QueueGraphics, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{graphics},
		Signal:         metadata.SyncPoint{Timeline: graphicsTL, Value: 1},
	}})
	if err != nil {
		t.Fatalf("Submit graphics: %v", err)
	}
	if err := s.WaitTimeline(computeTL, 1, time.Second); err != nil {
		t.Fatalf("WaitTimeline: %v", err)
	}

	executed := Filter(s.Trace(), TraceExecute)
	if len(executed) != 2 {
		t.Fatalf("got %d execute events, want 2", len(executed))
	}
	if executed[0].Cmd != graphics || executed[1].Cmd != compute {
		t.Errorf("execution order = [%d %d], want [%d %d]", executed[0].Cmd, executed[1].Cmd, graphics, compute)
	}
}

func TestResetCommandPoolWhilePending(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	pool, _ := s.CreateCommandPool(metadata.QueueCopy)
	cmd, _ := s.AllocateCommandBuffer(pool)
	_ = s.BeginCommandBuffer(cmd)
	_ = s.EndCommandBuffer(cmd)

	s.PauseQueue(metadata.QueueCopy)
	if err := s.Submit(metadata.QueueCopy, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{cmd},
		Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.ResetCommandPool(pool); err == nil {
		t.Fatal("ResetCommandPool succeeded while its command buffer is pending")
	}
	s.ResumeQueue(metadata.QueueCopy)
	if err := s.ResetCommandPool(pool); err != nil {
		t.Fatalf("ResetCommandPool after completion: %v", err)
	}
	if err := s.BeginCommandBuffer(cmd); err != nil {
		t.Fatalf("BeginCommandBuffer after reset: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	graphics := recordOn(t, s, metadata.QueueGraphics, nil)

	pool, _ := s.CreateCommandPool(metadata.QueueGraphics)
	recording, _ := s.AllocateCommandBuffer(pool)
	_ = s.BeginCommandBuffer(recording)

	tests := []struct {
		name  string
		queue metadata.QueueType
		batch metadata.SubmitBatch
	}{
		{"wrong queue", metadata.QueueCompute, metadata.SubmitBatch{CommandBuffers: []metadata.NativeHandle{graphics}}},
		{"still recording", metadata.QueueGraphics, metadata.SubmitBatch{CommandBuffers: []metadata.NativeHandle{recording}}},
		{"unknown command buffer", metadata.QueueGraphics, metadata.SubmitBatch{CommandBuffers: []metadata.NativeHandle{9999}}},
		{"unknown wait timeline", metadata.QueueGraphics, metadata.SubmitBatch{
			CommandBuffers: []metadata.NativeHandle{graphics},
			Waits:          []metadata.SyncPoint{{Timeline: 9999, Value: 1}},
			Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Submit(tt.queue, []metadata.SubmitBatch{tt.batch}); err == nil {
				t.Error("Submit succeeded, want error")
			}
		})
	}
}

func TestMemoryBudget(t *testing.T) {
	s := newBackend(t)
	s.SetMemoryBudget(1024)

	first, err := s.CreateBuffer(&gputypes.BufferDescriptor{Label: "a", Size: 768}, metadata.MemoryDefault)
	if err != nil {
		t.Fatalf("CreateBuffer within budget: %v", err)
	}
	_, err = s.CreateBuffer(&gputypes.BufferDescriptor{Label: "b", Size: 512}, metadata.MemoryDefault)
	if !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("CreateBuffer over budget = %v, want ErrOutOfMemory", err)
	}
	s.Destroy(metadata.ResourceKindBuffer, first.Handle)
	if got := s.MemoryUsed(); got != 0 {
		t.Errorf("MemoryUsed after destroy = %d, want 0", got)
	}
	if _, err := s.CreateBuffer(&gputypes.BufferDescriptor{Label: "b", Size: 512}, metadata.MemoryDefault); err != nil {
		t.Errorf("CreateBuffer after freeing: %v", err)
	}
}

func TestMappedMemory(t *testing.T) {
	s := newBackend(t)
	tests := []struct {
		memory metadata.MemoryUsage
		mapped bool
	}{
		{metadata.MemoryDefault, false},
		{metadata.MemoryUpload, true},
		{metadata.MemoryReadback, true},
	}
	for _, tt := range tests {
		nb, err := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 64}, tt.memory)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		if (nb.Mapped != nil) != tt.mapped {
			t.Errorf("memory %d: mapped = %t, want %t", tt.memory, nb.Mapped != nil, tt.mapped)
		}
	}
}

func TestLoseDevice(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)

	done := make(chan error, 1)
	go func() { done <- s.WaitTimeline(tl, 1, 5*time.Second) }()
	s.LoseDevice()

	select {
	case err := <-done:
		if !core.IsDeviceLost(err) {
			t.Errorf("WaitTimeline = %v, want ErrDeviceLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTimeline did not return after device loss")
	}
	if err := s.Submit(metadata.QueueGraphics, nil); !core.IsDeviceLost(err) {
		t.Errorf("Submit = %v, want ErrDeviceLost", err)
	}
}

func TestWaitTimelineTimeout(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	err := s.WaitTimeline(tl, 1, 10*time.Millisecond)
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("WaitTimeline = %v, want ErrTimeout", err)
	}
}

func TestCopyThenDispatch(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)

	src, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryUpload)
	dst, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryDefault)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(src.Mapped[i*4:], uint32(i+1))
	}

	s.RegisterKernel("double", func(ctx *KernelContext) {
		data := ctx.UAV(0)
		scale := ctx.Push(0)
		for i := 0; i+4 <= len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], binary.LittleEndian.Uint32(data[i:])*scale)
		}
	})
	cs, _ := s.CreateShader(&metadata.ShaderDesc{Stage: gputypes.ShaderStageCompute, EntryPoint: "double"})
	pso, err := s.CreatePipeline(&metadata.PipelineDesc{Compute: cs})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	copyCmd := recordOn(t, s, metadata.QueueCopy, func(cmd metadata.NativeHandle) {
		s.CmdCopyBuffer(cmd, dst.Handle, 0, src.Handle, 0, 16)
	})
	var table metadata.BindingTable
	table.UAV[0] = metadata.BindingEntry{Resource: dst.Handle, Kind: metadata.ResourceKindBuffer}
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, 2)
	computeCmd := recordOn(t, s, metadata.QueueCompute, func(cmd metadata.NativeHandle) {
		s.CmdBindPipeline(cmd, pso, metadata.BindPointCompute)
		s.CmdUpdateBindings(cmd, metadata.BindPointCompute, &table, metadata.UAVBit(0))
		s.CmdPushConstants(cmd, metadata.BindPointCompute, push)
		s.CmdDispatch(cmd, 1, 1, 1)
	})

	copyTL := mustTimeline(t, s)
	if err := s.Submit(metadata.QueueCopy, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{copyCmd},
		Signal:         metadata.SyncPoint{Timeline: copyTL, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit copy: %v", err)
	}
	if err := s.Submit(metadata.QueueCompute, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{computeCmd},
		Waits:          []metadata.SyncPoint{{Timeline: copyTL, Value: 1}},
		Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit compute: %v", err)
	}
	if err := s.WaitIdle(time.Second); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	got := s.ReadBuffer(dst.Handle)
	for i := 0; i < 4; i++ {
		if v := binary.LittleEndian.Uint32(got[i*4:]); v != uint32(2*(i+1)) {
			t.Errorf("element %d = %d, want %d", i, v, 2*(i+1))
		}
	}
	dispatches := Filter(s.Trace(), TraceDispatch)
	if len(dispatches) != 1 {
		t.Fatalf("got %d dispatch events, want 1", len(dispatches))
	}
	if !bytes.Equal(dispatches[0].PushConstants, push) {
		t.Errorf("traced push constants = %v, want %v", dispatches[0].PushConstants, push)
	}
	if _, ok := dispatches[0].Checksums[dst.Handle]; !ok {
		t.Error("dispatch trace has no checksum for the bound UAV")
	}
}

func TestUpdateBindingsAppliesDirtySlotsOnly(t *testing.T) {
	s := newBackend(t)
	tl := mustTimeline(t, s)
	a, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryDefault)
	b, _ := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16}, metadata.MemoryDefault)
	vs, _ := s.CreateShader(&metadata.ShaderDesc{Stage: gputypes.ShaderStageVertex})
	pso, _ := s.CreatePipeline(&metadata.PipelineDesc{Vertex: vs})

	var first, second metadata.BindingTable
	first.SRV[0] = metadata.BindingEntry{Resource: a.Handle, Kind: metadata.ResourceKindBuffer}
	second.SRV[0] = metadata.BindingEntry{Resource: b.Handle, Kind: metadata.ResourceKindBuffer}
	second.SRV[1] = metadata.BindingEntry{Resource: b.Handle, Kind: metadata.ResourceKindBuffer}

	cmd := recordOn(t, s, metadata.QueueGraphics, func(cmd metadata.NativeHandle) {
		s.CmdBindPipeline(cmd, pso, metadata.BindPointGraphics)
		s.CmdUpdateBindings(cmd, metadata.BindPointGraphics, &first, metadata.BINDER_ALL_SLOTS)
		// Only slot 1 is dirty: slot 0 keeps pointing at a.
		s.CmdUpdateBindings(cmd, metadata.BindPointGraphics, &second, metadata.SRVBit(1))
		s.CmdDraw(cmd, 3, 1, 0, 0)
	})
	if err := s.Submit(metadata.QueueGraphics, []metadata.SubmitBatch{{
		CommandBuffers: []metadata.NativeHandle{cmd},
		Signal:         metadata.SyncPoint{Timeline: tl, Value: 1},
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	draws := Filter(s.Trace(), TraceDraw)
	if len(draws) != 1 {
		t.Fatalf("got %d draws, want 1", len(draws))
	}
	if got := draws[0].Bindings.SRV[0].Resource; got != a.Handle {
		t.Errorf("SRV[0] = %d, want %d", got, a.Handle)
	}
	if got := draws[0].Bindings.SRV[1].Resource; got != b.Handle {
		t.Errorf("SRV[1] = %d, want %d", got, b.Handle)
	}
	if full, _ := s.BindingUpdates(); full != 2 {
		t.Errorf("binding updates = %d, want 2", full)
	}
}

func TestDestroyHookAndTrace(t *testing.T) {
	s := newBackend(t)
	var destroyed []metadata.NativeHandle
	s.OnDestroy(func(kind metadata.ResourceKind, h metadata.NativeHandle) {
		destroyed = append(destroyed, h)
	})
	tex, err := s.CreateTexture(&gputypes.TextureDescriptor{
		Size:          gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		MipLevelCount: 3,
		Format:        gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if got := len(s.ReadTexture(tex, 2)); got != 4 {
		t.Errorf("mip 2 size = %d, want 4", got)
	}
	before := s.Live()
	s.Destroy(metadata.ResourceKindTexture, tex)
	s.Destroy(metadata.ResourceKindTexture, tex)

	if len(destroyed) != 1 || destroyed[0] != tex {
		t.Errorf("hook saw %v, want [%d]", destroyed, tex)
	}
	if got := s.Live(); got != before-1 {
		t.Errorf("Live = %d, want %d", got, before-1)
	}
	if got := len(Filter(s.Trace(), TraceDestroy)); got != 1 {
		t.Errorf("destroy events = %d, want 1", got)
	}
}

func TestClearTrace(t *testing.T) {
	s := newBackend(t)
	buf, err := s.CreateBuffer(&gputypes.BufferDescriptor{Size: 16, Usage: gputypes.BufferUsageStorage}, metadata.MemoryDefault)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	s.Destroy(metadata.ResourceKindBuffer, buf.Handle)
	if len(s.Trace()) == 0 {
		t.Fatal("destroy not traced")
	}
	s.ClearTrace()
	if got := len(s.Trace()); got != 0 {
		t.Errorf("%d events after ClearTrace", got)
	}
}
