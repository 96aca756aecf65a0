package device

import (
	"bytes"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/software"
)

func newTestDevice(t *testing.T, mutate func(cfg *core.Config)) (*Device, *software.SoftwareBackend, *core.EventBus) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Device.GPUWaitTimeoutMS = 2000
	cfg.Bindless = core.BindlessConfig{
		SampledImages:  64,
		StorageImages:  16,
		StorageBuffers: 64,
		Samplers:       8,
	}
	if mutate != nil {
		mutate(cfg)
	}
	be := software.New()
	events := core.NewEventBus()
	d, err := New(be, cfg, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Shutdown() })
	return d, be, events
}

// newTestPipelines creates a compute pipeline running entryPoint and a vertex-only graphics pipeline.
func newTestPipelines(t *testing.T, d *Device, entryPoint string) (compute, graphics *PipelineState) {
	t.Helper()
	cs, err := d.CreateShader(&metadata.ShaderDesc{Label: "cs", Stage: gputypes.ShaderStageCompute, EntryPoint: entryPoint})
	if err != nil {
		t.Fatalf("CreateShader: %v", err)
	}
	vs, err := d.CreateShader(&metadata.ShaderDesc{Label: "vs", Stage: gputypes.ShaderStageVertex, EntryPoint: "vs_main"})
	if err != nil {
		t.Fatalf("CreateShader: %v", err)
	}
	if compute, err = d.CreatePipelineState(&PipelineStateDesc{Label: "compute", CS: cs}); err != nil {
		t.Fatalf("CreatePipelineState(compute): %v", err)
	}
	if graphics, err = d.CreatePipelineState(&PipelineStateDesc{
		Label:        "graphics",
		VS:           vs,
		Topology:     gputypes.PrimitiveTopologyTriangleList,
		ColorFormats: []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	}); err != nil {
		t.Fatalf("CreatePipelineState(graphics): %v", err)
	}
	return compute, graphics
}

func nativeOf(t *testing.T, d *Device, res Resource) metadata.NativeHandle {
	t.Helper()
	nr, ok := d.resolve(res.Handle())
	if !ok {
		t.Fatalf("resource %v is not live", res.Handle())
	}
	return nr.native
}

func mustSubmit(t *testing.T, d *Device) {
	t.Helper()
	if err := d.SubmitCommandLists(); err != nil {
		t.Fatalf("SubmitCommandLists: %v", err)
	}
}

func mustAssert(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.HasAssertionFailure(err) {
			t.Errorf("%s: expected an assertion failure, got %v", what, err)
		}
	}()
	fn()
}

func draws(be *software.SoftwareBackend) []software.TraceEvent {
	return software.Filter(be.Trace(), software.TraceDraw)
}

func TestNullResourcesOwnIndexZero(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)
	tests := []struct {
		name string
		res  Resource
		view metadata.ViewType
	}{
		{"texture", d.nulls.texture, metadata.ViewSRV},
		{"storage image", d.nulls.storageImage, metadata.ViewUAV},
		{"buffer", d.nulls.buffer, metadata.ViewSRV},
		{"sampler", d.nulls.sampler, metadata.ViewSRV},
	}
	for _, tt := range tests {
		if got := d.GetDescriptorIndex(tt.res, tt.view); got != 0 {
			t.Errorf("%s: descriptor index = %d, want 0", tt.name, got)
		}
	}
}

func TestReleasedResourceDestroyedAfterBufferCountFrames(t *testing.T) {
	for _, bufferCount := range []uint32{1, 2, 3} {
		d, be, _ := newTestDevice(t, func(cfg *core.Config) { cfg.Device.BufferCount = bufferCount })
		mustSubmit(t, d)

		buf, err := d.CreateBuffer(&gputypes.BufferDescriptor{Label: "victim", Size: 1024, Usage: gputypes.BufferUsageStorage}, nil)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		native := nativeOf(t, d, buf)
		var destroyedAt uint64
		be.OnDestroy(func(kind metadata.ResourceKind, h metadata.NativeHandle) {
			if kind == metadata.ResourceKindBuffer && h == native {
				destroyedAt = d.GetFrameCount()
			}
		})

		releasedAt := d.GetFrameCount()
		buf.Release()
		buf.Release()
		for i := 0; i < 10 && destroyedAt == 0; i++ {
			mustSubmit(t, d)
		}
		if want := releasedAt + uint64(bufferCount) + 1; destroyedAt != want {
			t.Errorf("bufferCount %d: released at frame %d, destroyed at %d, want %d", bufferCount, releasedAt, destroyedAt, want)
		}
		be.OnDestroy(nil)
	}
}

func TestDescriptorIndexReuse(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)
	storage := &gputypes.BufferDescriptor{Size: 256, Usage: gputypes.BufferUsageStorage}
	create := func() *Buffer {
		t.Helper()
		b, err := d.CreateBuffer(storage, nil)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		return b
	}

	a := create()
	index := d.GetDescriptorIndex(a, metadata.ViewSRV)
	if index <= 0 {
		t.Fatalf("descriptor index = %d, want a positive index", index)
	}
	a.Release()
	if got := d.GetDescriptorIndex(create(), metadata.ViewSRV); got == index {
		t.Fatalf("index %d reused in the frame it was released", index)
	}
	for i := uint32(0); i < d.GetBufferCount(); i++ {
		mustSubmit(t, d)
	}
	if got := d.GetDescriptorIndex(create(), metadata.ViewSRV); got == index {
		t.Fatalf("index %d reused after %d frames", index, d.GetBufferCount())
	}
	mustSubmit(t, d)
	if got := d.GetDescriptorIndex(create(), metadata.ViewSRV); got != index {
		t.Errorf("descriptor index = %d, want reused %d", got, index)
	}
}

func TestCrossQueueWaitOrdersExecution(t *testing.T) {
	d, be, _ := newTestDevice(t, nil)
	cs, gfx := newTestPipelines(t, d, "noop")

	first := d.BeginCommandList(metadata.QueueGraphics)
	d.BindPipelineState(gfx, first)
	d.Draw(3, 0, first)

	// Submitted before the graphics queue, but waits for it.
	compute := d.BeginCommandList(metadata.QueueCompute)
	if err := d.WaitCommandList(compute, first); err != nil {
		t.Fatalf("WaitCommandList: %v", err)
	}
	d.BindPipelineState(cs, compute)
	d.Dispatch(4, 1, 1, compute)

	last := d.BeginCommandList(metadata.QueueGraphics)
	if err := d.WaitCommandList(last, compute); err != nil {
		t.Fatalf("WaitCommandList: %v", err)
	}
	d.BindPipelineState(gfx, last)
	d.Draw(6, 0, last)

	mustSubmit(t, d)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}

	trace := be.Trace()
	dispatches := software.Filter(trace, software.TraceDispatch)
	ds := software.Filter(trace, software.TraceDraw)
	if len(dispatches) != 1 || len(ds) != 2 {
		t.Fatalf("got %d dispatches and %d draws, want 1 and 2", len(dispatches), len(ds))
	}
	if ds[0].Counts[0] != 3 || ds[1].Counts[0] != 6 {
		t.Fatalf("draw order = %d then %d vertices, want 3 then 6", ds[0].Counts[0], ds[1].Counts[0])
	}
	if !(ds[0].Seq < dispatches[0].Seq && dispatches[0].Seq < ds[1].Seq) {
		t.Errorf("execution order draw %d, dispatch %d, draw %d is not draw < dispatch < draw",
			ds[0].Seq, dispatches[0].Seq, ds[1].Seq)
	}

	var submitted []metadata.QueueType
	for _, ev := range software.Filter(trace, software.TraceSubmit) {
		if ev.Queue != metadata.QueueCopy {
			submitted = append(submitted, ev.Queue)
		}
	}
	if len(submitted) == 0 || submitted[0] != metadata.QueueCompute {
		t.Errorf("submission order = %v, want compute first", submitted)
	}
	if got := d.Stats().Submissions; got != 2 {
		t.Errorf("Submissions = %d, want one per used queue", got)
	}
}

func TestUploadVisibleToWaitingCommandList(t *testing.T) {
	const size = 64 * 1024
	d, be, _ := newTestDevice(t, nil)
	_, gfx := newTestPipelines(t, d, "noop")

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	src, err := d.CreateBuffer(&gputypes.BufferDescriptor{Label: "src", Size: size, Usage: gputypes.BufferUsageCopySrc}, data)
	if err != nil {
		t.Fatalf("CreateBuffer(src): %v", err)
	}
	dst, err := d.CreateBuffer(&gputypes.BufferDescriptor{Label: "dst", Size: size, Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst}, nil)
	if err != nil {
		t.Fatalf("CreateBuffer(dst): %v", err)
	}

	be.PauseQueue(metadata.QueueCopy)
	value, err := d.CopyBuffer(dst, 0, src, 0, size, NoCommandList)
	if err != nil {
		t.Fatalf("CopyBuffer: %v", err)
	}
	if value == 0 || d.IsUploadComplete(value) {
		t.Fatalf("upload value %d complete while the copy queue is paused", value)
	}

	cmd := d.BeginCommandList(metadata.QueueGraphics)
	d.WaitUpload(cmd, value)
	d.BindPipelineState(gfx, cmd)
	d.BindResource(dst, 0, cmd)
	d.Draw(3, 0, cmd)
	mustSubmit(t, d)

	if n := len(draws(be)); n != 0 {
		t.Fatalf("%d draws ran before the upload finished", n)
	}
	be.ResumeQueue(metadata.QueueCopy)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}
	if !d.IsUploadComplete(value) {
		t.Fatalf("upload %d not complete after WaitForGPU", value)
	}

	ds := draws(be)
	if len(ds) != 1 {
		t.Fatalf("got %d draws, want 1", len(ds))
	}
	want := crc32.ChecksumIEEE(data)
	if got := ds[0].Checksums[nativeOf(t, d, dst)]; got != want {
		t.Errorf("draw saw checksum %#x, want %#x", got, want)
	}
}

func TestSampledHeapExhaustionFallsBackToDefault(t *testing.T) {
	d, _, events := newTestDevice(t, func(cfg *core.Config) { cfg.Bindless.SampledImages = 4 })
	fired := 0
	events.Register(core.EVENT_CODE_DESCRIPTOR_HEAP_EXHAUSTED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		fired++
		return false
	})

	desc := &gputypes.TextureDescriptor{
		Size:   gputypes.Extent3D{Width: 8, Height: 8},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
	}
	var indices []int32
	for i := 0; i < 5; i++ {
		tex, err := d.CreateTexture(desc, nil)
		if err != nil {
			t.Fatalf("CreateTexture %d: %v", i, err)
		}
		indices = append(indices, d.GetDescriptorIndex(tex, metadata.ViewSRV))
	}
	want := []int32{1, 2, 3, 0, 0}
	for i := range want {
		if indices[i] != want[i] {
			t.Fatalf("descriptor indices = %v, want %v", indices, want)
		}
	}
	if fired != 1 {
		t.Errorf("heap exhausted event fired %d times, want 1", fired)
	}
}

func TestStagingOutOfMemory(t *testing.T) {
	const size = 128 * 1024
	d, be, _ := newTestDevice(t, nil)
	live := d.Stats().LiveResources

	be.SetMemoryBudget(be.MemoryUsed() + size + 1024)
	_, err := d.CreateBuffer(&gputypes.BufferDescriptor{Size: size, Usage: gputypes.BufferUsageVertex}, make([]byte, size))
	be.SetMemoryBudget(0)
	if !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("CreateBuffer = %v, want ErrOutOfMemory", err)
	}
	if got := d.Stats().LiveResources; got != live {
		t.Errorf("LiveResources = %d after a failed create, want %d", got, live)
	}
}

func TestDeviceLost(t *testing.T) {
	d, be, events := newTestDevice(t, nil)
	mustSubmit(t, d)

	var lostAt []uint64
	events.Register(core.EVENT_CODE_DEVICE_LOST, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		lostAt = append(lostAt, data.Data.U64[0])
		if data.Data.C[0] == "" {
			t.Error("device lost event without a reason")
		}
		return false
	})

	d.BeginCommandList(metadata.QueueGraphics)
	be.LoseDevice()
	if err := d.SubmitCommandLists(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("SubmitCommandLists = %v, want ErrDeviceLost", err)
	}
	if !d.IsLost() {
		t.Fatal("IsLost = false after a lost submission")
	}
	if err := d.SubmitCommandLists(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("second SubmitCommandLists = %v, want ErrDeviceLost", err)
	}
	if err := d.WaitForGPU(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("WaitForGPU = %v, want ErrDeviceLost", err)
	}
	if len(lostAt) != 1 || lostAt[0] != 1 {
		t.Errorf("device lost events at frames %v, want exactly one at frame 1", lostAt)
	}
}

func TestStaleCommandListAsserts(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)
	_, gfx := newTestPipelines(t, d, "noop")

	cmd := d.BeginCommandList(metadata.QueueGraphics)
	mustSubmit(t, d)
	mustAssert(t, "bind after submit", func() { d.BindPipelineState(gfx, cmd) })
	mustAssert(t, "draw after submit", func() { d.Draw(3, 0, cmd) })

	cmd = d.BeginCommandList(metadata.QueueCompute)
	mustAssert(t, "graphics pipeline on compute", func() { d.BindPipelineState(gfx, cmd) })
	mustAssert(t, "dispatch without pipeline", func() { d.Dispatch(1, 1, 1, cmd) })
	mustAssert(t, "SRV slot out of range", func() { d.BindResource(nil, metadata.BINDER_SRV_COUNT, cmd) })
}

func TestWaitCommandListRejectsCycles(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)

	a := d.BeginCommandList(metadata.QueueGraphics)
	b := d.BeginCommandList(metadata.QueueGraphics)
	tests := []struct {
		name      string
		cmd, wait CommandList
		want      error
	}{
		{"self", a, a, core.ErrDependencyCycle},
		{"same queue, begun later", a, b, core.ErrDependencyCycle},
		{"same queue, begun earlier", b, a, nil},
	}
	for _, tt := range tests {
		err := d.WaitCommandList(tt.cmd, tt.wait)
		if tt.want == nil && err != nil || tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: WaitCommandList = %v, want %v", tt.name, err, tt.want)
		}
	}
	mustSubmit(t, d)
}

func TestSubmitDetectsCrossQueueCycle(t *testing.T) {
	d, _, _ := newTestDevice(t, nil)

	c := d.BeginCommandList(metadata.QueueCompute)
	g := d.BeginCommandList(metadata.QueueGraphics)
	if err := d.WaitCommandList(c, g); err != nil {
		t.Fatalf("WaitCommandList(c, g): %v", err)
	}
	if err := d.WaitCommandList(g, c); err != nil {
		t.Fatalf("WaitCommandList(g, c): %v", err)
	}
	if err := d.SubmitCommandLists(); !errors.Is(err, core.ErrDependencyCycle) {
		t.Fatalf("SubmitCommandLists = %v, want ErrDependencyCycle", err)
	}
	if got := d.GetFrameCount(); got != 0 {
		t.Errorf("frame advanced to %d on a rejected submission", got)
	}
	d.BeginCommandList(metadata.QueueGraphics)
	mustSubmit(t, d)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}
}

func TestDynamicConstantBufferOffsetOnly(t *testing.T) {
	d, be, _ := newTestDevice(t, nil)
	_, gfx := newTestPipelines(t, d, "noop")

	cmd := d.BeginCommandList(metadata.QueueGraphics)
	d.BindPipelineState(gfx, cmd)
	for i := 0; i < 2; i++ {
		if err := d.BindDynamicConstantBuffer(bytes.Repeat([]byte{byte(i + 1)}, 64), 0, cmd); err != nil {
			t.Fatalf("BindDynamicConstantBuffer: %v", err)
		}
		d.Draw(3, 0, cmd)
	}
	mustSubmit(t, d)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}

	stats := d.Stats()
	if stats.DescriptorUpdates != 1 || stats.OffsetUpdates != 1 {
		t.Errorf("updates = (%d full, %d offset), want (1, 1)", stats.DescriptorUpdates, stats.OffsetUpdates)
	}
	ds := draws(be)
	if len(ds) != 2 {
		t.Fatalf("got %d draws, want 2", len(ds))
	}
	first, second := ds[0].Bindings.CBV[0], ds[1].Bindings.CBV[0]
	if first.Resource != second.Resource || second.Offset != first.Offset+LINEAR_ALLOCATOR_ALIGNMENT {
		t.Errorf("constant buffer bindings %+v then %+v, want same buffer one alignment apart", first, second)
	}
	if ds[0].Checksums[first.Resource] == ds[1].Checksums[second.Resource] {
		t.Error("both draws read the same constant data")
	}
}

func TestTextureInitRunsBeforeFirstUse(t *testing.T) {
	d, be, _ := newTestDevice(t, nil)
	_, gfx := newTestPipelines(t, d, "noop")

	rt, err := d.CreateTexture(&gputypes.TextureDescriptor{
		Label:  "target",
		Size:   gputypes.Extent3D{Width: 4, Height: 4},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}, nil)
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	native := nativeOf(t, d, rt)

	cmd := d.BeginCommandList(metadata.QueueGraphics)
	d.RenderPassBegin(&RenderPassDesc{
		Color:        []*Texture{rt},
		ColorLoadOp:  gputypes.LoadOpClear,
		ColorStoreOp: gputypes.StoreOpStore,
		ClearColor:   gputypes.Color{R: 1, A: 1},
	}, cmd)
	d.BindPipelineState(gfx, cmd)
	d.Draw(3, 0, cmd)
	d.RenderPassEnd(cmd)
	mustSubmit(t, d)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}

	var initSeq uint64
	for _, ev := range software.Filter(be.Trace(), software.TraceInit) {
		if ev.Handle == native {
			initSeq = ev.Seq
		}
	}
	ds := draws(be)
	if initSeq == 0 || len(ds) != 1 || initSeq > ds[0].Seq {
		t.Fatalf("texture init at seq %d is not before the draw", initSeq)
	}
	if got := be.ReadTexture(native, 0); !bytes.Equal(got[:4], []byte{255, 0, 0, 255}) {
		t.Errorf("cleared texel = %v, want opaque red", got[:4])
	}
}

func TestUpdateBufferReadback(t *testing.T) {
	d, be, _ := newTestDevice(t, nil)
	buf, err := d.CreateBuffer(&gputypes.BufferDescriptor{Size: 256, Usage: gputypes.BufferUsageStorage}, nil)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	payload := []byte("transient upload")

	cmd := d.BeginCommandList(metadata.QueueCopy)
	if err := d.UpdateBuffer(buf, payload, 16, cmd); err != nil {
		t.Fatalf("UpdateBuffer: %v", err)
	}
	if err := d.UpdateBuffer(buf, payload, 250, cmd); err == nil {
		t.Error("UpdateBuffer past the end succeeded")
	}
	mustSubmit(t, d)
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}
	got := be.ReadBuffer(nativeOf(t, d, buf))
	if !bytes.Equal(got[16:16+len(payload)], payload) {
		t.Errorf("buffer bytes = %q, want %q", got[16:16+len(payload)], payload)
	}
}

func TestCreateTextureFromImageMips(t *testing.T) {
	d, be, _ := newTestDevice(t, nil)
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 60), A: 255})
		}
	}

	tex, err := d.CreateTextureFromImage(img, "gradient", true)
	if err != nil {
		t.Fatalf("CreateTextureFromImage: %v", err)
	}
	if got := tex.Desc().MipLevelCount; got != 4 {
		t.Fatalf("MipLevelCount = %d, want 4", got)
	}
	if err := d.WaitForGPU(); err != nil {
		t.Fatalf("WaitForGPU: %v", err)
	}
	native := nativeOf(t, d, tex)
	if got := be.ReadTexture(native, 0); !bytes.Equal(got, img.Pix) {
		t.Error("mip 0 differs from the source image")
	}
	for mip, want := range []int{8 * 4 * 4, 4 * 2 * 4, 2 * 1 * 4, 1 * 1 * 4} {
		if got := len(be.ReadTexture(native, uint32(mip))); got != want {
			t.Errorf("mip %d holds %d bytes, want %d", mip, got, want)
		}
	}

	if _, err := d.CreateTextureFromImage(image.NewRGBA(image.Rectangle{}), "empty", false); !errors.Is(err, core.ErrCreationFailed) {
		t.Errorf("empty image: err = %v, want ErrCreationFailed", err)
	}
}

func TestFrameIndexCycles(t *testing.T) {
	d, _, _ := newTestDevice(t, func(cfg *core.Config) { cfg.Device.BufferCount = 3 })
	for i := uint64(0); i < 7; i++ {
		if got, want := d.GetBufferIndex(), uint32(i%3); got != want {
			t.Fatalf("frame %d: buffer index %d, want %d", i, got, want)
		}
		d.BeginCommandList(metadata.QueueGraphics)
		mustSubmit(t, d)
	}
	if got := d.GetFrameCount(); got != 7 {
		t.Errorf("GetFrameCount = %d, want 7", got)
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	be := software.New()
	d, err := New(be, core.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, gfx := newTestPipelines(t, d, "noop")
	if _, err := d.CreateBuffer(&gputypes.BufferDescriptor{Size: 4096, Usage: gputypes.BufferUsageStorage}, make([]byte, 4096)); err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	cmd := d.BeginCommandList(metadata.QueueGraphics)
	d.BindPipelineState(gfx, cmd)
	if err := d.BindDynamicConstantBuffer(make([]byte, 32), 0, cmd); err != nil {
		t.Fatalf("BindDynamicConstantBuffer: %v", err)
	}
	d.Draw(3, 0, cmd)
	mustSubmit(t, d)

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := be.Live(); n != 0 {
		t.Errorf("%d native objects alive after Shutdown", n)
	}
	if used := be.MemoryUsed(); used != 0 {
		t.Errorf("%d bytes still allocated after Shutdown", used)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Bindless.Samplers = 0
	if _, err := New(software.New(), cfg, nil); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("New = %v, want ErrInvalidConfig", err)
	}
}
