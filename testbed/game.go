package testbed

import (
	"encoding/binary"
	"image"
	m "math"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine"
	"github.com/spaghettifunk/anima-gpu/engine/assets"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/device"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/software"
	"golang.org/x/sync/errgroup"
)

const (
	// 4096 vec4 positions, 64 KB.
	PARTICLE_COUNT      uint32 = 4096
	PARTICLE_STRIDE     uint32 = 16
	PARTICLE_GROUP_SIZE uint32 = 64
	// Graphics command lists recorded in parallel each frame, one slice of particles each.
	SPRITE_BATCHES = 4

	TARGET_SIZE uint32 = 512
	// Frames between two checkerboard rebuilds.
	TEXTURE_SWAP_INTERVAL = 240
	// Frames between two GPU timing reports.
	TIMING_INTERVAL = 120

	// Compiled shaders live in ASSET_DIR/shaders. A SPRITE_IMAGE under ASSET_DIR replaces the
	// generated checkerboard.
	ASSET_DIR    = "assets"
	SPRITE_IMAGE = "textures/sprite.png"
)

type TestGame struct {
	*engine.Game
	state *gameState
}

type gameState struct {
	angle    float32
	viewProj []byte

	particles *device.Buffer
	target    *device.Texture
	checker   *device.Texture
	sampler   *device.Sampler
	// Two timestamps around the particle dispatch.
	timestamps *device.QueryHeap

	pipelines *pipelineSet

	// Mip chains built by the job system, picked up by Update.
	pendingChecker chan checkerResult
	rebuilding     bool
	swaps          uint32

	assets *assets.AssetManager
	// Set by the asset watcher, consumed by Update.
	shadersDirty atomic.Bool
	spriteDirty  atomic.Bool
	customSprite bool
}

type pipelineSet struct {
	shaders []*device.Shader
	compute *device.PipelineState
	sprites *device.PipelineState
}

func (p *pipelineSet) release(d *device.Device) {
	d.Destroy(p.compute)
	d.Destroy(p.sprites)
	for _, sh := range p.shaders {
		d.Destroy(sh)
	}
}

func NewTestGame(configPath string, maxFrames uint64) *TestGame {
	state := &gameState{
		pendingChecker: make(chan checkerResult, 1),
	}
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:       "Anima GPU testbed",
				ConfigPath: configPath,
				MaxFrames:  maxFrames,
			},
			State: state,
		},
		state: state,
	}

	tg.FnBoot = tg.Boot
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) Boot() error {
	core.LogInfo("booting testbed...")
	return nil
}

func (g *TestGame) Initialize() error {
	core.LogDebug("TestGame Initialize fn....")

	if g.Device == nil || g.Jobs == nil {
		return errors.New("the engine has not handed over a device and a job system")
	}
	d := g.Device
	s := g.state

	if sw, ok := d.Backend().(*software.SoftwareBackend); ok {
		sw.RegisterKernel(PARTICLES_ENTRY, updateParticles)
	}

	var err error
	s.particles, err = d.CreateBuffer(&gputypes.BufferDescriptor{
		Label: "particles",
		Size:  uint64(PARTICLE_COUNT * PARTICLE_STRIDE),
		Usage: gputypes.BufferUsageStorage,
	}, initialParticles())
	if err != nil {
		return err
	}
	s.timestamps, err = d.CreateQueryHeap(metadata.QueryTimestamp, 2, "particle_timestamps")
	if err != nil {
		return err
	}

	s.target, err = d.CreateTexture(&gputypes.TextureDescriptor{
		Label:     "sprite_target",
		Size:      gputypes.Extent3D{Width: TARGET_SIZE, Height: TARGET_SIZE, DepthOrArrayLayers: 1},
		Dimension: gputypes.TextureDimension2D,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}, nil)
	if err != nil {
		return err
	}

	s.sampler, err = d.CreateSampler(&gputypes.SamplerDescriptor{
		Label:        "checker_sampler",
		AddressModeU: gputypes.AddressModeRepeat,
		AddressModeV: gputypes.AddressModeRepeat,
		AddressModeW: gputypes.AddressModeRepeat,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
		LodMaxClamp:  32,
	})
	if err != nil {
		return err
	}

	if _, err := os.Stat(ASSET_DIR); err == nil {
		s.assets, err = assets.NewAssetManager(ASSET_DIR, g.onAssetChanged)
		if err != nil {
			return err
		}
	}

	// The first checkerboard is needed before the first frame.
	if err := g.buildChecker(0, true); err != nil {
		return err
	}
	res := <-s.pendingChecker
	if res.err != nil {
		return res.err
	}
	if err := g.swapChecker(res); err != nil {
		return err
	}

	if s.assets != nil && s.assets.Has(SPRITE_IMAGE) {
		if err := g.loadSprite(); err != nil {
			return err
		}
	}

	s.pipelines, err = g.createPipelines()
	if err != nil {
		return err
	}
	g.updateCamera()
	return nil
}

// createPipelines builds a complete pipeline set. Nothing is kept on failure.
func (g *TestGame) createPipelines() (_ *pipelineSet, err error) {
	d := g.Device
	p := &pipelineSet{}
	defer func() {
		if err != nil {
			p.release(d)
		}
	}()

	cs, err := g.loadShader(gputypes.ShaderStageCompute, "particles.comp", PARTICLES_ENTRY)
	if err != nil {
		return nil, err
	}
	p.shaders = append(p.shaders, cs)
	vs, err := g.loadShader(gputypes.ShaderStageVertex, "sprite.vert", "sprite_vs")
	if err != nil {
		return nil, err
	}
	p.shaders = append(p.shaders, vs)
	ps, err := g.loadShader(gputypes.ShaderStageFragment, "sprite.frag", "sprite_ps")
	if err != nil {
		return nil, err
	}
	p.shaders = append(p.shaders, ps)

	p.compute, err = d.CreatePipelineState(&device.PipelineStateDesc{Label: "particles", CS: cs})
	if err != nil {
		return nil, err
	}
	p.sprites, err = d.CreatePipelineState(&device.PipelineStateDesc{
		Label:        "sprites",
		VS:           vs,
		PS:           ps,
		Topology:     gputypes.PrimitiveTopologyTriangleList,
		CullMode:     gputypes.CullModeNone,
		FrontFace:    gputypes.FrontFaceCCW,
		Blend:        true,
		ColorFormats: []gputypes.TextureFormat{g.state.target.Desc().Format},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// loadShader reads SPIR-V compiled by `mage build:shaders` for the Vulkan backend. The
// software backend only needs the entry point.
func (g *TestGame) loadShader(stage gputypes.ShaderStage, name, entry string) (*device.Shader, error) {
	desc := &metadata.ShaderDesc{Label: name, Stage: stage, EntryPoint: entry}
	if g.Device.Backend().Name() == "vulkan" {
		if g.state.assets == nil {
			return nil, errors.Newf("no %s directory to load shader %q from", ASSET_DIR, name)
		}
		asset, err := g.state.assets.LoadAsset("shaders/" + name + ".spv")
		if err != nil {
			return nil, errors.Wrapf(err, "loading shader %q (run mage build:shaders)", name)
		}
		desc.Code = asset.Data.([]byte)
		desc.EntryPoint = "main"
	}
	return g.Device.CreateShader(desc)
}

func (g *TestGame) Update(deltaTime float64) error {
	s := g.state
	s.angle += float32(deltaTime) * mgl32.DegToRad(30)
	g.updateCamera()

	if s.shadersDirty.Swap(false) {
		g.reloadPipelines()
	}
	if s.spriteDirty.Swap(false) {
		if err := g.loadSprite(); err != nil {
			core.LogWarn("reloading %s: %s", SPRITE_IMAGE, err)
		}
	}

	select {
	case res := <-s.pendingChecker:
		s.rebuilding = false
		if s.customSprite {
			break
		}
		if res.err != nil {
			core.LogWarn("checkerboard rebuild failed: %s", res.err)
			break
		}
		if err := g.swapChecker(res); err != nil {
			return err
		}
	default:
	}

	frame := g.Device.GetFrameCount()
	if !s.rebuilding && !s.customSprite && frame > 0 && frame%TEXTURE_SWAP_INTERVAL == 0 {
		s.rebuilding = true
		if err := g.buildChecker(s.swaps+1, false); err != nil {
			s.rebuilding = false
			core.LogWarn("scheduling checkerboard rebuild: %s", err)
		}
	}
	return nil
}

func (g *TestGame) onAssetChanged(info assets.AssetInfo) {
	switch {
	case info.Type == assets.AssetTypeShader:
		g.state.shadersDirty.Store(true)
	case info.Path == SPRITE_IMAGE:
		g.state.spriteDirty.Store(true)
	}
}

// reloadPipelines swaps in pipelines built from the current shader assets. The old set is
// released and destroyed once the frames using it retire. A broken shader keeps the old set.
func (g *TestGame) reloadPipelines() {
	p, err := g.createPipelines()
	if err != nil {
		core.LogWarn("shader reload failed, keeping the current pipelines: %s", err)
		return
	}
	g.state.pipelines.release(g.Device)
	g.state.pipelines = p
	core.LogInfo("pipelines rebuilt from %s/shaders", ASSET_DIR)
}

func (g *TestGame) loadSprite() error {
	asset, err := g.state.assets.LoadAsset(SPRITE_IMAGE)
	if err != nil {
		return err
	}
	tex, err := g.Device.CreateTextureFromImage(asset.Data.(image.Image), "sprite", true)
	if err != nil {
		return err
	}
	if old := g.state.checker; old != nil {
		old.Release()
	}
	g.state.checker = tex
	g.state.customSprite = true
	core.LogInfo("sprite texture loaded from %s", SPRITE_IMAGE)
	return nil
}

func (g *TestGame) updateCamera() {
	aspect := float32(TARGET_SIZE) / float32(TARGET_SIZE)
	model := mgl32.HomogRotate3DZ(g.state.angle)
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 3}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 1, 0})
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, 10.0)
	proj[5] *= -1 // Vulkan clip
	g.state.viewProj = matrixBytes(proj.Mul4(view).Mul4(model))
}

// Render records one compute list and SPRITE_BATCHES graphics lists that wait on it.
// The graphics lists are recorded in parallel.
func (g *TestGame) Render(deltaTime float64) error {
	d := g.Device
	g.reportTiming()

	compute := d.BeginCommandList(metadata.QueueCompute)
	lists := make([]device.CommandList, SPRITE_BATCHES)
	for i := range lists {
		lists[i] = d.BeginCommandList(metadata.QueueGraphics)
		if err := d.WaitCommandList(lists[i], compute); err != nil {
			return err
		}
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return g.recordParticles(compute)
	})
	for i, cmd := range lists {
		eg.Go(func() error {
			return g.recordSprites(cmd, uint32(i))
		})
	}
	return eg.Wait()
}

func (g *TestGame) recordParticles(cmd device.CommandList) error {
	d := g.Device
	s := g.state
	d.QueryReset(s.timestamps, 0, 2, cmd)
	d.QueryEnd(s.timestamps, 0, cmd)
	d.BindPipelineState(s.pipelines.compute, cmd)
	d.BindUAV(s.particles, 0, cmd)
	d.PushConstants(pushWords(uint32(d.GetFrameCount()), PARTICLE_COUNT), cmd)
	d.Dispatch(PARTICLE_COUNT/PARTICLE_GROUP_SIZE, 1, 1, cmd)
	d.QueryEnd(s.timestamps, 1, cmd)
	d.QueryResolve(s.timestamps, 0, 2, cmd)
	return nil
}

// reportTiming logs the particle dispatch time resolved buffer count frames ago.
func (g *TestGame) reportTiming() {
	d := g.Device
	if d.GetFrameCount()%TIMING_INTERVAL != 0 {
		return
	}
	ts, frame, ok := g.Device.QueryRead(g.state.timestamps, 0, 2)
	freq := d.TimestampFrequency()
	if !ok || freq == 0 || ts[1] < ts[0] {
		return
	}
	elapsed := time.Duration(float64(ts[1]-ts[0]) * float64(time.Second) / float64(freq))
	core.LogDebug("frame %d: particle update took %s on the GPU", frame, elapsed)
}

func (g *TestGame) recordSprites(cmd device.CommandList, batch uint32) error {
	d := g.Device
	s := g.state

	texture := d.GetDescriptorIndex(s.checker, metadata.ViewSRV)
	sampler := d.GetDescriptorIndex(s.sampler, metadata.ViewSRV)
	if texture < 0 || sampler < 0 {
		return errors.Newf("checkerboard has no bindless index (texture %d, sampler %d)", texture, sampler)
	}

	load := gputypes.LoadOpLoad
	if batch == 0 {
		load = gputypes.LoadOpClear
	}
	d.BindViewports([]metadata.Viewport{{Width: float32(TARGET_SIZE), Height: float32(TARGET_SIZE), MaxDepth: 1}}, cmd)
	d.BindScissorRects([]metadata.Rect{{Width: TARGET_SIZE, Height: TARGET_SIZE}}, cmd)
	d.RenderPassBegin(&device.RenderPassDesc{
		Color:        []*device.Texture{s.target},
		ColorLoadOp:  load,
		ColorStoreOp: gputypes.StoreOpStore,
		ClearColor:   gputypes.Color{R: 0.02, G: 0.02, B: 0.05, A: 1},
	}, cmd)
	defer d.RenderPassEnd(cmd)

	d.BindPipelineState(s.pipelines.sprites, cmd)
	d.BindResource(s.particles, 0, cmd)
	if err := d.BindDynamicConstantBuffer(s.viewProj, 0, cmd); err != nil {
		return errors.Wrapf(err, "batch %d camera", batch)
	}

	perBatch := PARTICLE_COUNT / SPRITE_BATCHES
	d.PushConstants(pushWords(batch*perBatch, uint32(texture), uint32(sampler)), cmd)
	d.Draw(perBatch*6, 0, cmd)
	return nil
}

func (g *TestGame) Shutdown() error {
	d := g.Device
	s := g.state

	if err := d.WaitForGPU(); err != nil {
		return err
	}
	if s.particles != nil {
		p, err := d.DownloadBuffer(s.particles, 0, uint64(PARTICLE_STRIDE))
		if err != nil {
			core.LogWarn("reading back particles: %s", err)
		} else {
			core.LogInfo("particle 0 at (%.3f, %.3f) after %d frames",
				m.Float32frombits(binary.LittleEndian.Uint32(p[0:])),
				m.Float32frombits(binary.LittleEndian.Uint32(p[4:])),
				d.GetFrameCount())
		}
	}

	stats := d.Stats()
	core.LogInfo("device stats: %d lists, %d submissions, %d descriptor updates, %d offset updates, %d deferred destroys, %d copy flushes",
		stats.CommandListsBegun, stats.Submissions, stats.DescriptorUpdates, stats.OffsetUpdates, stats.DeferredDestroys, stats.CopyFlushes)

	if s.pipelines != nil {
		s.pipelines.release(d)
	}
	for _, r := range []device.Resource{s.checker, s.sampler, s.target, s.timestamps, s.particles} {
		d.Destroy(r)
	}
	if s.assets != nil {
		return s.assets.Close()
	}
	return nil
}

func initialParticles() []byte {
	data := make([]byte, PARTICLE_COUNT*PARTICLE_STRIDE)
	side := uint32(m.Sqrt(float64(PARTICLE_COUNT)))
	for i := uint32(0); i < PARTICLE_COUNT; i++ {
		x := float32(i%side)/float32(side)*2 - 1
		y := float32(i/side)/float32(side)*2 - 1
		putVec4(data[i*PARTICLE_STRIDE:], x, y, 0, 1)
	}
	return data
}

func putVec4(dst []byte, x, y, z, w float32) {
	for i, f := range [4]float32{x, y, z, w} {
		binary.LittleEndian.PutUint32(dst[i*4:], m.Float32bits(f))
	}
}

func pushWords(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func matrixBytes(mat mgl32.Mat4) []byte {
	out := make([]byte, 4*len(mat))
	for i, f := range mat {
		binary.LittleEndian.PutUint32(out[i*4:], m.Float32bits(f))
	}
	return out
}
