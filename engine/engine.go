package engine

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/device"
	"github.com/spaghettifunk/anima-gpu/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageBooting:
		return "booting"
	case EngineStageBootComplete:
		return "boot complete"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return "uninitialized"
}

// Frames between two frame-time log lines.
const METRICS_LOG_INTERVAL = 120

type Engine struct {
	currentStage Stage
	gameInstance *Game

	config  *core.Config
	watcher *core.ConfigWatcher
	events  *core.EventBus
	device  *device.Device
	jobs    *systems.JobSystem
	clock   *core.Clock
	metrics *core.FrameMetrics

	isRunning atomic.Bool
	lastTime  float64
	// Set when the device reports loss; Run returns it.
	fatal atomic.Pointer[error]

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads the configuration and boots the game. Nothing touches the GPU until Initialize.
func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, errors.AssertionFailedf("engine needs a game with an application config")
	}
	cfg, err := loadConfig(g.ApplicationConfig)
	if err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, errors.Mark(err, core.ErrInvalidConfig)
	}

	e := &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       cfg,
		events:       core.NewEventBus(),
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
	}

	e.currentStage = EngineStageBooting
	if g.FnBoot != nil {
		if err := g.FnBoot(); err != nil {
			return nil, errors.Wrap(err, "booting game")
		}
	}
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func loadConfig(app *ApplicationConfig) (*core.Config, error) {
	cfg := core.DefaultConfig()
	if app.ConfigPath != "" {
		loaded, err := core.LoadConfig(app.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if app.Name != "" {
		cfg.Engine.Name = app.Name
	}
	if app.LogLevel != "" {
		cfg.Log.Level = app.LogLevel
	}
	if app.MaxFrames != 0 {
		cfg.Engine.MaxFrames = app.MaxFrames
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Initialize creates the device, the job system and the config watcher, then initializes the game.
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return errors.AssertionFailedf("engine initialized in stage %s", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_DEVICE_LOST, e, e.onEvent)

	d, err := renderer.NewDevice(e.config, e.events)
	if err != nil {
		return err
	}
	e.device = d

	jobs, err := systems.NewJobSystem(e.config.Engine.Workers, e.config.Engine.Workers*4)
	if err != nil {
		return err
	}
	e.jobs = jobs

	if path := e.gameInstance.ApplicationConfig.ConfigPath; path != "" {
		w, err := core.NewConfigWatcher(path, e.config, e.events, nil)
		if err != nil {
			core.LogWarn("config hot reload disabled: %s", err)
		} else {
			e.watcher = w
		}
	}

	g := e.gameInstance
	g.Config = e.config
	g.Device = e.device
	g.Jobs = e.jobs
	g.Events = e.events
	if g.FnInitialize != nil {
		if err := g.FnInitialize(); err != nil {
			return errors.Wrap(err, "initializing game")
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("%s initialized", e.config.Engine.Name)
	return nil
}

// Run drives Update, Render and SubmitCommandLists until a quit request, device loss or
// engine.max_frames submitted frames.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.AssertionFailedf("engine run in stage %s", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	maxFrames := e.config.Engine.MaxFrames
	g := e.gameInstance

	for e.isRunning.Load() {
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if g.FnUpdate != nil {
			if err := g.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err)
				return errors.Wrap(err, "game update")
			}
		}
		if g.FnRender != nil {
			if err := g.FnRender(delta); err != nil {
				core.LogError("game render failed, shutting down: %s", err)
				return errors.Wrap(err, "game render")
			}
		}
		if err := e.device.SubmitCommandLists(); err != nil {
			if core.IsDeviceLost(err) {
				return err
			}
			core.LogError("frame %d submission failed: %s", e.device.GetFrameCount(), err)
		}

		e.clock.Update()
		e.metrics.Update(e.clock.Elapsed() - currentTime)
		if n := e.metrics.TotalFrames(); n%METRICS_LOG_INTERVAL == 0 {
			fps, ms := e.metrics.Frame()
			stats := e.device.Stats()
			core.LogDebug("frame %d: %.0f fps, %.3f ms, %d submissions, %d descriptor updates",
				n, fps, ms, stats.Submissions, stats.DescriptorUpdates)
		}

		e.lastTime = currentTime
		if maxFrames != 0 && e.device.GetFrameCount() >= maxFrames {
			core.LogInfo("reached %d frames, stopping", maxFrames)
			e.isRunning.Store(false)
		}
	}

	if errp := e.fatal.Load(); errp != nil {
		return *errp
	}
	return nil
}

// RequestQuit stops Run after the current frame. Safe to call from any goroutine.
func (e *Engine) RequestQuit() {
	e.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

// Shutdown waits for the GPU and releases the game, the workers, the watcher and the device.
// Calls after the first return the first result.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.isRunning.Store(false)
		e.currentStage = EngineStageShuttingDown

		var errs error
		if g := e.gameInstance; g.FnShutdown != nil && g.Device != nil {
			if err := g.FnShutdown(); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrap(err, "shutting down game"))
			}
		}
		if e.jobs != nil {
			e.jobs.Wait()
			if err := e.jobs.Shutdown(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
			completed, failed := e.jobs.Stats()
			core.LogDebug("job system ran %d jobs, %d failed", completed, failed)
		}
		if e.watcher != nil {
			if err := e.watcher.Close(); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrap(err, "closing config watcher"))
			}
		}
		if e.device != nil {
			if err := e.device.Shutdown(); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
		e.events.Shutdown()

		fps, ms := e.metrics.Frame()
		core.LogInfo("%s stopped after %d frames (%.0f fps, %.3f ms average)",
			e.config.Engine.Name, e.metrics.TotalFrames(), fps, ms)
		e.currentStage = EngineStageUninitialized
		e.shutdownErr = errs
	})
	return e.shutdownErr
}

func (e *Engine) Stage() Stage { return e.currentStage }

func (e *Engine) Device() *device.Device { return e.device }

func (e *Engine) Events() *core.EventBus { return e.events }

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning.Store(false)
		return true
	case core.EVENT_CODE_DEVICE_LOST:
		err := errors.Mark(errors.Newf("device lost at frame %d: %s", data.Data.U64[0], data.Data.C[0]), core.ErrDeviceLost)
		e.fatal.CompareAndSwap(nil, &err)
		e.isRunning.Store(false)
		// Other listeners still get to see the loss.
		return false
	}
	return false
}
