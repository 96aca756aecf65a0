package engine

import (
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/device"
	"github.com/spaghettifunk/anima-gpu/engine/systems"
)

/**
 * @brief The callbacks and state of an application driven by the Engine. Device, Jobs,
 * Events and Config are filled in by the engine before FnInitialize runs.
 */
type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}

	Config *core.Config
	Device *device.Device
	Jobs   *systems.JobSystem
	Events *core.EventBus

	FnBoot       Boot
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnShutdown   Shutdown
}

type Boot func() error
type Initialize func() error
type Update func(deltaTime float64) error

// Render records the frame's command lists. The engine submits them afterwards.
type Render func(deltaTime float64) error
type Shutdown func() error
