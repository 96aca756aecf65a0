package renderer

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/device"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/software"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/vulkan"
)

type RendererType uint8

const (
	Software RendererType = iota
	Vulkan
)

func (t RendererType) String() string {
	if t == Vulkan {
		return "vulkan"
	}
	return "software"
}

func ParseRendererType(name string) (RendererType, error) {
	switch name {
	case "software", "":
		return Software, nil
	case "vulkan":
		return Vulkan, nil
	}
	return Software, errors.Wrapf(core.ErrUnsupported, "renderer backend %q", name)
}

// NewBackend returns an uninitialized backend; device.New initializes it.
func NewBackend(name string) (metadata.Backend, error) {
	t, err := ParseRendererType(name)
	if err != nil {
		return nil, err
	}
	switch t {
	case Vulkan:
		return vulkan.New(), nil
	default:
		return software.New(), nil
	}
}

// NewDevice builds the backend named by cfg and a device on top of it.
func NewDevice(cfg *core.Config, events *core.EventBus) (*device.Device, error) {
	backend, err := NewBackend(cfg.Device.Backend)
	if err != nil {
		return nil, err
	}
	if vb, ok := backend.(*vulkan.VulkanBackend); ok && cfg.Device.Validation {
		vb.EnableValidationLayers()
	}
	d, err := device.New(backend, cfg, events)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s device", backend.Name())
	}
	return d, nil
}
