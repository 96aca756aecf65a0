package device

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

// Size of the default storage buffer.
const NULL_BUFFER_SIZE = 256

// Default resources, created first so each owns index 0 of its heap. Descriptor lookups
// that have no index fall back to them.
type nullResources struct {
	texture      *Texture
	storageImage *Texture
	buffer       *Buffer
	sampler      *Sampler
}

func (d *Device) createNullResources() error {
	var err error
	white := bytes.Repeat([]byte{0xFF}, 4)
	d.nulls.texture, err = d.CreateTexture(&gputypes.TextureDescriptor{
		Label:  "null-texture",
		Size:   gputypes.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding,
	}, [][]byte{white})
	if err != nil {
		return errors.Wrap(err, "creating default texture")
	}
	d.nulls.storageImage, err = d.CreateTexture(&gputypes.TextureDescriptor{
		Label:  "null-storage-image",
		Size:   gputypes.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageStorageBinding,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "creating default storage image")
	}
	d.nulls.buffer, err = d.CreateBuffer(&gputypes.BufferDescriptor{
		Label: "null-buffer",
		Size:  NULL_BUFFER_SIZE,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageUniform,
	}, make([]byte, NULL_BUFFER_SIZE))
	if err != nil {
		return errors.Wrap(err, "creating default buffer")
	}
	d.nulls.sampler, err = d.CreateSampler(nil)
	if err != nil {
		return errors.Wrap(err, "creating default sampler")
	}
	return nil
}

// defaultIndex returns the descriptor index of the default resource matching res and view.
func (d *Device) defaultIndex(res Resource, view metadata.ViewType) int32 {
	var fallback Resource
	switch res.(type) {
	case *Buffer:
		if d.nulls.buffer != nil {
			fallback = d.nulls.buffer
		}
	case *Sampler:
		if d.nulls.sampler != nil {
			fallback = d.nulls.sampler
		}
	case *Texture:
		if view == metadata.ViewUAV && d.nulls.storageImage != nil {
			fallback = d.nulls.storageImage
		} else if view == metadata.ViewSRV && d.nulls.texture != nil {
			fallback = d.nulls.texture
		}
	}
	if fallback == nil {
		return -1
	}
	nr, ok := d.resolve(fallback.Handle())
	if !ok {
		return -1
	}
	if view == metadata.ViewUAV {
		return nr.uav
	}
	return nr.srv
}

func (n *nullResources) release() {
	if n.texture != nil {
		n.texture.Release()
	}
	if n.storageImage != nil {
		n.storageImage.Release()
	}
	if n.buffer != nil {
		n.buffer.Release()
	}
	if n.sampler != nil {
		n.sampler.Release()
	}
	*n = nullResources{}
}
