package testbed

import (
	"image"
	"image/color"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/engine/math"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
	"golang.org/x/image/draw"
)

const (
	CHECKER_SIZE = 256
	CHECKER_TILE = 32
)

var checkerPalettes = [][2]color.RGBA{
	{{R: 230, G: 230, B: 230, A: 255}, {R: 40, G: 40, B: 40, A: 255}},
	{{R: 250, G: 180, B: 40, A: 255}, {R: 30, G: 60, B: 120, A: 255}},
	{{R: 90, G: 200, B: 120, A: 255}, {R: 120, G: 30, B: 90, A: 255}},
}

type checkerResult struct {
	generation uint32
	mips       [][]byte
	err        error
}

func checkerboard(size, tile int, palette [2]color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, palette[(x/tile+y/tile)%2])
		}
	}
	return img
}

// buildChecker filters every mip level of a checkerboard on its own job. The finished
// chain arrives on pendingChecker once all levels have run. Without wait the jobs are queued
// in the background so a full job queue never stalls the frame.
func (g *TestGame) buildChecker(generation uint32, wait bool) error {
	base := checkerboard(CHECKER_SIZE, CHECKER_TILE, checkerPalettes[generation%uint32(len(checkerPalettes))])
	levels := math.MipLevelCount(CHECKER_SIZE, CHECKER_SIZE)

	mips := make([][]byte, levels)
	var remaining atomic.Int32
	remaining.Store(int32(levels))
	var firstErr atomic.Pointer[error]

	finish := func() {
		if remaining.Add(-1) != 0 {
			return
		}
		res := checkerResult{generation: generation, mips: mips}
		if errp := firstErr.Load(); errp != nil {
			res.err = *errp
		}
		g.state.pendingChecker <- res
	}

	for mip := uint32(0); mip < levels; mip++ {
		task := metadata.JobTask{
			Name: "checker_mip",
			Run: func() error {
				if mip == 0 {
					mips[0] = base.Pix
					return nil
				}
				size := max(CHECKER_SIZE>>mip, 1)
				level := image.NewRGBA(image.Rect(0, 0, size, size))
				draw.BiLinear.Scale(level, level.Bounds(), base, base.Bounds(), draw.Src, nil)
				if len(level.Pix) != size*size*4 {
					return errors.Newf("mip %d has %d bytes", mip, len(level.Pix))
				}
				mips[mip] = level.Pix
				return nil
			},
			OnComplete: finish,
			OnFailure: func(err error) {
				firstErr.CompareAndSwap(nil, &err)
				finish()
			},
		}
		if !wait {
			g.Jobs.AddWorkNonBlocking(task)
			continue
		}
		if err := g.Jobs.Submit(task); err != nil {
			return errors.Wrapf(err, "checkerboard mip %d", mip)
		}
	}
	return nil
}

// swapChecker uploads a finished mip chain and releases the previous texture. Frames still
// in flight keep sampling the old one until its deferred destruction.
func (g *TestGame) swapChecker(res checkerResult) error {
	tex, err := g.Device.CreateTexture(&gputypes.TextureDescriptor{
		Label:         "checkerboard",
		Size:          gputypes.Extent3D{Width: CHECKER_SIZE, Height: CHECKER_SIZE, DepthOrArrayLayers: 1},
		MipLevelCount: uint32(len(res.mips)),
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding,
	}, res.mips)
	if err != nil {
		return err
	}
	if old := g.state.checker; old != nil {
		old.Release()
	}
	g.state.checker = tex
	g.state.swaps = res.generation
	core.LogDebug("checkerboard %d uploaded with %d mips", res.generation, len(res.mips))
	return nil
}
