package testbed

import (
	m "math"

	"github.com/spaghettifunk/anima-gpu/engine/renderer/software"
)

// Entry point of the particle update shader. The software backend runs updateParticles for it.
const PARTICLES_ENTRY = "update_particles"

// updateParticles mirrors assets/shaders/particles.comp.
func updateParticles(ctx *software.KernelContext) {
	frame, count := ctx.Push(0), ctx.Push(1)
	out := ctx.UAV(0)
	n := min(count, ctx.Groups[0]*PARTICLE_GROUP_SIZE, uint32(len(out))/PARTICLE_STRIDE)
	for i := uint32(0); i < n; i++ {
		t := float64(frame)*0.01 + float64(i)*0.37
		_, frac := m.Modf(float64(i) * 0.618034)
		r := 0.2 + 0.8*frac
		putVec4(out[i*PARTICLE_STRIDE:], float32(r*m.Cos(t)), float32(r*m.Sin(t)), 0, 1)
	}
}
