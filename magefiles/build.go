//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

var shaderSources = []string{
	"particles.comp",
	"sprite.vert",
	"sprite.frag",
}

// Compiles the demo shaders to SPIR-V with glslc.
func (Build) Shaders() error {
	for _, src := range shaderSources {
		in := filepath.Join("assets", "shaders", src)
		if _, err := executeCmd("glslc", withArgs("--target-env=vulkan1.2", in, "-o", in+".spv"), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Builds the demo binary into bin/.
func (Build) Binary() error {
	_, err := executeCmd("go", withArgs("build", "-o", filepath.Join("bin", "anima-gpu"), "."), withStream())
	return err
}
