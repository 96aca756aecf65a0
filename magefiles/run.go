//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the headless demo. ANIMA_CONFIG selects the TOML config, ANIMA_FRAMES the frame count.
func (Run) Demo() error {
	args := []string{"run", "."}
	if cfg := os.Getenv("ANIMA_CONFIG"); cfg != "" {
		args = append(args, "-config", cfg)
		if backend, err := configBackend(cfg); err == nil && backend == "vulkan" {
			mg.Deps(Build.Shaders)
		}
	}
	if frames := os.Getenv("ANIMA_FRAMES"); frames != "" {
		args = append(args, "-frames", frames)
	}
	fmt.Println("Run demo...")
	_, err := executeCmd("go", withArgs(args...), withStream())
	return err
}
