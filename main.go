/*
Headless demo that drives the device through the testbed game
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-gpu/engine"
	"github.com/spaghettifunk/anima-gpu/engine/core"
	"github.com/spaghettifunk/anima-gpu/testbed"
)

func main() {
	configPath := flag.String("config", "", "path of the TOML configuration")
	frames := flag.Uint64("frames", 0, "stop after this many frames (0 keeps the configured value)")
	flag.Parse()

	tb := testbed.NewTestGame(*configPath, *frames)

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("boot failed: %s", err)
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("initialization failed: %+v", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		<-sigCh
		e.RequestQuit()
	}()

	runErr := e.Run()
	if runErr != nil {
		core.LogError("run stopped: %+v", runErr)
	}
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %+v", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
