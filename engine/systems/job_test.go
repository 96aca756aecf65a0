package systems

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-gpu/engine/renderer/metadata"
)

func TestNewJobSystemArguments(t *testing.T) {
	tests := []struct {
		workers, size int
		want          error
	}{
		{0, 1, ErrNoWorkers},
		{2, -1, ErrNegativeChannelSize},
		{2, 0, nil},
	}
	for _, tt := range tests {
		js, err := NewJobSystem(tt.workers, tt.size)
		if !errors.Is(err, tt.want) {
			t.Errorf("NewJobSystem(%d, %d) = %v, want %v", tt.workers, tt.size, err, tt.want)
		}
		if js != nil {
			_ = js.Shutdown()
		}
	}
}

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(4, 16)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	defer js.Shutdown()

	var ok, failed atomic.Int32
	boom := errors.New("boom")
	for i := 0; i < 20; i++ {
		fail := i%4 == 0
		err := js.Submit(metadata.JobTask{
			Name: "job",
			Run: func() error {
				if fail {
					return boom
				}
				return nil
			},
			OnComplete: func() { ok.Add(1) },
			OnFailure: func(err error) {
				if errors.Is(err, boom) {
					failed.Add(1)
				}
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	js.Wait()

	if ok.Load() != 15 || failed.Load() != 5 {
		t.Errorf("callbacks: %d completed, %d failed, want 15 and 5", ok.Load(), failed.Load())
	}
	if c, f := js.Stats(); c != 15 || f != 5 {
		t.Errorf("Stats = (%d, %d), want (15, 5)", c, f)
	}
}

func TestJobSystemSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 0)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	err = js.Submit(metadata.JobTask{Name: "late", Run: func() error { return nil }})
	if !errors.Is(err, ErrJobSystemClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrJobSystemClosed", err)
	}
}

func TestJobSystemNonBlockingSubmit(t *testing.T) {
	js, err := NewJobSystem(1, 0)
	if err != nil {
		t.Fatalf("NewJobSystem: %v", err)
	}
	defer js.Shutdown()

	release := make(chan struct{})
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		// The single worker blocks on release, so these cannot all be handed over yet.
		js.AddWorkNonBlocking(metadata.JobTask{
			Name: "queued",
			Run: func() error {
				<-release
				return nil
			},
			OnComplete: func() { done <- struct{}{} },
		})
	}
	close(release)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 background jobs ran", i)
		}
	}
}
