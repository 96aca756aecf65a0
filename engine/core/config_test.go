package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("[device]\nbuffer_count = 3\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Device.BufferCount != 3 {
		t.Errorf("buffer_count = %d, want 3", cfg.Device.BufferCount)
	}
	def := DefaultConfig()
	if cfg.Device.Backend != def.Device.Backend || cfg.Bindless != def.Bindless || cfg.Copy != def.Copy {
		t.Errorf("missing keys did not keep their defaults: %+v", cfg)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[device\n"},
		{"buffer count zero", "[device]\nbuffer_count = 0\n"},
		{"buffer count too high", "[device]\nbuffer_count = 5\n"},
		{"backend", "[device]\nbackend = \"metal\"\n"},
		{"workers", "[engine]\nworkers = 0\n"},
		{"staging", "[copy]\nmin_staging_size = 0\n"},
		{"linear allocator", "[frame]\nlinear_allocator_size = 0\n"},
		{"bindless zero", "[bindless]\nsamplers = 0\n"},
		{"log level", "[log]\nlevel = \"loud\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("ParseConfig = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidateClampsBindless(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bindless.StorageBuffers = BINDLESS_MAX_CAPACITY * 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Bindless.StorageBuffers != BINDLESS_MAX_CAPACITY {
		t.Errorf("storage_buffers = %d, want %d", cfg.Bindless.StorageBuffers, BINDLESS_MAX_CAPACITY)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("LoadConfig on a missing file succeeded")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Error("a missing file is not an invalid config")
	}
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anima.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"error\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	events := NewEventBus()
	fired := make(chan string, 8)
	events.Register(EVENT_CODE_CONFIG_RELOADED, t, func(_ SystemEventCode, _ interface{}, _ interface{}, data EventContext) bool {
		fired <- data.Data.C[0]
		return true
	})
	reloaded := make(chan *Config, 8)
	w, err := NewConfigWatcher(path, initial, events, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewConfigWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[log]\nlevel = \"error\"\n[engine]\nname = \"reloaded\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			// A write may surface as several events; wait for the complete file.
			if cfg.Engine.Name != "reloaded" {
				continue
			}
			if w.Current() != cfg {
				t.Error("Current does not return the reloaded config")
			}
			select {
			case p := <-fired:
				if filepath.Clean(p) != filepath.Clean(path) {
					t.Errorf("reload event path = %q", p)
				}
			case <-deadline:
				t.Fatal("no CONFIG_RELOADED event")
			}
			return
		case <-deadline:
			t.Fatal("config not reloaded")
		}
	}
}
