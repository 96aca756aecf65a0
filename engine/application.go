package engine

type ApplicationConfig struct {
	// The application name used in logs. Overrides engine.name from the config file when set.
	Name string
	// Path of the TOML configuration. Empty runs with core.DefaultConfig and no hot reload.
	ConfigPath string
	// Overrides log.level from the config file when set.
	LogLevel string
	// Overrides engine.max_frames when non-zero.
	MaxFrames uint64
}
