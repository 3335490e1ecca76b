package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so values can be written as "30s" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Reconnect controls the per-session reconnection policy.
type Reconnect struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Broadcast controls the outbound broadcast scheduler.
type Broadcast struct {
	DailyCap int      `toml:"daily_cap"`
	MinDelay Duration `toml:"min_delay"`
	MaxDelay Duration `toml:"max_delay"`
}

// Config represents the daemon configuration file.
type Config struct {
	DataDir           string    `toml:"data_dir"`
	MediaDir          string    `toml:"media_dir"`
	HistoryChunkSize  int       `toml:"history_chunk_size"`
	HeartbeatInterval Duration  `toml:"heartbeat_interval"`
	SweepInterval     Duration  `toml:"sweep_interval"`
	SettleDelay       Duration  `toml:"settle_delay"`
	Reconnect         Reconnect `toml:"reconnect"`
	Broadcast         Broadcast `toml:"broadcast"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".wagate")
	return &Config{
		DataDir:           dataDir,
		MediaDir:          filepath.Join(dataDir, "media"),
		HistoryChunkSize:  25,
		HeartbeatInterval: Duration(30 * time.Second),
		SweepInterval:     Duration(5 * time.Minute),
		SettleDelay:       Duration(2 * time.Second),
		Reconnect: Reconnect{
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(5 * time.Minute),
			MaxAttempts: 10,
		},
		Broadcast: Broadcast{
			DailyCap: 50,
			MinDelay: Duration(2 * time.Second),
			MaxDelay: Duration(5 * time.Second),
		},
	}
}

// Load reads config from the given path, layering it over Default().
// A missing file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects configurations that cannot drive the daemon.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.HistoryChunkSize <= 0 {
		return fmt.Errorf("history_chunk_size must be positive, got %d", c.HistoryChunkSize)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Broadcast.DailyCap <= 0 {
		return fmt.Errorf("broadcast.daily_cap must be positive, got %d", c.Broadcast.DailyCap)
	}
	if c.Broadcast.MinDelay <= 0 || c.Broadcast.MaxDelay < c.Broadcast.MinDelay {
		return fmt.Errorf("broadcast delays must satisfy 0 < min_delay <= max_delay")
	}
	return nil
}
