// Package config holds the tunables an embedding application sets when it
// constructs a supervisor. There is no CLI, environment-variable, or
// persisted-state surface on the guest-facing product (spec.md §6); this is
// the one ambient configuration concern that remains: the Go-level
// construction API itself.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the defaults a Supervisor is built with.
type Config struct {
	// OverlayBaseDir is the root under which per-sandbox overlay trees are
	// created (spec.md §6: "/tmp/.bvisor/sb/<uid>"). Overridable for tests.
	OverlayBaseDir string `toml:"overlay_base_dir"`

	// BootstrapFetchMaxRetries is a retry bound for the descriptor-fetch
	// polling loop in the Interception Bootstrap (spec.md §4.1). pkg/bootstrap
	// does not read this field; its loop uses the package's own fixed bound
	// (fetchAttempts).
	BootstrapFetchMaxRetries uint64 `toml:"bootstrap_fetch_max_retries"`

	// BootstrapFetchInitialInterval is a first backoff interval between
	// descriptor-fetch attempts. pkg/bootstrap does not read this field; its
	// loop uses the package's own fixed interval (fetchInitialWait).
	BootstrapFetchInitialInterval time.Duration `toml:"bootstrap_fetch_initial_interval"`

	// MaxFDsPerProcess bounds an FD table's size before openat fails with
	// ErrFDTableFull.
	MaxFDsPerProcess int `toml:"max_fds_per_process"`

	// MaxWriteChunk is the per-call buffer size used by write/writev
	// handlers (spec.md §4.9: "max 4 KiB per call").
	MaxWriteChunk int `toml:"max_write_chunk"`

	// MaxIovecs bounds readv/writev's iovec count (spec.md §8: "more than
	// the maximum iovec count (16) processes only the first 16").
	MaxIovecs int `toml:"max_iovecs"`

	// LogLevel is passed to bvlog.SetLevel by supervisor.New when non-empty.
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration this repository was designed against.
func Default() Config {
	return Config{
		OverlayBaseDir:                "/tmp/.bvisor/sb",
		BootstrapFetchMaxRetries:      20,
		BootstrapFetchInitialInterval: 500 * time.Microsecond,
		MaxFDsPerProcess:              1024,
		MaxWriteChunk:                 4096,
		MaxIovecs:                     16,
		LogLevel:                      "info",
	}
}

// Load reads a TOML file, overlaying its values onto Default(). Intended for
// test fixtures and example embedders that prefer a file to struct literals.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
