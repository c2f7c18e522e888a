// Package config loads the yaml configuration shared by the pagesync
// binaries. A missing file is not an error: defaults apply, and the file,
// when present, overrides them field by field.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagesync/pkg/logger"
	"github.com/sushant-115/pagesync/pkg/telemetry"
)

// Server configures the admin HTTP endpoint of pagesync_server.
type Server struct {
	// ListenAddr is the admin API address.
	ListenAddr string `yaml:"listen_addr"`
	// ShutdownGraceSeconds bounds how long a stopping server waits for
	// in-flight admin requests.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// Repository configures the page lifecycle core.
type Repository struct {
	// RootDir holds page storage and the usage table.
	RootDir string `yaml:"root_dir"`
	// OpenPagesLimit caps the pages background sync may hold open; zero
	// disables background sync.
	OpenPagesLimit int `yaml:"open_pages_limit"`
	// DeleteRate and DeleteBurst pace eviction deletions per second.
	DeleteRate  float64 `yaml:"delete_rate"`
	DeleteBurst int     `yaml:"delete_burst"`
	// CleanupIntervalSeconds schedules periodic eviction passes; zero
	// disables the timer.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	// CleanupPolicy selects the eviction policy for timed passes:
	// "lru" (default) or "age".
	CleanupPolicy string `yaml:"cleanup_policy"`
	// CleanupMaxAgeHours is the age threshold of the "age" policy.
	CleanupMaxAgeHours int `yaml:"cleanup_max_age_hours"`
}

// Uplink configures the HTTP/3 marker stream toward the cloud endpoint.
type Uplink struct {
	// Enabled toggles cloud sync; when false pages never become online.
	Enabled bool `yaml:"enabled"`
	// Addr is the cloud endpoint, host:port.
	Addr string `yaml:"addr"`
	// URLPath is the marker stream path on the endpoint.
	URLPath string `yaml:"url_path"`
	// CACert is the PEM file the endpoint's certificate is verified
	// against. Empty uses the system pool.
	CACert string `yaml:"ca_cert"`
	// Connections is the number of concurrent streaming POSTs.
	Connections int `yaml:"connections"`
	// FlushIntervalMS bounds how long a partial batch may wait.
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

// Config aggregates every component's configuration.
type Config struct {
	Server     Server           `yaml:"server"`
	Repository Repository       `yaml:"repository"`
	Uplink     Uplink           `yaml:"uplink"`
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:           "127.0.0.1:8070",
			ShutdownGraceSeconds: 10,
		},
		Repository: Repository{
			RootDir:       defaultRootDir(),
			CleanupPolicy: "lru",
		},
		Uplink: Uplink{
			URLPath:         "/markers",
			Connections:     2,
			FlushIntervalMS: 50,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads the configuration at path over the defaults. An empty path
// checks PAGESYNC_CONFIG and then the default location; a file that does not
// exist yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("PAGESYNC_CONFIG")
	}
	if path == "" {
		path = filepath.Join(cfg.Repository.RootDir, "config.yaml")
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// defaultRootDir places repository state under the user's data dir, falling
// back to a fixed dot directory when the home cannot be resolved.
func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagesync"
	}
	return filepath.Join(home, ".local", "share", "pagesync")
}
