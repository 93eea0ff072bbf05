package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
// Priority: defaults -> config file(s) -> environment variables -> CLI flags.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Output      OutputConfig     `toml:"output"`
	Catalog     CatalogConfig    `toml:"catalog"`
	Dispatcher  DispatcherConfig `toml:"dispatcher"`
	Monitor     MonitorConfig    `toml:"monitor"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Auth        AuthConfig       `toml:"auth"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig locates the directory holding the three independent Badger
// stores (queue/, catalog/, registry/).
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// QueuePath returns the queue store directory.
func (s StorageConfig) QueuePath() string { return filepath.Join(s.Dir, "queue") }

// CatalogPath returns the catalog store directory.
func (s StorageConfig) CatalogPath() string { return filepath.Join(s.Dir, "catalog") }

// RegistryPath returns the registry store directory (backends + API keys).
func (s StorageConfig) RegistryPath() string { return filepath.Join(s.Dir, "registry") }

// OutputConfig locates the directory generated images are written to.
type OutputConfig struct {
	Dir string `toml:"dir"`
}

type CatalogConfig struct {
	RootDir       string `toml:"root_dir"`        // Local model tree to scan
	ScanOnStartup bool   `toml:"scan_on_startup"` // Run a scan during app init
	ScanSchedule  string `toml:"scan_schedule"`   // Cron expression for periodic rescans (empty = disabled)
	// PathHints maps a backend alias to the model root path advertised for it.
	PathHints map[string]string `toml:"path_hints"`
}

type DispatcherConfig struct {
	ClaimInterval       string `toml:"claim_interval"`        // e.g. "500ms" - idle-scan interval per backend
	RegistryRefresh     string `toml:"registry_refresh"`      // e.g. "5s" - backend set re-read interval
	UnknownBackendGrace string `toml:"unknown_backend_grace"` // e.g. "30s" - grace before failing jobs for unknown aliases
	// RetryRequeue re-queues submit-phase failures instead of failing them,
	// bumping the job's retry count. Disabled by default; operators resubmit.
	RetryRequeue bool `toml:"retry_requeue"`
	MaxRetries   int  `toml:"max_retries"`
}

type MonitorConfig struct {
	PollInterval      string `toml:"poll_interval"`       // e.g. "1s"
	MaxSubmitRetries  int    `toml:"max_submit_retries"`  // default 5
	MaxPollFailures   int    `toml:"max_poll_failures"`   // consecutive, default 10
	MaxCollectRetries int    `toml:"max_collect_retries"` // default 3
	BackoffBase       string `toml:"backoff_base"`        // e.g. "1s"
	BackoffCap        string `toml:"backoff_cap"`         // e.g. "30s"
	MinDeadline       string `toml:"min_deadline"`        // wall-clock floor, e.g. "10m"
}

type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // Min interval between job_progress broadcasts (empty = no throttling)
	IdleTimeout      string `toml:"idle_timeout"`      // Close connections with no heartbeat past this, e.g. "60s"
	BufferSize       int    `toml:"buffer_size"`       // Per-subscriber event buffer
}

type AuthConfig struct {
	RequireAPIKey bool `toml:"require_api_key"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("STABLEQUEUE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("STABLEQUEUE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("STABLEQUEUE_HOST"); host != "" {
		config.Server.Host = host
	}
	if dir := os.Getenv("STABLEQUEUE_STORAGE_DIR"); dir != "" {
		config.Storage.Dir = dir
	}
	if dir := os.Getenv("STABLEQUEUE_OUTPUT_DIR"); dir != "" {
		config.Output.Dir = dir
	}
	if dir := os.Getenv("STABLEQUEUE_CATALOG_ROOT"); dir != "" {
		config.Catalog.RootDir = dir
	}
	if level := os.Getenv("STABLEQUEUE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Per-backend path hints: STABLEQUEUE_PATH_HINT_<ALIAS>=/path
	for _, kv := range os.Environ() {
		const prefix = "STABLEQUEUE_PATH_HINT_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := kv[len(prefix):]
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			continue
		}
		if config.Catalog.PathHints == nil {
			config.Catalog.PathHints = make(map[string]string)
		}
		alias := strings.ToLower(rest[:eq])
		config.Catalog.PathHints[alias] = rest[eq+1:]
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority).
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// DurationOr parses a duration string, falling back to def on empty or
// malformed input. Config duration fields are strings so TOML and env
// overrides share one representation.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development") || strings.EqualFold(c.Environment, "dev")
}
