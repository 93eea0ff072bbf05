// Package common provides shared configuration, logging, and error types.
package common

// NewDefaultConfig returns the default configuration. This is the single
// source of truth for default values; config files and environment variables
// override it.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port: 8083,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			Dir: "./data",
		},
		Output: OutputConfig{
			Dir: "./outputs",
		},
		Catalog: CatalogConfig{
			RootDir:       "./models",
			ScanOnStartup: true,
			ScanSchedule:  "", // periodic rescans disabled unless configured
		},
		Dispatcher: DispatcherConfig{
			ClaimInterval:       "500ms",
			RegistryRefresh:     "5s",
			UnknownBackendGrace: "30s",
			RetryRequeue:        false,
			MaxRetries:          3,
		},
		Monitor: MonitorConfig{
			PollInterval:      "1s",
			MaxSubmitRetries:  5,
			MaxPollFailures:   10,
			MaxCollectRetries: 3,
			BackoffBase:       "1s",
			BackoffCap:        "30s",
			MinDeadline:       "10m",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "250ms",
			IdleTimeout:      "60s",
			BufferSize:       64,
		},
		Auth: AuthConfig{
			RequireAPIKey: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}
