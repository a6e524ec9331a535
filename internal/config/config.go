// Package config loads hoardd's configuration: a Go struct mirroring the
// reference daemon's nested DEFAULT_CONFIG, merged with an optional
// config.yaml via viper's layered loading, then validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SecurityConfig controls auth, rate limiting, and the admin shortcut.
type SecurityConfig struct {
	ServerSecret        string            `mapstructure:"server_secret"`
	BcryptCost          int               `mapstructure:"bcrypt_cost"`
	DefaultRateLimit    int               `mapstructure:"default_rate_limit_per_hour"`
	Tokens              map[string]string `mapstructure:"tokens"` // name -> token, bootstrapped at startup
}

// RateLimitsConfig tunes the in-process sliding-window request and quota
// limiters that sit alongside (not instead of) a memory token's own
// rate_limit_per_hour write budget.
type RateLimitsConfig struct {
	SearchRequestsPerMinute int `mapstructure:"search_requests_per_minute"`
	GetRequestsPerMinute    int `mapstructure:"get_requests_per_minute"`
	ChunksReturnedPerHour   int `mapstructure:"chunks_returned_per_hour"`
	BytesReturnedPerHour    int `mapstructure:"bytes_returned_per_hour"`
}

// ConnectorConfig is one statically configured ingest source.
type ConnectorConfig struct {
	Type string            `mapstructure:"type"`
	Name string            `mapstructure:"name"`
	Opts map[string]string `mapstructure:"opts"`
}

// SyncConfig controls the sync scheduler and the optional fsnotify watcher.
type SyncConfig struct {
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	WatcherEnabled  bool `mapstructure:"watcher_enabled"`
}

// MemoryConfig controls slot validation and proposal TTLs.
type MemoryConfig struct {
	OnInvalidSlot      string `mapstructure:"on_invalid_slot"` // "reject" | "drop"
	DefaultProposalTTL int    `mapstructure:"default_proposal_ttl_days"`
	MaxProposalTTL     int    `mapstructure:"max_proposal_ttl_days"`
}

// DuplicatesConfig tunes the background worker's duplicate-memory
// detection.
type DuplicatesConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// SearchConfig tunes the hybrid-ranking weights.
type SearchConfig struct {
	WeightFTS        float64 `mapstructure:"weight_fts"`
	WeightVector     float64 `mapstructure:"weight_vector"`
	SlotMatchBonus   float64 `mapstructure:"slot_match_bonus"`
	SlotOnlyBaseline float64 `mapstructure:"slot_only_baseline"`
	RRFK             int     `mapstructure:"rrf_k"`
}

// ServerConfig controls the RPC transports.
type ServerConfig struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	StdioEnabled bool  `mapstructure:"stdio_enabled"`
}

// VectorsANNConfig controls the optional sqlite-vec ANN index.
type VectorsANNConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// VectorsConfig wraps the embedding dimension and ANN sub-config.
type VectorsConfig struct {
	Dimensions int              `mapstructure:"dimensions"`
	ANN        VectorsANNConfig `mapstructure:"ann"`
}

// WorkerConfig controls the background worker's polling and lease tuning.
type WorkerConfig struct {
	PollIntervalMS        int `mapstructure:"poll_interval_ms"`
	JobTimeoutSeconds     int `mapstructure:"job_timeout_seconds"`
	LeaseDurationSeconds  int `mapstructure:"lease_duration_seconds"`
	HeartbeatIntervalSecs int `mapstructure:"heartbeat_interval_seconds"`
	MaxRetries            int `mapstructure:"max_retries"`
}

// WriteConfig groups the write-path tuning knobs (database + worker).
type WriteConfig struct {
	BusyTimeoutMS int          `mapstructure:"busy_timeout_ms"`
	LockDeadlineMS int         `mapstructure:"lock_deadline_ms"`
	Worker        WorkerConfig `mapstructure:"worker"`
}

// MCPConfig names the dispatcher-facing toggles.
type MCPConfig struct {
	LogLegacyAliasUse bool `mapstructure:"log_legacy_alias_use"`
}

// ObservabilityConfig controls the trimmed OpenTelemetry metrics surface.
type ObservabilityConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// StorageConfig names the on-disk database path.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ArtifactsConfig names the on-disk log file path.
type ArtifactsConfig struct {
	LogPath string `mapstructure:"log_path"`
}

// Config is the complete daemon configuration tree.
type Config struct {
	Security      SecurityConfig      `mapstructure:"security"`
	RateLimits    RateLimitsConfig    `mapstructure:"rate_limits"`
	Connectors    []ConnectorConfig   `mapstructure:"connectors"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Duplicates    DuplicatesConfig    `mapstructure:"duplicates"`
	Search        SearchConfig        `mapstructure:"search"`
	Server        ServerConfig        `mapstructure:"server"`
	Vectors       VectorsConfig       `mapstructure:"vectors"`
	Write         WriteConfig         `mapstructure:"write"`
	MCP           MCPConfig           `mapstructure:"mcp"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

// DataDir resolves the daemon's data directory: $HOARD_DATA_DIR, falling
// back to ~/.hoard.
func DataDir() (string, error) {
	if d := os.Getenv("HOARD_DATA_DIR"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".hoard"), nil
}

// Default returns the documented built-in defaults, equivalent to the
// reference daemon's DEFAULT_CONFIG, before any config.yaml is merged.
func Default() Config {
	dataDir, _ := DataDir()
	return Config{
		Security: SecurityConfig{
			ServerSecret:     os.Getenv("HOARD_SERVER_SECRET"),
			BcryptCost:       10,
			DefaultRateLimit: 120,
			Tokens:           map[string]string{},
		},
		RateLimits: RateLimitsConfig{
			SearchRequestsPerMinute: 30,
			GetRequestsPerMinute:    120,
			ChunksReturnedPerHour:   2000,
			BytesReturnedPerHour:    20_000_000,
		},
		Sync: SyncConfig{
			IntervalSeconds: 300,
			WatcherEnabled:  false,
		},
		Memory: MemoryConfig{
			OnInvalidSlot:      "reject",
			DefaultProposalTTL: 7,
			MaxProposalTTL:     30,
		},
		Duplicates: DuplicatesConfig{
			SimilarityThreshold: 0.85,
		},
		Search: SearchConfig{
			WeightFTS:        0.4,
			WeightVector:     0.6,
			SlotMatchBonus:   0.1,
			SlotOnlyBaseline: 0.5,
			RRFK:             60,
		},
		Server: ServerConfig{
			HTTPAddr:     "127.0.0.1:8420",
			StdioEnabled: true,
		},
		Vectors: VectorsConfig{
			Dimensions: 256,
			ANN:        VectorsANNConfig{Enabled: false},
		},
		Write: WriteConfig{
			BusyTimeoutMS:  5000,
			LockDeadlineMS: 30000,
			Worker: WorkerConfig{
				PollIntervalMS:        1000,
				JobTimeoutSeconds:     60,
				LeaseDurationSeconds:  60,
				HeartbeatIntervalSecs: 30,
				MaxRetries:            3,
			},
		},
		MCP: MCPConfig{LogLegacyAliasUse: true},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
		},
		Artifacts: ArtifactsConfig{
			LogPath: filepath.Join(dataDir, "hoard.log"),
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "hoard.db"),
		},
	}
}

// Load reads config.yaml (if present) from dataDir and merges it over
// Default() using viper, returning the merged, unmarshalled Config.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.Storage.Path = filepath.Join(dataDir, "hoard.db")
		cfg.Artifacts.LogPath = filepath.Join(dataDir, "hoard.log")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dataDir != "" {
		v.AddConfigPath(dataDir)
	}
	v.SetEnvPrefix("HOARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil // no config.yaml: pure defaults
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints Default() alone can't enforce
// (e.g. a user-supplied config.yaml with a blank storage path).
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Memory.OnInvalidSlot != "reject" && c.Memory.OnInvalidSlot != "drop" {
		return fmt.Errorf("memory.on_invalid_slot must be %q or %q, got %q", "reject", "drop", c.Memory.OnInvalidSlot)
	}
	if c.Vectors.Dimensions <= 0 {
		return fmt.Errorf("vectors.dimensions must be positive")
	}
	return nil
}
