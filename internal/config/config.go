// Package config loads the layered service configuration.
// Order: defaults -> config.yml -> config.local.yml -> env overrides -> Validate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"syncbridge/internal/sync/types"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueueConfig    `yaml:"queue"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Storage  StorageConfig  `yaml:"storage"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Mappings MappingsConfig `yaml:"mappings"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface (webhooks + ops API).
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// WebhookSecret is the shared HMAC-SHA256 secret both remote systems
	// sign webhook bodies with. Empty disables verification (dev only).
	WebhookSecret string `yaml:"webhook_secret"`

	// JWTSecret signs/verifies ops API bearer tokens. Empty disables auth.
	JWTSecret string `yaml:"jwt_secret"`

	ReadTimeout  types.Duration `yaml:"read_timeout"`
	WriteTimeout types.Duration `yaml:"write_timeout"`
}

// EngineConfig configures the sync engine.
type EngineConfig struct {
	// OverlapWindow is the span within which both sides' edits to the
	// same key are considered potentially concurrent.
	OverlapWindow types.Duration `yaml:"overlap_window"`
}

// QueueConfig configures the sync operation queue.
type QueueConfig struct {
	Workers        int            `yaml:"workers"`
	MaxAttempts    int            `yaml:"max_attempts"`
	InitialBackoff types.Duration `yaml:"initial_backoff"`
	MaxBackoff     types.Duration `yaml:"max_backoff"`
	// WriteTimeout bounds a single remote write attempt.
	WriteTimeout types.Duration `yaml:"write_timeout"`
	// PurgeAfter bounds the audit retention of terminal operations.
	PurgeAfter     types.Duration `yaml:"purge_after"`
	ChannelBufSize int            `yaml:"channel_buf_size"`
}

// DedupConfig configures the webhook deduplicator.
type DedupConfig struct {
	// SuppressionTTL is how long an echo-suppression fingerprint lives.
	// It must exceed the expected webhook round-trip but stay short
	// enough not to block legitimate same-key edits.
	SuppressionTTL types.Duration `yaml:"suppression_ttl"`
	// DeliveryRetention is the window for literal-duplicate detection.
	DeliveryRetention types.Duration `yaml:"delivery_retention"`
	SweepInterval     types.Duration `yaml:"sweep_interval"`
	// FingerprintPayloadHash folds a payload content hash into
	// suppression fingerprints.
	FingerprintPayloadHash bool `yaml:"fingerprint_payload_hash"`
}

// StorageConfig selects the durable store for operations and dedup entries.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory, mongo
	Mongo   MongoConfig `yaml:"mongo"`
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// PubSubConfig selects the queue transport.
type PubSubConfig struct {
	Backend    string `yaml:"backend"` // memory, nats
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"`
}

// MappingsConfig locates the declared sync mapping set.
type MappingsConfig struct {
	File string `yaml:"file"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  types.Duration(15 * time.Second),
			WriteTimeout: types.Duration(30 * time.Second),
		},
		Engine: EngineConfig{
			OverlapWindow: types.Duration(5 * time.Second),
		},
		Queue: QueueConfig{
			Workers:        16,
			MaxAttempts:    5,
			InitialBackoff: types.Duration(time.Second),
			MaxBackoff:     types.Duration(time.Minute),
			WriteTimeout:   types.Duration(10 * time.Second),
			PurgeAfter:     types.Duration(7 * 24 * time.Hour),
			ChannelBufSize: 100,
		},
		Dedup: DedupConfig{
			SuppressionTTL:    types.Duration(1500 * time.Millisecond),
			DeliveryRetention: types.Duration(10 * time.Minute),
			SweepInterval:     types.Duration(time.Minute),
		},
		Storage: StorageConfig{
			Backend: "memory",
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "syncbridge",
			},
		},
		PubSub: PubSubConfig{
			Backend:    "memory",
			URL:        "nats://localhost:4222",
			StreamName: "SYNC_OPS",
		},
		Mappings: MappingsConfig{
			File: "config/mappings.yml",
		},
		Logging: DefaultLoggingConfig(),
	}
}

// Load reads configuration from configDir, applying the layering order.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	cfg.applyEnvOverrides()

	if !filepath.IsAbs(cfg.Mappings.File) && cfg.Mappings.File != "" {
		if _, err := os.Stat(cfg.Mappings.File); os.IsNotExist(err) {
			alt := filepath.Join(configDir, filepath.Base(cfg.Mappings.File))
			if _, err := os.Stat(alt); err == nil {
				cfg.Mappings.File = alt
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return // Missing files are fine, layering is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error parsing %s: %v\n", filename, err)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNCBRIDGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SYNCBRIDGE_WEBHOOK_SECRET"); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := os.Getenv("SYNCBRIDGE_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("SYNCBRIDGE_MONGO_URI"); v != "" {
		c.Storage.Mongo.URI = v
	}
	if v := os.Getenv("SYNCBRIDGE_NATS_URL"); v != "" {
		c.PubSub.URL = v
	}
	if v := os.Getenv("SYNCBRIDGE_MAPPINGS_FILE"); v != "" {
		c.Mappings.File = v
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if time.Duration(c.Dedup.SuppressionTTL) <= 0 {
		return fmt.Errorf("dedup.suppression_ttl must be positive")
	}
	if time.Duration(c.Dedup.DeliveryRetention) <= 0 {
		return fmt.Errorf("dedup.delivery_retention must be positive")
	}
	switch c.Storage.Backend {
	case "memory":
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory or mongo)", c.Storage.Backend)
	}
	switch c.PubSub.Backend {
	case "memory":
	case "nats":
		if c.PubSub.URL == "" {
			return fmt.Errorf("pubsub.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("invalid pubsub.backend: %s (must be memory or nats)", c.PubSub.Backend)
	}
	return c.Logging.Validate()
}
