package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the kernel configuration
type Config struct {
	Environment   string             `toml:"environment" validate:"omitempty,oneof=development production"`
	Logging       LoggingConfig      `toml:"logging"`
	Storage       StorageConfig      `toml:"storage"`
	Queue         QueueConfig        `toml:"queue"`
	Daemons       DaemonConfig       `toml:"daemons"`
	AI            AIConfig           `toml:"ai"`
	Conversations ConversationConfig `toml:"conversations"`
	// Plugins holds opaque per-plugin configuration blocks keyed by
	// plugin ID, delivered to each plugin through its context.
	Plugins map[string]map[string]interface{} `toml:"plugins"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Output []string `toml:"output"` // "stdout", "file"
}

// StorageConfig holds paths for the three kernel databases. Each is an
// independent Badger store with its own schema version.
type StorageConfig struct {
	EntityPath       string `toml:"entity_path" validate:"required"`
	QueuePath        string `toml:"queue_path" validate:"required"`
	ConversationPath string `toml:"conversation_path" validate:"required"`
	ResetOnStartup   bool   `toml:"reset_on_startup"`
}

type QueueConfig struct {
	Concurrency  int             `toml:"concurrency" validate:"min=0"` // 0 = NumCPU
	PollInterval string          `toml:"poll_interval"`                // e.g. "250ms"
	BackoffBase  string          `toml:"backoff_base"`                 // e.g. "1s"
	BackoffCap   string          `toml:"backoff_cap"`                  // e.g. "5m"
	MaxAttempts  int             `toml:"max_attempts" validate:"min=0"`
	Retention    RetentionConfig `toml:"retention"`
}

// RetentionConfig controls how long terminal jobs are kept. The sweep
// runs on the maintenance daemon's cron schedule.
type RetentionConfig struct {
	KeepFor  string `toml:"keep_for"`  // e.g. "168h"
	MaxKept  int    `toml:"max_kept"`  // max terminal jobs retained
	Schedule string `toml:"schedule"`  // cron expression for the sweep
	StaleFor string `toml:"stale_for"` // running jobs with no heartbeat for this long are failed
}

type DaemonConfig struct {
	HealthInterval string `toml:"health_interval"` // default 30s
	StopTimeout    string `toml:"stop_timeout"`    // default 10s
	ErrorThreshold int    `toml:"error_threshold" validate:"min=0"`
}

type AIConfig struct {
	DefaultProvider string  `toml:"default_provider" validate:"omitempty,oneof=claude gemini offline"`
	ClaudeAPIKey    string  `toml:"claude_api_key"`
	ClaudeModel     string  `toml:"claude_model"`
	GeminiAPIKey    string  `toml:"gemini_api_key"`
	GeminiModel     string  `toml:"gemini_model"`
	EmbeddingModel  string  `toml:"embedding_model"`
	Temperature     float32 `toml:"temperature"`
	MaxTokens       int     `toml:"max_tokens"`
	MaxRetries      int     `toml:"max_retries" validate:"min=0"` // structured-output retries
}

type ConversationConfig struct {
	SummaryEveryMessages int    `toml:"summary_every_messages"` // default 20
	SummaryEvery         string `toml:"summary_every"`          // default "30m"
	TopicWindow          int    `toml:"topic_window"`           // default 20
	TopicOverlap         float64 `toml:"topic_overlap"`         // default 0.25
	MergeSimilarity      float64 `toml:"merge_similarity"`      // default 0.7
}

// DefaultConfig returns the built-in defaults applied before any file or
// env overrides.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Storage: StorageConfig{
			EntityPath:       "./data/entities",
			QueuePath:        "./data/queue",
			ConversationPath: "./data/conversations",
		},
		Queue: QueueConfig{
			Concurrency:  0,
			PollInterval: "250ms",
			BackoffBase:  "1s",
			BackoffCap:   "5m",
			MaxAttempts:  3,
			Retention: RetentionConfig{
				KeepFor:  "168h",
				MaxKept:  10000,
				Schedule: "*/5 * * * *",
				StaleFor: "15m",
			},
		},
		Daemons: DaemonConfig{
			HealthInterval: "30s",
			StopTimeout:    "10s",
			ErrorThreshold: 3,
		},
		AI: AIConfig{
			DefaultProvider: "offline",
			ClaudeModel:     "claude-sonnet-4-20250514",
			GeminiModel:     "gemini-2.5-flash",
			EmbeddingModel:  "gemini-embedding-001",
			Temperature:     0.2,
			MaxTokens:       4096,
			MaxRetries:      2,
		},
		Conversations: ConversationConfig{
			SummaryEveryMessages: 20,
			SummaryEvery:         "30m",
			TopicWindow:          20,
			TopicOverlap:         0.25,
			MergeSimilarity:      0.7,
		},
	}
}

// LoadFromFiles loads configuration in layers: defaults, then each file
// in order (later files override earlier ones), then environment
// variables. The result is validated before return.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the config against its struct tags.
func Validate(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies CEREBRUM_* environment variables on top of
// the file configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CEREBRUM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CEREBRUM_ENTITY_DB"); v != "" {
		config.Storage.EntityPath = v
	}
	if v := os.Getenv("CEREBRUM_QUEUE_DB"); v != "" {
		config.Storage.QueuePath = v
	}
	if v := os.Getenv("CEREBRUM_CONVERSATION_DB"); v != "" {
		config.Storage.ConversationPath = v
	}
	if v := os.Getenv("CEREBRUM_CLAUDE_API_KEY"); v != "" {
		config.AI.ClaudeAPIKey = v
	}
	if v := os.Getenv("CEREBRUM_GEMINI_API_KEY"); v != "" {
		config.AI.GeminiAPIKey = v
	}
	if v := os.Getenv("CEREBRUM_AI_PROVIDER"); v != "" {
		config.AI.DefaultProvider = v
	}
	if v := os.Getenv("CEREBRUM_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Queue.Concurrency = n
		}
	}
}

// ParseDuration parses a duration string falling back to a default when
// empty or invalid. Used for config fields stored as strings.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
