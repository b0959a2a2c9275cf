// Package config loads coach.yaml and applies environment overrides.
// Every deployment-facing knob has an env var; the yaml file is optional
// so a container can run on env vars alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all coach KB service configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Knowledge base storage and projection
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Redis connection (idempotency, hash store, queue, caches)
	Redis RedisConfig `yaml:"redis"`

	// Local indexing engine
	Engine EngineConfig `yaml:"engine"`

	// Embedding backend
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Task pipeline (plan / diet / ask flows)
	Tasks TasksConfig `yaml:"tasks"`

	// External service integrations (profile API, bot callback, GDrive)
	Integrations IntegrationsConfig `yaml:"integrations"`

	// Ask-flow chat model
	Model ModelConfig `yaml:"model"`

	// HTTP API
	HTTP HTTPConfig `yaml:"http"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	URL string `yaml:"url"` // redis://host:port/db
}

// EngineConfig configures the local indexing engine backend.
type EngineConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// HTTPConfig configures the HMAC-protected management API.
type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	RefreshUser     string `yaml:"refresh_user"`
	RefreshPassword string `yaml:"refresh_password"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Directory  string          `yaml:"directory"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Name:    "gymai-coach",
		Version: "dev",
		Knowledge: KnowledgeConfig{
			StoragePath:        "/var/lib/gymai/storage",
			GlobalDataset:      "kb_global",
			RetentionDays:      30,
			ChatDebounceMin:    5,
			AggressiveRebuild:  false,
			ProjectionTimeout:  "30s",
			SearchWarmupWindow: "300ms",
		},
		Redis:  RedisConfig{URL: "redis://localhost:6379/0"},
		Engine: EngineConfig{DatabasePath: "/var/lib/gymai/engine.db"},
		Embedding: EmbeddingConfig{
			Provider:       "none",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "RETRIEVAL_DOCUMENT",
		},
		Tasks: TasksConfig{
			DedupTTL:       "24h",
			PlanDedupTTL:   "24h",
			MaxRetries:     5,
			RetryBackoff:   "2s",
			RequestTimeout: "120s",
			Workers:        4,
			MemifyEnabled:  false,
		},
		Integrations: IntegrationsConfig{
			Profile: ProfileIntegration{BaseURL: "http://profile-svc:8000"},
			Bot: BotIntegration{
				InternalURL: "http://bot-svc:8000",
			},
			PlanEngine: PlanEngineIntegration{
				BaseURL: "http://plan-engine:8000",
				Timeout: "120s",
			},
			GDrive: GDriveIntegration{
				MaxRetries:    5,
				InitialDelay:  "1s",
				BackoffFactor: 2.0,
				MaxDelay:      "30s",
				MaxFileSizeMB: 20,
			},
		},
		Model: ModelConfig{
			GenAIModel: "gemini-2.0-flash",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the yaml file at path (if it exists), overlays it on the
// defaults and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps the deployment env vars onto the config.
func (c *Config) applyEnv() {
	setStr(&c.Redis.URL, "REDIS_URL")
	setStr(&c.Knowledge.StoragePath, "COGNEE_STORAGE_PATH")
	setStr(&c.Knowledge.GlobalDataset, "COGNEE_GLOBAL_DATASET")
	setInt(&c.Knowledge.RetentionDays, "BACKUP_RETENTION_DAYS")
	setInt(&c.Knowledge.ChatDebounceMin, "KB_CHAT_PROJECT_DEBOUNCE_MIN")

	setDur(&c.Tasks.DedupTTL, "AI_QA_DEDUP_TTL")
	setDur(&c.Tasks.PlanDedupTTL, "AI_PLAN_DEDUP_TTL")
	setInt(&c.Tasks.MaxRetries, "AI_QA_MAX_RETRIES")
	setDur(&c.Tasks.RetryBackoff, "AI_QA_RETRY_BACKOFF_S")
	setDur(&c.Tasks.RequestTimeout, "AI_COACH_TIMEOUT")

	setStr(&c.Integrations.Bot.KeyID, "INTERNAL_KEY_ID")
	setStr(&c.Integrations.Bot.APIKey, "INTERNAL_API_KEY")
	setStr(&c.Integrations.PlanEngine.BaseURL, "PLAN_ENGINE_URL")
	setStr(&c.Model.GenAIAPIKey, "GENAI_API_KEY")
	setStr(&c.Embedding.GenAIAPIKey, "GENAI_API_KEY")
	setStr(&c.HTTP.RefreshUser, "AI_COACH_REFRESH_USER")
	setStr(&c.HTTP.RefreshPassword, "AI_COACH_REFRESH_PASSWORD")

	setStr(&c.Integrations.GDrive.FolderID, "GDRIVE_FOLDER_ID")
	setStr(&c.Integrations.GDrive.CredentialsFile, "GDRIVE_CREDENTIALS_FILE")
	setInt(&c.Integrations.GDrive.MaxRetries, "GDRIVE_DOWNLOAD_MAX_RETRIES")
	setStr(&c.Integrations.GDrive.InitialDelay, "GDRIVE_DOWNLOAD_INITIAL_DELAY")
	setFloat(&c.Integrations.GDrive.BackoffFactor, "GDRIVE_DOWNLOAD_BACKOFF_FACTOR")
	setStr(&c.Integrations.GDrive.MaxDelay, "GDRIVE_DOWNLOAD_MAX_DELAY")
	setInt(&c.Integrations.GDrive.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
}

// Validate checks values that would otherwise fail deep inside a worker.
func (c *Config) Validate() error {
	if c.Knowledge.StoragePath == "" {
		return fmt.Errorf("knowledge.storage_path is required")
	}
	if c.Knowledge.GlobalDataset == "" {
		return fmt.Errorf("knowledge.global_dataset is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if _, err := time.ParseDuration(c.Tasks.DedupTTL); err != nil {
		return fmt.Errorf("tasks.dedup_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.Tasks.RetryBackoff); err != nil {
		return fmt.Errorf("tasks.retry_backoff: %w", err)
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive")
	}
	return nil
}

// LoggingOptions converts the logging section for logging.Initialize.
func (c *Config) LoggingOptions() (dir string, debug bool, categories map[string]bool, level string, jsonFormat bool) {
	return c.Logging.Directory, c.Logging.DebugMode, c.Logging.Categories, c.Logging.Level, c.Logging.JSONFormat
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// setDur accepts either a Go duration string or a bare number of seconds,
// matching how the deployment exports AI_QA_RETRY_BACKOFF_S and friends.
func setDur(dst *string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if _, err := time.ParseDuration(v); err == nil {
		*dst = v
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = (time.Duration(n * float64(time.Second))).String()
	}
}

// MustDuration parses a duration field that Validate already vetted.
func MustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
