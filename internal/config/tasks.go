package config

// TasksConfig configures the plan/diet/ask request pipeline.
type TasksConfig struct {
	// TTL for per-request idempotency flags (claim/delivered/charged/...)
	DedupTTL string `yaml:"dedup_ttl"`

	// Plan flow uses its own TTL because plan requests can be retried
	// by the bot over a longer horizon
	PlanDedupTTL string `yaml:"plan_dedup_ttl"`

	// Queue retry policy
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`

	// Per-request end-to-end budget (upstream call included)
	RequestTimeout string `yaml:"request_timeout"`

	// Number of queue worker goroutines per process
	Workers int `yaml:"workers"`

	// Opt-in engine memify scheduling after successful searches
	MemifyEnabled bool `yaml:"memify_enabled"`
}

// IntegrationsConfig configures external service integrations.
type IntegrationsConfig struct {
	// Profile service (credits live there)
	Profile ProfileIntegration `yaml:"profile"`

	// Bot service (delivery callbacks)
	Bot BotIntegration `yaml:"bot"`

	// Plan / diet generation engine
	PlanEngine PlanEngineIntegration `yaml:"plan_engine"`

	// Google Drive ingestion
	GDrive GDriveIntegration `yaml:"gdrive"`
}

// ProfileIntegration points at the profile HTTP API.
type ProfileIntegration struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// BotIntegration configures the HMAC-signed callback channel.
type BotIntegration struct {
	InternalURL string `yaml:"internal_url"`
	KeyID       string `yaml:"key_id"`
	APIKey      string `yaml:"api_key"`
}

// PlanEngineIntegration points at the upstream plan/diet generator.
type PlanEngineIntegration struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// ModelConfig configures the ask-flow chat model.
type ModelConfig struct {
	// GenAI chat completion (the only supported provider for now)
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// GDriveIntegration configures the Drive folder scan and downloads.
type GDriveIntegration struct {
	FolderID        string  `yaml:"folder_id"`
	CredentialsFile string  `yaml:"credentials_file"`
	MaxRetries      int     `yaml:"max_retries"`
	InitialDelay    string  `yaml:"initial_delay"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	MaxDelay        string  `yaml:"max_delay"`
	MaxFileSizeMB   int     `yaml:"max_file_size_mb"`
}
