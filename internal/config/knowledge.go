package config

// KnowledgeConfig configures the per-profile knowledge base subsystem.
type KnowledgeConfig struct {
	// Root directory for content-addressed text blobs (text_<sha256>.txt)
	StoragePath string `yaml:"storage_path"`

	// Alias of the shared global dataset
	GlobalDataset string `yaml:"global_dataset"`

	// Retention window for hash-store dedup entries, in days
	RetentionDays int `yaml:"retention_days"`

	// Debounce for chat dataset projection, in minutes
	ChatDebounceMin int `yaml:"chat_debounce_min"`

	// When true, ensure_projected escalates to a full KB rebuild after
	// heal attempts are exhausted
	AggressiveRebuild bool `yaml:"aggressive_rebuild"`

	// Upper bound for a single projection wait
	ProjectionTimeout string `yaml:"projection_timeout"`

	// How long search is willing to wait warming up the global dataset
	SearchWarmupWindow string `yaml:"search_warmup_window"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local), GenAI (cloud) and "none" (keyword-only search).
type EmbeddingConfig struct {
	// Provider: "ollama", "genai" or "none"
	Provider string `yaml:"provider"`

	// Ollama Configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI Configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// TaskType for GenAI embeddings:
	// SEMANTIC_SIMILARITY, RETRIEVAL_DOCUMENT, RETRIEVAL_QUERY, ...
	TaskType string `yaml:"task_type"`
}
