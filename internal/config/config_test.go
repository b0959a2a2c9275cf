package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "kb_global", cfg.Knowledge.GlobalDataset)
	assert.Equal(t, 30, cfg.Knowledge.RetentionDays)
	assert.Equal(t, "24h", cfg.Tasks.DedupTTL)
	assert.Equal(t, 4, cfg.Tasks.Workers)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coach.yaml")
	yaml := `
knowledge:
  storage_path: /tmp/kb
  global_dataset: kb_main
tasks:
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/kb", cfg.Knowledge.StoragePath)
	assert.Equal(t, "kb_main", cfg.Knowledge.GlobalDataset)
	assert.Equal(t, 8, cfg.Tasks.Workers)
	// Untouched sections keep defaults
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COGNEE_STORAGE_PATH", "/data/blobs")
	t.Setenv("AI_QA_MAX_RETRIES", "7")
	t.Setenv("AI_QA_RETRY_BACKOFF_S", "3")   // bare seconds
	t.Setenv("AI_QA_DEDUP_TTL", "48h")       // duration string
	t.Setenv("KB_CHAT_PROJECT_DEBOUNCE_MIN", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/data/blobs", cfg.Knowledge.StoragePath)
	assert.Equal(t, 7, cfg.Tasks.MaxRetries)
	assert.Equal(t, "3s", cfg.Tasks.RetryBackoff)
	assert.Equal(t, "48h", cfg.Tasks.DedupTTL)
	assert.Equal(t, 2, cfg.Knowledge.ChatDebounceMin)
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := Default()
	cfg.Tasks.DedupTTL = "not-a-duration"
	assert.Error(t, cfg.Validate())
}
