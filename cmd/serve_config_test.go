package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServeConfig_ParsesAllFields(t *testing.T) {
	// GIVEN a config file on disk
	path := filepath.Join(t.TempDir(), "serve.yaml")
	content := `
shard_targets:
  - localhost:50051
  - localhost:50052
max_input_tokens: 2048
max_total_tokens: 4096
waiting_served_ratio: 1.2
max_batch_prefill_tokens: 8192
max_batch_total_tokens: 65536
max_waiting_tokens: 10
max_batch_size: 32
metrics_addr: ":9100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// WHEN it is loaded
	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)

	// THEN every field carries the file's value
	assert.Equal(t, []string{"localhost:50051", "localhost:50052"}, cfg.ShardTargets)
	assert.Equal(t, 2048, cfg.MaxInputTokens)
	assert.Equal(t, 4096, cfg.MaxTotalTokens)
	assert.Equal(t, 1.2, cfg.WaitingServedRatio)
	assert.Equal(t, 8192, cfg.MaxBatchPrefillTokens)
	assert.Equal(t, 65536, cfg.MaxBatchTotalTokens)
	assert.Equal(t, 10, cfg.MaxWaitingTokens)
	assert.Equal(t, 32, cfg.MaxBatchSize)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestLoadServeConfig_MissingFileFails(t *testing.T) {
	_, err := LoadServeConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadServeConfig_MalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_input_tokens: [not a number"), 0o644))
	_, err := LoadServeConfig(path)
	assert.Error(t, err)
}
