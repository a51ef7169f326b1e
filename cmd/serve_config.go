package cmd

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ServeConfig mirrors the serve flags for file-based deployments. Values
// from the file apply only where the corresponding flag was not set.
type ServeConfig struct {
	ShardTargets          []string `yaml:"shard_targets"`
	MaxInputTokens        int      `yaml:"max_input_tokens"`
	MaxTotalTokens        int      `yaml:"max_total_tokens"`
	WaitingServedRatio    float64  `yaml:"waiting_served_ratio"`
	MaxBatchPrefillTokens int      `yaml:"max_batch_prefill_tokens"`
	MaxBatchTotalTokens   int      `yaml:"max_batch_total_tokens"`
	MaxWaitingTokens      int      `yaml:"max_waiting_tokens"`
	MaxBatchSize          int      `yaml:"max_batch_size"`
	MetricsAddr           string   `yaml:"metrics_addr"`
}

// LoadServeConfig reads and parses a YAML config file.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ServeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
