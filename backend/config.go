package backend

import "fmt"

// Limits is the startup configuration surface, as parsed by the CLI layer.
// MaxBatchTotalTokens is a caller override that negotiation may disregard;
// the authoritative value lives in Config after Negotiate.
type Limits struct {
	MaxInputTokens        int
	MaxTotalTokens        int
	WaitingServedRatio    float64
	MaxBatchPrefillTokens int
	MaxBatchTotalTokens   *int
	MaxWaitingTokens      int
	MaxBatchSize          *int
}

// Validate rejects limit combinations before any shard is dialed.
func (l Limits) Validate() error {
	if l.MaxInputTokens <= 0 {
		return fmt.Errorf("max_input_tokens must be > 0, got %d", l.MaxInputTokens)
	}
	if l.MaxInputTokens >= l.MaxTotalTokens {
		return fmt.Errorf("max_input_tokens (%d) must be < max_total_tokens (%d)", l.MaxInputTokens, l.MaxTotalTokens)
	}
	if l.WaitingServedRatio <= 0 {
		return fmt.Errorf("waiting_served_ratio must be > 0, got %g", l.WaitingServedRatio)
	}
	if l.MaxBatchPrefillTokens < l.MaxInputTokens {
		return fmt.Errorf("max_batch_prefill_tokens (%d) must be >= max_input_tokens (%d)", l.MaxBatchPrefillTokens, l.MaxInputTokens)
	}
	if l.MaxWaitingTokens <= 0 {
		return fmt.Errorf("max_waiting_tokens must be > 0, got %d", l.MaxWaitingTokens)
	}
	if l.MaxBatchSize != nil && *l.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0, got %d", *l.MaxBatchSize)
	}
	return nil
}

// ShardInfo is the static metadata the shards report once at startup.
type ShardInfo struct {
	DeviceType string
	Dtype      string
	Speculate  int
}

// Config is the negotiated backend configuration. Built once by Negotiate
// and read-only for the rest of the process lifetime.
type Config struct {
	MaxInputTokens        int
	MaxTotalTokens        int
	WaitingServedRatio    float64
	MaxBatchPrefillTokens int
	// MaxBatchTotalTokens is the authoritative token budget the allocator
	// enforces. Invariant: >= MaxTotalTokens.
	MaxBatchTotalTokens int
	MaxWaitingTokens    int
	MaxBatchSize        *int
	Shard               ShardInfo
}

// Info is the record exposed upward to the API layer.
type Info struct {
	WaitingServedRatio  float64 `json:"waiting_served_ratio"`
	MaxBatchTotalTokens int     `json:"max_batch_total_tokens"`
	MaxWaitingTokens    int     `json:"max_waiting_tokens"`
	MaxBatchSize        *int    `json:"max_batch_size,omitempty"`
	ModelDeviceType     string  `json:"model_device_type"`
	ModelDtype          string  `json:"model_dtype"`
	Speculate           int     `json:"speculate"`
}

func (c Config) info() Info {
	return Info{
		WaitingServedRatio:  c.WaitingServedRatio,
		MaxBatchTotalTokens: c.MaxBatchTotalTokens,
		MaxWaitingTokens:    c.MaxWaitingTokens,
		MaxBatchSize:        c.MaxBatchSize,
		ModelDeviceType:     c.Shard.DeviceType,
		ModelDtype:          c.Shard.Dtype,
		Speculate:           c.Shard.Speculate,
	}
}
