// Startup capacity negotiation: a one-shot, strictly ordered protocol that
// derives the authoritative token budget the allocator enforces for the
// life of the process. Any failure at any step aborts startup; there is no
// partial-success state and no retry.

package backend

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/InferenceNexus/text-generation-inference/client"
)

// ConnectBackend validates limits, dials the shard group, negotiates the
// token budget and returns a running Backend together with its Info record.
func ConnectBackend(ctx context.Context, targets []string, limits Limits) (*Backend, Info, error) {
	if err := limits.Validate(); err != nil {
		return nil, Info{}, err
	}
	sc, err := client.ConnectSharded(targets)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	cfg, err := Negotiate(ctx, sc, limits)
	if err != nil {
		_ = sc.Close()
		return nil, Info{}, err
	}
	b := New(sc, cfg)
	logrus.Infof("backend ready on %s (%s), max batch total tokens %d",
		cfg.Shard.DeviceType, cfg.Shard.Dtype, cfg.MaxBatchTotalTokens)
	return b, b.Info(), nil
}

// Negotiate runs steps 2-6 of the startup protocol against an established
// shard connection: clear stale cache, fetch shard metadata, probe capacity
// with a warmup call, and resolve the authoritative budget.
func Negotiate(ctx context.Context, sc client.ShardClient, limits Limits) (Config, error) {
	// Clear any residue from a prior process.
	if err := sc.ClearCache(ctx, nil); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	info, err := sc.Info(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInfo, err)
	}

	logrus.Info("warming up model")
	warmup := &client.WarmupRequest{
		MaxInputTokens:        uint32(limits.MaxInputTokens),
		MaxBatchPrefillTokens: uint32(limits.MaxBatchPrefillTokens),
		MaxTotalTokens:        uint32(limits.MaxTotalTokens),
	}
	if limits.MaxBatchSize != nil {
		v := uint32(*limits.MaxBatchSize)
		warmup.MaxBatchSize = &v
	}
	hint, err := sc.Warmup(ctx, warmup)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrWarmup, err)
	}

	budget, err := resolveBudget(limits, hint)
	if err != nil {
		return Config{}, err
	}
	logrus.Infof("setting max batch total tokens to %d", budget)

	return Config{
		MaxInputTokens:        limits.MaxInputTokens,
		MaxTotalTokens:        limits.MaxTotalTokens,
		WaitingServedRatio:    limits.WaitingServedRatio,
		MaxBatchPrefillTokens: limits.MaxBatchPrefillTokens,
		MaxBatchTotalTokens:   budget,
		MaxWaitingTokens:      limits.MaxWaitingTokens,
		MaxBatchSize:          limits.MaxBatchSize,
		Shard: ShardInfo{
			DeviceType: info.DeviceType,
			Dtype:      info.Dtype,
			Speculate:  int(info.Speculate),
		},
	}, nil
}

// resolveBudget turns the shard's capacity hint into the authoritative max
// batch total tokens. The two branches are exhaustive over the hint variant.
func resolveBudget(limits Limits, hint client.CapacityHint) (int, error) {
	supported, ok := hint.Value()
	if !ok {
		// Older model paths cannot report their capacity.
		logrus.Warn("model does not support automatic max batch total tokens")
		budget := max(16000, limits.MaxTotalTokens, limits.MaxBatchPrefillTokens)
		if limits.MaxBatchTotalTokens != nil {
			budget = *limits.MaxBatchTotalTokens
		}
		if budget < limits.MaxTotalTokens {
			return 0, &NotEnoughMemoryError{MaxTotalTokens: limits.MaxTotalTokens}
		}
		return budget, nil
	}

	// The model measured its own capacity; a caller-supplied override is
	// disregarded.
	if limits.MaxBatchTotalTokens != nil {
		logrus.Warn("`--max-batch-total-tokens` is deprecated for models with automatic capacity sizing")
		logrus.Warnf("inferred max batch total tokens: %d", supported)
	}
	if limits.MaxTotalTokens > int(supported) {
		return 0, &NotEnoughMemoryError{MaxTotalTokens: limits.MaxTotalTokens}
	}
	return int(supported), nil
}
