package backend

import (
	"errors"
	"fmt"
)

// Startup failure kinds, one per step of the negotiation protocol. Any of
// these aborts startup; none is retried. Wrap the shard client cause with
// %w so callers can unwrap both the kind and the transport detail.
var (
	ErrConnection = errors.New("unable to connect to the model shards")
	ErrCache      = errors.New("unable to clear the model shards cache")
	ErrInfo       = errors.New("unable to get the model shards info")
	ErrWarmup     = errors.New("unable to warmup the model shards")
)

// NotEnoughMemoryError means the negotiated capacity cannot hold even one
// maximal-length request. Fatal at startup, never a runtime condition.
type NotEnoughMemoryError struct {
	MaxTotalTokens int
}

func (e *NotEnoughMemoryError) Error() string {
	return fmt.Sprintf("not enough memory to handle max_total_tokens=%d", e.MaxTotalTokens)
}

// Runtime per-request failures. Scoped to one request: blocks are released
// and the error is reported on that request's stream only.
var (
	// ErrOutOfCacheBlocks means a running request could not grow its
	// block allocation mid-decode.
	ErrOutOfCacheBlocks = errors.New("out of cache blocks")
	// ErrCanceled means the caller went away before the request finished.
	ErrCanceled = errors.New("request canceled by caller")
	// ErrGeneration wraps a shard-side execution failure.
	ErrGeneration = errors.New("generation failed")
)
