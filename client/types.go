// Wire types exchanged with the model-execution shards.
//
// The shard service speaks a small RPC surface: cache management, static
// info, a warmup capacity probe, and the two forward-pass calls (prefill,
// decode). Types here mirror that surface one-to-one.

package client

// Request is one generation request as submitted to the shards.
type Request struct {
	// ID correlates generations across prefill/decode round-trips.
	// Unique within the lifetime of the process.
	ID          uint64   `json:"id"`
	InputTokens []uint32 `json:"input_tokens"`
	// MaxNewTokens bounds the number of generated tokens.
	MaxNewTokens uint32 `json:"max_new_tokens"`
	// StopTokenIDs terminate generation early when produced by the model.
	StopTokenIDs []uint32 `json:"stop_token_ids,omitempty"`
}

// Batch is an ordered set of requests sharing one prefill round-trip.
type Batch struct {
	ID       uint64     `json:"id"`
	Requests []*Request `json:"requests"`
	Size     uint32     `json:"size"`
	// MaxTokens is the total token footprint this batch may grow to,
	// input and output included.
	MaxTokens uint32 `json:"max_tokens"`
}

// CachedBatch is the shard-side handle to an already-prefilled batch.
// Returned by Prefill and Decode; passed back on the next Decode call.
type CachedBatch struct {
	ID         uint64   `json:"id"`
	RequestIDs []uint64 `json:"request_ids"`
	Size       uint32   `json:"size"`
	MaxTokens  uint32   `json:"max_tokens"`
}

// Token is one generated token with its log-probability.
type Token struct {
	ID      uint32  `json:"id"`
	Logprob float32 `json:"logprob"`
	// Special marks tokens that are not part of the visible text (BOS, EOS).
	Special bool `json:"special"`
}

// FinishReason explains why a request stopped generating.
type FinishReason string

const (
	FinishReasonLength    FinishReason = "length"
	FinishReasonEOSToken  FinishReason = "eos_token"
	FinishReasonStopToken FinishReason = "stop_sequence"
)

// GeneratedText is attached to the final Generation of a request.
type GeneratedText struct {
	GeneratedTokens uint32       `json:"generated_tokens"`
	FinishReason    FinishReason `json:"finish_reason"`
}

// Generation carries the tokens produced for one request in one forward
// pass. With speculation enabled, Tokens holds up to 1+speculate entries.
type Generation struct {
	RequestID uint64  `json:"request_id"`
	Tokens    []Token `json:"tokens"`
	// GeneratedText is non-nil iff the shard finished this request.
	GeneratedText *GeneratedText `json:"generated_text,omitempty"`
}

// InfoResponse is the static shard metadata fetched once at startup.
type InfoResponse struct {
	DeviceType string `json:"device_type"`
	Dtype      string `json:"dtype"`
	// Speculate is the number of speculative tokens decoded per step.
	Speculate uint32 `json:"speculate"`
}

// WarmupRequest parameterizes the startup capacity probe.
type WarmupRequest struct {
	MaxInputTokens        uint32  `json:"max_input_tokens"`
	MaxBatchPrefillTokens uint32  `json:"max_batch_prefill_tokens"`
	MaxTotalTokens        uint32  `json:"max_total_tokens"`
	MaxBatchSize          *uint32 `json:"max_batch_size,omitempty"`
}

// warmupResponse is the raw wire shape; a nil field means the model cannot
// report its capacity. Converted to a CapacityHint before leaving the package.
type warmupResponse struct {
	MaxSupportedBatchTotalTokens *uint32 `json:"max_supported_total_tokens"`
}

// CapacityHint is the shard's answer to the warmup probe: either the model
// reported an authoritative max batch-total-tokens value, or it did not
// (older model paths without automatic sizing).
type CapacityHint struct {
	known bool
	value uint32
}

// NoHint reports that the model does not size its own cache.
func NoHint() CapacityHint {
	return CapacityHint{}
}

// Hint wraps an authoritative max batch-total-tokens value.
func Hint(maxBatchTotalTokens uint32) CapacityHint {
	return CapacityHint{known: true, value: maxBatchTotalTokens}
}

// Value returns the hinted budget and whether one was reported.
func (h CapacityHint) Value() (uint32, bool) {
	return h.value, h.known
}

type clearCacheRequest struct {
	BatchID *uint64 `json:"batch_id,omitempty"`
}

type filterBatchRequest struct {
	BatchID        uint64   `json:"batch_id"`
	KeepRequestIDs []uint64 `json:"request_ids"`
}

type forwardResponse struct {
	Generations []*Generation `json:"generations"`
	Batch       *CachedBatch  `json:"batch"`
}

type decodeRequest struct {
	Batches []*CachedBatch `json:"batches"`
}

type prefillRequest struct {
	Batch *Batch `json:"batch"`
}

type emptyResponse struct{}
