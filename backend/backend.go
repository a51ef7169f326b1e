// Package backend is the scheduling and memory-accounting core of the
// serving process. It sits between the request API and the model-execution
// shards: it negotiates a hard token budget at startup, admits and batches
// variable-length generation requests under that budget, and allocates and
// reclaims fixed-size cache blocks per request as generation proceeds.
package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/InferenceNexus/text-generation-inference/client"
)

// Backend is the continuous-batching driver. One long-running goroutine
// (batchingTask) pulls from the queue, reserves blocks, dispatches prefill
// and decode calls to the shards, and streams generated tokens back to
// waiting callers, interleaving new admissions with in-flight decode steps.
type Backend struct {
	client client.ShardClient
	cfg    Config
	alloc  *BlockAllocator
	queue  *Queue

	nextID atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the batching task. The configuration must come from Negotiate.
func New(sc client.ShardClient, cfg Config) *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	alloc := NewBlockAllocator(cfg.MaxBatchTotalTokens)
	b := &Backend{
		client: sc,
		cfg:    cfg,
		alloc:  alloc,
		queue:  newQueue(ctx, alloc, cfg.Shard.Speculate),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.batchingTask(ctx)
	return b
}

// Info returns the record exposed upward to the API layer.
func (b *Backend) Info() Info {
	return b.cfg.info()
}

// Allocator exposes the block inventory for observability.
func (b *Backend) Allocator() *BlockAllocator {
	return b.alloc
}

// Stop shuts the batching task down and fails any request still in flight.
func (b *Backend) Stop() {
	b.cancel()
	<-b.done
}

// Submit hands a validated request to the scheduler and returns its
// response stream. Cancelling ctx abandons the request; its cache blocks
// are released within one scheduling tick.
func (b *Backend) Submit(ctx context.Context, req *GenerateRequest) (*ResponseStream, error) {
	if len(req.InputTokens) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if len(req.InputTokens) > b.cfg.MaxInputTokens {
		return nil, fmt.Errorf("input length %d exceeds max_input_tokens %d", len(req.InputTokens), b.cfg.MaxInputTokens)
	}
	if req.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max_new_tokens must be > 0")
	}
	if total := len(req.InputTokens) + req.MaxNewTokens; total > b.cfg.MaxTotalTokens {
		return nil, fmt.Errorf("total length %d exceeds max_total_tokens %d", total, b.cfg.MaxTotalTokens)
	}
	e := newEntry(b.nextID.Add(1), ctx, req)
	if !b.queue.Append(e) {
		return nil, fmt.Errorf("backend is shutting down")
	}
	metricRequestCount.Inc()
	logrus.Debugf("request %s queued (%d input tokens, %d max new)", e.tag, len(req.InputTokens), req.MaxNewTokens)
	return &ResponseStream{ch: e.stream}, nil
}

// batchingTask is the steady-state driver. The outer loop blocks for a
// first batch with no minimum size; the inner loop runs one decode step per
// iteration, admitting new requests between steps under the ratio heuristic
// and the max_waiting_tokens starvation guard.
func (b *Backend) batchingTask(ctx context.Context) {
	defer close(b.done)
	for {
		nb := b.queue.NextBatch(&batchRequest{
			maxSize:            b.cfg.MaxBatchSize,
			prefillTokenBudget: b.cfg.MaxBatchPrefillTokens,
			tokenBudget:        b.cfg.MaxBatchTotalTokens,
			block:              true,
		})
		if nb == nil {
			return
		}
		entries := nb.entries
		cached := b.prefill(ctx, nb.batch, entries)

		// A batch that has gone max_waiting_tokens decode steps without
		// admitting anyone must accept at least one waiting request.
		waitingTokens := 1

		for cached != nil {
			if ctx.Err() != nil {
				b.failEntries(ctx, entries, ErrCanceled, "canceled", &cached.ID)
				return
			}
			metricBatchCurrentSize.Set(float64(len(entries)))
			metricBatchCurrentMaxTokens.Set(float64(cached.MaxTokens))

			batches := []*client.CachedBatch{cached}

			// Admission between decode steps. The min-size gate keeps
			// latency of in-flight work bounded: a prefill pass slows
			// every running request, so it must be worth it. Once the
			// starvation guard trips, the gate is dropped entirely.
			var minSize *int
			if waitingTokens < b.cfg.MaxWaitingTokens {
				if ms := int(float64(len(entries)) * b.cfg.WaitingServedRatio); ms > 0 {
					minSize = &ms
				}
			}
			tokenBudget := b.cfg.MaxBatchTotalTokens - int(cached.MaxTokens)
			var maxSize *int
			admit := tokenBudget > 0
			if b.cfg.MaxBatchSize != nil {
				remaining := *b.cfg.MaxBatchSize - len(entries)
				if remaining <= 0 {
					admit = false
				} else {
					maxSize = &remaining
				}
			}
			if admit {
				more := b.queue.NextBatch(&batchRequest{
					minSize:            minSize,
					maxSize:            maxSize,
					prefillTokenBudget: b.cfg.MaxBatchPrefillTokens,
					tokenBudget:        tokenBudget,
				})
				if more != nil {
					if newCached := b.prefill(ctx, more.batch, more.entries); newCached != nil {
						for id, e := range more.entries {
							entries[id] = e
						}
						batches = append(batches, newCached)
						metricBatchConcat.Inc()
						waitingTokens = 1
					}
				}
			}

			// Sweep cancellations and grow block allocations before
			// the dispatch; requests dropped here are also filtered
			// out of the shard-side batch state.
			batches = b.sweep(ctx, entries, batches)
			if len(batches) == 0 {
				cached = nil
				continue
			}

			gens, next, err := b.client.Decode(ctx, batches)
			if err != nil {
				logrus.Errorf("decode failed: %v", err)
				for _, cb := range batches {
					b.failEntries(ctx, entries, fmt.Errorf("%w: %w", ErrGeneration, err), "generation", &cb.ID)
				}
				cached = nil
				continue
			}
			waitingTokens++
			b.deliver(gens, entries)
			cached = b.filterShardBatch(ctx, entries, next)
		}
		metricBatchCurrentSize.Set(0)
		metricBatchCurrentMaxTokens.Set(0)
	}
}

// prefill dispatches the first forward pass for a fresh batch and delivers
// its generations. A failed call fails every request in this batch only;
// the rest of the running work is unaffected.
func (b *Backend) prefill(ctx context.Context, batch *client.Batch, entries map[uint64]*entry) *client.CachedBatch {
	gens, cached, err := b.client.Prefill(ctx, batch)
	if err != nil {
		logrus.Errorf("prefill of batch %d failed: %v", batch.ID, err)
		b.failEntries(ctx, entries, fmt.Errorf("%w: %w", ErrGeneration, err), "generation", &batch.ID)
		return nil
	}
	b.deliver(gens, entries)
	return b.filterShardBatch(ctx, entries, cached)
}

// deliver streams generated tokens to their callers and finalizes requests
// that stopped. Tokens for a given request arrive in generation order; with
// speculation a generation carries up to 1+speculate of them.
func (b *Backend) deliver(gens []*client.Generation, entries map[uint64]*entry) {
	for _, g := range gens {
		e, ok := entries[g.RequestID]
		if !ok {
			// Finished or canceled in an earlier pass.
			continue
		}
		for _, t := range g.Tokens {
			if e.generated >= e.req.MaxNewTokens {
				break
			}
			e.generated++
			e.emit(Token{ID: t.ID, Logprob: t.Logprob, Special: t.Special})
		}
		switch {
		case g.GeneratedText != nil:
			b.finishEntry(entries, e, StreamEvent{FinishReason: g.GeneratedText.FinishReason})
			metricRequestSuccess.Inc()
		case e.generated >= e.req.MaxNewTokens:
			b.finishEntry(entries, e, StreamEvent{FinishReason: client.FinishReasonLength})
			metricRequestSuccess.Inc()
		}
	}
}

// sweep drops requests whose caller disconnected and grows the block
// allocation of requests whose sequence crossed a block boundary. A request
// that cannot grow fails on its own; it never stalls the batch.
func (b *Backend) sweep(ctx context.Context, entries map[uint64]*entry, batches []*client.CachedBatch) []*client.CachedBatch {
	for _, e := range entries {
		if e.ctx.Err() != nil {
			logrus.Debugf("request %s canceled by caller", e.tag)
			b.finishEntry(entries, e, StreamEvent{Err: ErrCanceled})
			metricRequestFailure.WithLabelValues("canceled").Inc()
			continue
		}
		needed := BlocksFor(e.seqLen()+1+b.cfg.Shard.Speculate) - len(e.blocks)
		if needed <= 0 {
			continue
		}
		grown, ok := b.alloc.TryReserve(needed)
		if !ok {
			logrus.Warnf("request %s: no free cache blocks to grow into", e.tag)
			b.finishEntry(entries, e, StreamEvent{Err: ErrOutOfCacheBlocks})
			metricRequestFailure.WithLabelValues("out_of_cache").Inc()
			continue
		}
		e.blocks = append(e.blocks, grown...)
	}

	kept := batches[:0]
	for _, cb := range batches {
		if next := b.filterShardBatch(ctx, entries, cb); next != nil {
			kept = append(kept, next)
		}
	}
	return kept
}

// filterShardBatch reconciles shard-side batch state with the entries still
// alive: it shrinks the cached batch to the surviving request ids, or clears
// it entirely when none survive.
func (b *Backend) filterShardBatch(ctx context.Context, entries map[uint64]*entry, cached *client.CachedBatch) *client.CachedBatch {
	if cached == nil {
		return nil
	}
	keep := make([]uint64, 0, len(cached.RequestIDs))
	for _, id := range cached.RequestIDs {
		if _, ok := entries[id]; ok {
			keep = append(keep, id)
		}
	}
	if len(keep) == len(cached.RequestIDs) {
		return cached
	}
	if len(keep) == 0 {
		_ = b.client.ClearCache(ctx, &cached.ID)
		return nil
	}
	next, err := b.client.FilterBatch(ctx, cached.ID, keep)
	if err != nil {
		// Shard state for this batch is unknown; fail its survivors.
		// Requests in sibling batches are unaffected.
		logrus.Errorf("filter of batch %d failed: %v", cached.ID, err)
		cause := fmt.Errorf("%w: %w", ErrGeneration, err)
		for _, id := range keep {
			if e, ok := entries[id]; ok {
				b.finishEntry(entries, e, StreamEvent{Err: cause})
				metricRequestFailure.WithLabelValues("generation").Inc()
			}
		}
		_ = b.client.ClearCache(ctx, &cached.ID)
		return nil
	}
	return next
}

// finishEntry runs the single finish transition: release blocks, close the
// stream, forget the entry.
func (b *Backend) finishEntry(entries map[uint64]*entry, e *entry, final StreamEvent) {
	b.alloc.Release(e.finish(final))
	delete(entries, e.id)
}

// failEntries fails every entry belonging to the given shard batch (or all
// entries when batchID is nil) and clears the shard-side state.
func (b *Backend) failEntries(ctx context.Context, entries map[uint64]*entry, cause error, reason string, batchID *uint64) {
	for _, e := range entries {
		b.finishEntry(entries, e, StreamEvent{Err: cause})
		metricRequestFailure.WithLabelValues(reason).Inc()
	}
	_ = b.client.ClearCache(ctx, batchID)
}
