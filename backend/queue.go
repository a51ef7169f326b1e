// Queue holds admitted-but-not-yet-batched requests in arrival order. A
// background goroutine owns the waiting list and serves two channels, so
// enqueue is never blocked by a dispatch in progress: producers append at
// any time while the scheduler tick asks for the next batch.

package backend

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/InferenceNexus/text-generation-inference/client"
)

// batchRequest asks the queue for the next admissible batch.
type batchRequest struct {
	// minSize withholds admission unless at least this many requests can
	// be batched together; nil admits any number (the starvation guard
	// passes nil to force at least one admission).
	minSize *int
	// maxSize caps the number of requests admitted in this call.
	maxSize *int
	// prefillTokenBudget bounds the summed input lengths for this tick.
	prefillTokenBudget int
	// tokenBudget bounds the committed total-token footprint, decode
	// included, on top of what the running batch already holds.
	tokenBudget int
	// block parks the call until the queue can produce a batch.
	block bool

	resp chan *newBatch
}

// newBatch is a produced batch: the wire form for the shards plus the
// scheduler-side entries keyed by request id.
type newBatch struct {
	entries map[uint64]*entry
	batch   *client.Batch
}

// Queue is the admission front of the scheduling core.
type Queue struct {
	appendCh chan *entry
	batchCh  chan *batchRequest
	stopped  chan struct{}
}

func newQueue(ctx context.Context, alloc *BlockAllocator, speculate int) *Queue {
	q := &Queue{
		appendCh: make(chan *entry),
		batchCh:  make(chan *batchRequest),
		stopped:  make(chan struct{}),
	}
	state := &queueState{alloc: alloc, speculate: speculate}
	go q.run(ctx, state)
	return q
}

// Append adds a request to the back of the waiting list. It reports false
// when the queue has shut down.
func (q *Queue) Append(e *entry) bool {
	select {
	case q.appendCh <- e:
		return true
	case <-q.stopped:
		return false
	}
}

// NextBatch produces the next batch under the given budgets, or nil when
// nothing is admissible (or the queue shut down). With block set it waits
// until work arrives.
//
// The run goroutine answers every request it received exactly once before
// it closes stopped, so waiting on stopped rather than the context keeps a
// batch produced concurrently with shutdown from being orphaned with its
// blocks still reserved.
func (q *Queue) NextBatch(br *batchRequest) *newBatch {
	br.resp = make(chan *newBatch, 1)
	select {
	case q.batchCh <- br:
	case <-q.stopped:
		return nil
	}
	select {
	case nb := <-br.resp:
		return nb
	case <-q.stopped:
		// Collect the response the run goroutine may have produced just
		// before it stopped.
		select {
		case nb := <-br.resp:
			return nb
		default:
			return nil
		}
	}
}

func (q *Queue) run(ctx context.Context, state *queueState) {
	defer close(q.stopped)
	var parked *batchRequest
	for {
		select {
		case <-ctx.Done():
			if parked != nil {
				parked.resp <- nil
			}
			state.drain()
			return
		case e := <-q.appendCh:
			state.append(e)
			if parked != nil {
				if nb := state.nextBatch(parked); nb != nil {
					parked.resp <- nb
					parked = nil
				}
			}
		case br := <-q.batchCh:
			nb := state.nextBatch(br)
			if nb == nil && br.block {
				parked = br
				continue
			}
			br.resp <- nb
		}
	}
}

// queueState is the waiting list plus admission bookkeeping. Touched only
// by the run goroutine.
type queueState struct {
	waiting     []*entry
	alloc       *BlockAllocator
	speculate   int
	nextBatchID uint64
}

func (s *queueState) append(e *entry) {
	s.waiting = append(s.waiting, e)
	metricQueueSize.Set(float64(len(s.waiting)))
}

// drain fails every waiting request on shutdown so no stream leaks.
func (s *queueState) drain() {
	for _, e := range s.waiting {
		s.alloc.Release(e.finish(StreamEvent{Err: ErrCanceled}))
	}
	s.waiting = nil
	metricQueueSize.Set(0)
}

// nextBatch greedily admits waiting requests front to back while the tick's
// prefill budget, the cumulative token footprint, the size cap and the free
// block pool all allow it. FIFO order is preserved: the first request that
// does not fit stops the scan. All-or-nothing with respect to minSize: if
// fewer requests fit, everything is rolled back and nothing is admitted.
func (s *queueState) nextBatch(br *batchRequest) *newBatch {
	if len(s.waiting) == 0 {
		return nil
	}
	if br.minSize != nil && len(s.waiting) < *br.minSize {
		return nil
	}

	var admitted []*entry
	var wire []*client.Request
	prefillTokens, decodeTokens := 0, 0

	for len(s.waiting) > 0 {
		e := s.waiting[0]

		// Callers that disconnected while waiting are dropped here,
		// before any blocks are reserved.
		if e.ctx.Err() != nil {
			s.waiting = s.waiting[1:]
			s.alloc.Release(e.finish(StreamEvent{Err: ErrCanceled}))
			metricRequestFailure.WithLabelValues("canceled").Inc()
			continue
		}

		if br.maxSize != nil && len(admitted) >= *br.maxSize {
			break
		}

		inputLen := len(e.req.InputTokens)
		newPrefill := prefillTokens + inputLen
		newDecode := decodeTokens + e.req.MaxNewTokens + s.speculate
		if newPrefill > br.prefillTokenBudget || newPrefill+newDecode > br.tokenBudget {
			break
		}

		// Initial reservation covers the input plus the first decode
		// step; further growth is reserved incrementally as the
		// sequence crosses block boundaries.
		blocks, ok := s.alloc.TryReserve(BlocksFor(inputLen + 1 + s.speculate))
		if !ok {
			logrus.Debugf("request %s deferred: not enough free cache blocks", e.tag)
			break
		}
		e.blocks = blocks
		e.state = StateRunning
		e.scheduled = time.Now()

		s.waiting = s.waiting[1:]
		admitted = append(admitted, e)
		wire = append(wire, &client.Request{
			ID:           e.id,
			InputTokens:  e.req.InputTokens,
			MaxNewTokens: uint32(e.req.MaxNewTokens),
			StopTokenIDs: e.req.StopTokenIDs,
		})
		prefillTokens, decodeTokens = newPrefill, newDecode
	}

	if len(admitted) == 0 {
		return nil
	}
	if br.minSize != nil && len(admitted) < *br.minSize {
		// Not enough admissible work to honor the ratio heuristic:
		// undo the scan and keep draining the running batch instead.
		for i := len(admitted) - 1; i >= 0; i-- {
			e := admitted[i]
			s.alloc.Release(e.blocks)
			e.blocks = nil
			e.state = StateQueued
			s.waiting = append([]*entry{e}, s.waiting...)
		}
		return nil
	}

	entries := make(map[uint64]*entry, len(admitted))
	for _, e := range admitted {
		entries[e.id] = e
	}
	batchID := s.nextBatchID
	s.nextBatchID++
	metricQueueSize.Set(float64(len(s.waiting)))

	return &newBatch{
		entries: entries,
		batch: &client.Batch{
			ID:        batchID,
			Requests:  wire,
			Size:      uint32(len(wire)),
			MaxTokens: uint32(prefillTokens + decodeTokens),
		},
	}
}
