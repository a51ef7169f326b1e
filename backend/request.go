// Request lifecycle: Queued -> Running(prefill) -> Running(decode)* -> Finished,
// with a side transition to Failed from any running state. The finish
// transition releases cache blocks and closes the response stream exactly
// once; both are owned by the state machine, not by caller discipline.

package backend

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/InferenceNexus/text-generation-inference/client"
)

// RequestState is the lifecycle state of an admitted request.
type RequestState string

const (
	StateQueued   RequestState = "queued"
	StateRunning  RequestState = "running"
	StateFinished RequestState = "finished"
	StateFailed   RequestState = "failed"
)

// GenerateRequest is a validated unit of work: an already-tokenized input
// sequence plus generation parameters. Validation of user input happens in
// the API layer above this package.
type GenerateRequest struct {
	InputTokens  []uint32
	MaxNewTokens int
	StopTokenIDs []uint32
}

// Token is one generated token delivered on a response stream.
type Token struct {
	ID      uint32
	Logprob float32
	Special bool
}

// StreamEvent is one item of a response stream. Tokens arrive in generation
// order. The last event has Final set and carries either the finish reason
// or the request-scoped error; after it the stream channel is closed.
type StreamEvent struct {
	Token        Token
	Final        bool
	FinishReason client.FinishReason
	Err          error
}

// ResponseStream is the caller's handle to a submitted request: a lazy,
// cancellable, finite sequence of generated tokens. Cancel the submission
// context to abandon it; the backend releases the request's cache blocks
// within one scheduling tick.
type ResponseStream struct {
	ch chan StreamEvent
}

// Events returns the stream channel. It is closed exactly once, after the
// final event.
func (s *ResponseStream) Events() <-chan StreamEvent {
	return s.ch
}

// entry is the scheduler-side record of an admitted request.
type entry struct {
	id  uint64 // wire id, unique per process
	tag string // correlation id for logs

	req    *GenerateRequest
	ctx    context.Context
	stream chan StreamEvent

	state     RequestState
	blocks    []Block
	generated int // tokens generated so far

	enqueued  time.Time
	scheduled time.Time
}

func newEntry(id uint64, ctx context.Context, req *GenerateRequest) *entry {
	return &entry{
		id:       id,
		tag:      uuid.NewString(),
		req:      req,
		ctx:      ctx,
		stream:   make(chan StreamEvent, streamBuffer(req)),
		state:    StateQueued,
		enqueued: time.Now(),
	}
}

// streamBuffer sizes the stream channel so the scheduler never blocks on a
// slow caller: one slot per possible token plus the final event.
func streamBuffer(req *GenerateRequest) int {
	return req.MaxNewTokens + 1
}

// seqLen is the request's current sequence length, input plus generated.
func (e *entry) seqLen() int {
	return len(e.req.InputTokens) + e.generated
}

// emit delivers one token to the caller. The stream buffer holds one slot
// per possible token plus the final event, so this never blocks the
// scheduler on a slow caller.
func (e *entry) emit(tok Token) {
	e.stream <- StreamEvent{Token: tok}
}

// finish ends the request exactly once: transitions the state, returns the
// blocks to release, sends the final event and closes the stream. Calling
// finish on an already-ended entry is a no-op returning nil.
func (e *entry) finish(final StreamEvent) []Block {
	if e.state == StateFinished || e.state == StateFailed {
		logrus.Errorf("request %s: duplicate finish ignored", e.tag)
		return nil
	}
	if final.Err != nil {
		e.state = StateFailed
	} else {
		e.state = StateFinished
	}
	final.Final = true
	e.stream <- final
	close(e.stream)
	blocks := e.blocks
	e.blocks = nil
	return blocks
}
