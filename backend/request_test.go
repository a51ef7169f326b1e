package backend

import (
	"context"
	"errors"
	"testing"
)

func TestEntry_Finish_SendsFinalEventAndClosesStream(t *testing.T) {
	// GIVEN a running entry holding two cache blocks
	e := newEntry(1, context.Background(), &GenerateRequest{
		InputTokens:  []uint32{1, 2, 3},
		MaxNewTokens: 4,
	})
	e.state = StateRunning
	e.blocks = []Block{7, 8}
	e.emit(Token{ID: 100})
	e.emit(Token{ID: 101})

	// WHEN the entry finishes
	released := e.finish(StreamEvent{FinishReason: "length"})

	// THEN its blocks are handed back for release
	if len(released) != 2 {
		t.Fatalf("released %d blocks, want 2", len(released))
	}
	if e.state != StateFinished {
		t.Errorf("state: got %s, want %s", e.state, StateFinished)
	}

	// AND the stream delivers the tokens, then the final event, then closes
	stream := &ResponseStream{ch: e.stream}
	ev1 := <-stream.Events()
	ev2 := <-stream.Events()
	if ev1.Token.ID != 100 || ev2.Token.ID != 101 {
		t.Errorf("tokens out of order: %d, %d", ev1.Token.ID, ev2.Token.ID)
	}
	final := <-stream.Events()
	if !final.Final || final.FinishReason != "length" {
		t.Errorf("final event: got %+v", final)
	}
	if _, open := <-stream.Events(); open {
		t.Error("stream still open after final event")
	}
}

func TestEntry_Finish_WithErrorMarksFailed(t *testing.T) {
	// GIVEN a running entry
	e := newEntry(2, context.Background(), &GenerateRequest{
		InputTokens:  []uint32{1},
		MaxNewTokens: 1,
	})
	e.state = StateRunning

	// WHEN it finishes with an error
	e.finish(StreamEvent{Err: ErrOutOfCacheBlocks})

	// THEN the state is failed and the final event carries the cause
	if e.state != StateFailed {
		t.Errorf("state: got %s, want %s", e.state, StateFailed)
	}
	final := <-e.stream
	if !final.Final || !errors.Is(final.Err, ErrOutOfCacheBlocks) {
		t.Errorf("final event: got %+v", final)
	}
}

func TestEntry_Finish_SecondCallIsNoOp(t *testing.T) {
	// GIVEN an entry that already finished
	e := newEntry(3, context.Background(), &GenerateRequest{
		InputTokens:  []uint32{1},
		MaxNewTokens: 1,
	})
	e.state = StateRunning
	e.blocks = []Block{1}
	if released := e.finish(StreamEvent{FinishReason: "length"}); len(released) != 1 {
		t.Fatalf("first finish released %d blocks, want 1", len(released))
	}

	// WHEN finish is called again
	released := e.finish(StreamEvent{Err: ErrCanceled})

	// THEN nothing is released twice and the stream is not touched
	if released != nil {
		t.Errorf("second finish released blocks: %v", released)
	}
	if e.state != StateFinished {
		t.Errorf("state changed on duplicate finish: %s", e.state)
	}
}

func TestStreamBuffer_NeverBlocksTheScheduler(t *testing.T) {
	// GIVEN an entry whose caller never reads
	e := newEntry(4, context.Background(), &GenerateRequest{
		InputTokens:  []uint32{1},
		MaxNewTokens: 16,
	})
	e.state = StateRunning

	// WHEN the full token budget plus the final event is emitted
	for i := 0; i < 16; i++ {
		e.emit(Token{ID: uint32(i)})
	}
	e.finish(StreamEvent{FinishReason: "length"})

	// THEN no send blocked: reaching this point is the assertion, and the
	// buffered events are all still readable
	n := 0
	for range e.stream {
		n++
	}
	if n != 17 {
		t.Errorf("buffered events: got %d, want 17", n)
	}
}
