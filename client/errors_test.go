package client

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_IsTransport_DistinguishesWireFromShardFailures(t *testing.T) {
	cases := []struct {
		name      string
		cause     error
		transport bool
	}{
		{"unreachable shard", status.Error(codes.Unavailable, "connection refused"), true},
		{"call deadline", status.Error(codes.DeadlineExceeded, "context deadline exceeded"), true},
		{"call canceled", status.Error(codes.Canceled, "context canceled"), true},
		{"shard oom", status.Error(codes.ResourceExhausted, "CUDA out of memory"), false},
		{"shard bug", status.Error(codes.Internal, "tensor shape mismatch"), false},
		{"non-grpc cause", fmt.Errorf("dial tcp: connection reset"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := &Error{Method: "Decode", Err: c.cause}
			if got := err.IsTransport(); got != c.transport {
				t.Errorf("IsTransport() = %v, want %v", got, c.transport)
			}
		})
	}
}

func TestError_UnwrapExposesTheCause(t *testing.T) {
	// GIVEN a wrapped shard failure
	cause := status.Error(codes.Internal, "boom")
	err := wrapErr("Prefill", cause)

	// THEN errors.Is reaches the cause and the message names the method
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the wrapped cause")
	}
	var se *Error
	if !errors.As(err, &se) || se.Method != "Prefill" {
		t.Errorf("errors.As: got %+v", se)
	}
}

func TestWrapErr_NilStaysNil(t *testing.T) {
	if err := wrapErr("Info", nil); err != nil {
		t.Errorf("wrapErr(nil) = %v, want nil", err)
	}
}

func TestCapacityHint_ValueReportsPresence(t *testing.T) {
	// GIVEN a shard that answered the warmup probe
	if v, ok := Hint(16384).Value(); !ok || v != 16384 {
		t.Errorf("Hint(16384).Value() = %d, %v", v, ok)
	}

	// AND one that could not
	if v, ok := NoHint().Value(); ok || v != 0 {
		t.Errorf("NoHint().Value() = %d, %v", v, ok)
	}
}
