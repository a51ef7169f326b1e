package client

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error wraps a failed shard call, keeping the method name and the
// underlying cause. Transport failures (unreachable shard, broken stream)
// are distinguishable from application failures reported by the shard.
type Error struct {
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the failure happened on the wire rather than
// inside the shard. gRPC surfaces transport problems as Unavailable,
// DeadlineExceeded or Canceled; everything else carries an application
// status set by the shard.
func (e *Error) IsTransport() bool {
	st, ok := status.FromError(e.Err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return true
	}
	return false
}

func wrapErr(method string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Method: method, Err: err}
}
