package apperr

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
)

// Normalize wraps any value into an *Error. Existing *Error values keep their
// classification and only gain the extra context. Unknown failures become
// non-retriable, non-operational INTERNAL errors with the original kept as Cause.
func Normalize(thrown any, extra map[string]any) *Error {
	switch v := thrown.(type) {
	case nil:
		return Internal("unknown error", WithContext(extra))
	case *Error:
		return withExtra(v, extra)
	case error:
		if e, ok := As(v); ok {
			return withExtra(e, extra)
		}
		return classify(v, extra)
	case string:
		return Internal(v, WithContext(extra))
	default:
		return Internal(fmt.Sprintf("%v", v), WithContext(extra))
	}
}

func withExtra(e *Error, extra map[string]any) *Error {
	if len(extra) == 0 {
		return e
	}
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(extra))
	maps.Copy(cp.Context, e.Context)
	maps.Copy(cp.Context, extra)
	return &cp
}

func classify(err error, extra map[string]any) *Error {
	opts := []Option{WithCause(err), WithContext(extra)}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err.Error(), opts...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout(err.Error(), opts...)
		}
		return Network(err.Error(), opts...)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network(err.Error(), opts...)
	}
	return Internal(err.Error(), opts...)
}

// IsRetriable is true only for errors whose recovery strategy says so.
func IsRetriable(err error) bool {
	e, ok := As(err)
	return ok && e.Recovery.Retriable
}
