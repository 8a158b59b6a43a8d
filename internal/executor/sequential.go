// Package executor runs ordered units of work under a re-validated lock.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is wrapped by every AbortError.
var ErrAborted = errors.New("sequential execution aborted")

// Guard re-validates the right to keep executing. A non-nil error is a fault.
type Guard func(ctx context.Context) error

// ExecFunc executes one request.
type ExecFunc[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Pair holds a request and the result of executing it.
type Pair[Req, Res any] struct {
	Request Req
	Trade   Res
}

// Phase tells where in the per-request cycle an abort happened.
type Phase string

const (
	PhaseBeforeExecute Phase = "before_execute"
	PhaseExecute       Phase = "execute"
	PhaseAfterExecute  Phase = "after_execute"
)

// AbortError reports why a sequence stopped early. Completed executions are never rolled back.
type AbortError struct {
	// Index of the request being processed when the abort happened.
	Index int
	Phase Phase
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: request %d %s: %v", ErrAborted, e.Index, e.Phase, e.Cause)
}

func (e *AbortError) Unwrap() []error {
	return []error{ErrAborted, e.Cause}
}

// ExecuteSequentially runs requests one at a time in input order. When guard is not nil it
// is called before and after every request; the first guard fault, execution error or
// context cancellation aborts the remaining requests. The returned pairs cover every request
// whose execution completed, in input order, including one whose post-execution guard failed.
func ExecuteSequentially[Req, Res any](ctx context.Context, requests []Req, exec ExecFunc[Req, Res], guard Guard) ([]Pair[Req, Res], error) {
	pairs := make([]Pair[Req, Res], 0, len(requests))

	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			return pairs, &AbortError{Index: i, Phase: PhaseBeforeExecute, Cause: err}
		}
		if guard != nil {
			if err := guard(ctx); err != nil {
				return pairs, &AbortError{Index: i, Phase: PhaseBeforeExecute, Cause: err}
			}
		}

		res, err := exec(ctx, req)
		if err != nil {
			return pairs, &AbortError{Index: i, Phase: PhaseExecute, Cause: err}
		}
		pairs = append(pairs, Pair[Req, Res]{Request: req, Trade: res})

		if guard != nil {
			if err := guard(ctx); err != nil {
				return pairs, &AbortError{Index: i, Phase: PhaseAfterExecute, Cause: err}
			}
		}
	}

	return pairs, nil
}
