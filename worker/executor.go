package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/skyhook-ai/skyhook/run"
)

type (
	// Executor runs an agent. The platform treats execution as an opaque
	// function of the run spec; implementations bring their own model
	// clients, tools, and sandboxing.
	Executor interface {
		// Execute runs the agent until done or ctx expires. The context
		// deadline is the lease deadline bounded by the run's duration
		// budget; implementations must observe it.
		Execute(ctx context.Context, spec run.Spec) (*Result, error)
	}

	// Result is what a successful execution reports back.
	Result struct {
		// Output is an opaque result reference passed to Complete.
		Output map[string]string
		// Costs are the tokens and currency consumed.
		Costs *run.Costs
	}

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc func(ctx context.Context, spec run.Spec) (*Result, error)
)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, spec run.Spec) (*Result, error) {
	return f(ctx, spec)
}

// Sentinel errors executors can wrap to steer retry classification.
var (
	// ErrUnavailable marks a transient backend failure. Retryable.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidInput marks a malformed or rejected input. Not retryable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized marks an auth or permission failure. Not retryable.
	ErrUnauthorized = errors.New("unauthorized")
)

// Classify reports whether an execution error is worth retrying on another
// attempt. Deadline hits, malformed payloads, and auth failures are
// deterministic and fail permanently; transport-level failures and
// explicitly transient errors are retryable. Unknown errors are treated as
// permanent so a broken agent cannot loop through the attempt budget.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
