package domain

import "errors"

// Kind classifies a pipeline error into the semantic taxonomy of §7. The
// worker is the sole policy authority for converting a Kind into a queue
// outcome.
type Kind int

const (
	// KindMalformed: URL invalid. Terminal, skipped, never retried.
	KindMalformed Kind = iota
	// KindPolicyDenied: robots or link-filter rejection. Terminal, skipped.
	KindPolicyDenied
	// KindTransient: timeouts, DNS failures, 5xx, 429, 408. Retryable.
	KindTransient
	// KindTerminal4xx: 4xx excluding 408/429. Terminal error, no retry.
	KindTerminal4xx
	// KindBodyTooLarge: body exceeded the configured cap. Terminal error.
	KindBodyTooLarge
	// KindCanceled: orchestrator-initiated cancellation. Returns to queued.
	KindCanceled
	// KindInternal: a bug, caught at the worker boundary.
	KindInternal
)

// PipelineError is a typed error carrying the semantic Kind a fetch step
// failed with, so the worker can decide the queue outcome without
// re-inspecting the underlying cause.
type PipelineError struct {
	Kind  Kind
	Cause error
}

func (e *PipelineError) Error() string {
	if e.Cause == nil {
		return "pipeline error"
	}
	return e.Cause.Error()
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewPipelineError wraps cause with the given Kind.
func NewPipelineError(kind Kind, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Cause: cause}
}

// ErrCanceled is returned by any suspendable step when the orchestrator
// transitions to Draining (§5).
var ErrCanceled = errors.New("domain: operation canceled")

// Retryable reports whether a Kind should be retried by the Queue Manager.
func (k Kind) Retryable() bool {
	return k == KindTransient
}
