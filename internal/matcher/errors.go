package matcher

import "errors"

// Kind discriminates the error kinds surfaced by the core (spec §7).
type Kind string

const (
	// KindIndexerUnavailable: the routing API failed or returned no
	// route. Surfaced to the caller; no pool mutation occurs.
	KindIndexerUnavailable Kind = "IndexerUnavailable"
	// KindPoolUnavailable: the Pool Store was unreachable or an
	// operation failed. Surfaced to the caller; never self-retried.
	KindPoolUnavailable Kind = "PoolUnavailable"
	// KindDurableCommitFailed: the pool-side commit succeeded but the
	// Trip Store transaction did not.
	KindDurableCommitFailed Kind = "DurableCommitFailed"
	// KindWorkerPoolTerminated: a task was rejected because the
	// dispatcher is shutting down.
	KindWorkerPoolTerminated Kind = "WorkerPoolTerminated"
)

// Error is the typed, client-facing error the core surfaces. Err holds the
// underlying cause, and Error() appends its message to the kind, so the
// text can include store-level detail.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// NewWorkerPoolTerminatedError lets internal/dispatch report shutdown
// rejections in the same typed-error shape the rest of the engine uses.
func NewWorkerPoolTerminatedError(err error) *Error {
	return newError(KindWorkerPoolTerminated, err)
}

// internal-only sentinels; absorbed by the matching loop, never surfaced.
var (
	errCapacityExceeded = errors.New("matcher: capacity exceeded")
	errStaleCandidate   = errors.New("matcher: stale candidate")
	errCallerConsumed   = errors.New("matcher: caller consumed by a concurrent pairing")
)
