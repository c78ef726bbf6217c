package runner

import "github.com/verdict-labs/verdict-go/internal/domain"

// Sink receives terminal outcomes as they resolve. Implementations must be
// safe for concurrent Emit calls; delivery order is emission order, which is
// resolution order, not submission order. An Emit error means the downstream
// connection is gone and aborts the run.
type Sink interface {
	Emit(outcome domain.Outcome) error
	Close() error
}

// StartObserver is an optional extension a Sink can implement to learn when
// the run lock has been acquired and streaming is about to begin. The HTTP
// ingress uses this to commit response headers only once the run is real.
type StartObserver interface {
	RunStarted(runID string)
}
