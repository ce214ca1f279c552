package progressive

import (
	"context"
	"sync"
)

// State is where a run sits in its lifecycle.
type State int

const (
	Idle State = iota
	PreviewInFlight
	FinalInFlight
	Settled
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreviewInFlight:
		return "preview"
	case FinalInFlight:
		return "final"
	case Settled:
		return "settled"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Handle owns the lifetime of one run.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

// ID names the run in logs.
func (h *Handle) ID() string { return h.id }

// Abort cancels the in-flight exchange and waits for any callback that is
// already running. No callback fires for this handle after Abort returns.
// Aborting a settled run is a no-op.
func (h *Handle) Abort() {
	h.cancel()
	h.markAborted()
}

func (h *Handle) markAborted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Settled {
		h.state = Aborted
	}
}

// State reports the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the run's worker goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }
