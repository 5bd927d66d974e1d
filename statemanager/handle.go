package statemanager

import (
	"context"
	"errors"
	"fmt"

	"feedback.evalgo.org/cancellation"
)

// Handle is the caller's grip on one started operation. It stays bound to
// that operation even if the id is later reused.
type Handle struct {
	m  *Manager
	op *operation
}

// ID returns the operation id.
func (h *Handle) ID() string { return h.op.state.ID }

// Token returns the cancellation token owned by the operation.
func (h *Handle) Token() *cancellation.Token { return h.op.token }

// Done is closed after the terminal transition, or when Reset drops the
// operation while it is still active.
func (h *Handle) Done() <-chan struct{} { return h.op.done }

// Context derives a context cancelled together with the operation token.
func (h *Handle) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return h.op.token.Context(parent)
}

// State returns a snapshot of the operation.
func (h *Handle) State() OperationState {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.op.snapshot()
}

// UpdateProgress records progress, see Manager.UpdateProgress.
func (h *Handle) UpdateProgress(p Progress) {
	h.m.updateProgress(h.op, p)
}

// MarkRunning moves a pending operation to running.
func (h *Handle) MarkRunning() {
	h.m.mu.Lock()
	if !h.op.removed {
		h.m.markRunningLocked(h.op)
	}
	h.m.mu.Unlock()
	h.m.dispatcher.drain()
}

// Complete marks the operation completed with result.
func (h *Handle) Complete(result interface{}) {
	h.m.finish(h.op, StatusCompleted, result, "", "")
}

// Fail marks the operation failed.
func (h *Handle) Fail(err error) {
	h.m.finish(h.op, StatusFailed, nil, errorText(err), "")
}

// Cancel cancels the operation and its descendants.
func (h *Handle) Cancel() {
	h.m.cancel(h.op, ReasonRequested)
}

// WorkFunc is caller-supplied work run as a tracked operation. The context is
// cancelled when the operation is cancelled.
type WorkFunc func(ctx context.Context, h *Handle) (interface{}, error)

// Run starts an operation and executes fn on a new goroutine. The returned
// value completes the operation; an error fails it unless the operation was
// cancelled, and a panic fails it.
func (m *Manager) Run(ctx context.Context, opts StartOptions, fn WorkFunc) (*Handle, error) {
	h, err := m.Start(opts)
	if err != nil {
		return nil, err
	}
	go h.Execute(ctx, fn)
	return h, nil
}

// Execute runs fn on the calling goroutine and records the outcome on the
// operation. A pending operation is moved to running first; an operation
// cancelled before it got here is skipped.
func (h *Handle) Execute(ctx context.Context, fn WorkFunc) {
	if h.op.token.IsCancelled() {
		return
	}
	h.MarkRunning()

	runCtx, cancel := h.Context(ctx)
	defer cancel()

	result, err := safeCall(runCtx, h, fn)
	switch {
	case err == nil:
		h.Complete(result)
	case h.op.token.IsCancelled():
		// already cancelled; the error is the work noticing it
	case errors.Is(err, cancellation.ErrCancelled) || errors.Is(err, context.Canceled):
		h.m.cancel(h.op, ReasonExternal)
	default:
		h.Fail(err)
	}
}

func safeCall(ctx context.Context, h *Handle, fn WorkFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn(ctx, h)
}
