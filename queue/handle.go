package queue

import "context"

// FlushHandle tracks one background flush.
type FlushHandle struct {
	done chan struct{}
	err  error
}

func newFlushHandle() *FlushHandle {
	return &FlushHandle{done: make(chan struct{})}
}

func (h *FlushHandle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed when the flush has committed or failed.
func (h *FlushHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the flush error, or nil while the flush is still running.
func (h *FlushHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the flush finishes or ctx is done.
func (h *FlushHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
