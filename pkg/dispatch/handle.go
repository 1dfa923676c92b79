package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

// Handle tracks a submitted command through to its terminal outcome. The
// dispatcher's lane goroutine is the only writer; callers observe through
// Done, Wait, and Command.
type Handle struct {
	mu        sync.Mutex
	cmd       *models.Command
	done      chan struct{}
	cancelCh  chan struct{}
	cancelled bool
}

func newHandle(cmd *models.Command) *Handle {
	return &Handle{
		cmd:      cmd,
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// ID returns the command id this handle tracks.
func (h *Handle) ID() string {
	return h.cmd.CommandID
}

// Done is closed once the command reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Command returns a snapshot of the command record.
func (h *Handle) Command() *models.Command {
	h.mu.Lock()
	defer h.mu.Unlock()

	return cloneCommand(h.cmd)
}

// Wait blocks until the command reaches a terminal state or the context is
// cancelled, and returns the terminal command record.
func (h *Handle) Wait(ctx context.Context) (*models.Command, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.Command(), nil
	}
}

// requestCancel asks the lane to stop working on this command. Fails once a
// terminal state has been reached; cancelling twice is a no-op.
func (h *Handle) requestCancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd.Status.IsTerminal() {
		return ErrCommandTerminal
	}

	if !h.cancelled {
		h.cancelled = true
		close(h.cancelCh)
	}

	return nil
}

// transition mutates the command record under the handle lock.
func (h *Handle) transition(fn func(*models.Command)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn(h.cmd)
}

// finalize records the terminal state and wakes waiters. It returns false if
// the command was already terminal.
func (h *Handle) finalize(status models.CommandStatus, errMsg string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd.Status.IsTerminal() {
		return false
	}

	h.cmd.Status = status
	h.cmd.Error = errMsg
	h.cmd.CompletedAt = &at

	if status == models.CommandAcknowledged {
		h.cmd.AckedAt = &at
	}

	close(h.done)

	return true
}

func cloneCommand(src *models.Command) *models.Command {
	if src == nil {
		return nil
	}

	dst := *src

	if src.Delta != nil {
		delta := make(map[string]interface{}, len(src.Delta))
		for k, v := range src.Delta {
			delta[k] = v
		}

		dst.Delta = delta
	}

	return &dst
}
