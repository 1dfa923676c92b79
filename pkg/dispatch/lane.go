package dispatch

import (
	"fmt"
	"time"

	"github.com/carverauto/hearth/pkg/models"
)

// lane is the per-device dispatch queue. Its goroutine is the only place a
// device's command state machines advance, which is what keeps attempts for
// one device from ever overlapping.
type lane struct {
	deviceID string
	queue    chan *Handle
}

type waitResult int

const (
	waitTimeout waitResult = iota
	waitAck
	waitCancelled
	waitStopped
)

func (d *Dispatcher) runLane(ln *lane) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			d.drainLane(ln)
			return
		case h := <-ln.queue:
			d.runCommand(h)
		}
	}
}

// drainLane finalizes whatever is still queued so every submitter learns an
// outcome even across shutdown.
func (d *Dispatcher) drainLane(ln *lane) {
	for {
		select {
		case h := <-ln.queue:
			d.complete(h, models.CommandCancelled, "dispatcher stopped")
		default:
			return
		}
	}
}

// runCommand isolates a panic to the offending command; the lane itself
// keeps serving so one corrupted state machine cannot strand a device.
func (d *Dispatcher) runCommand(h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("command_id", h.ID()).
				Interface("panic", r).
				Msg("Command dispatch panicked")

			d.complete(h, models.CommandFailed, fmt.Sprintf("internal dispatch error: %v", r))
		}
	}()

	d.dispatchCommand(h)
}

func (d *Dispatcher) dispatchCommand(h *Handle) {
	cmd := h.Command()

	ackCh := d.registerWaiter(cmd.CommandID)
	defer d.unregisterWaiter(cmd.CommandID)

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		select {
		case <-h.cancelCh:
			d.complete(h, models.CommandCancelled, "cancelled by caller")
			return
		case <-d.ctx.Done():
			d.complete(h, models.CommandCancelled, "dispatcher stopped")
			return
		default:
		}

		now := d.clock.Now().UTC()
		if !cmd.Deadline.After(now) {
			d.complete(h, models.CommandExpired, "deadline exceeded")
			return
		}

		dev, err := d.store.GetDevice(cmd.DeviceID)
		if err != nil {
			d.complete(h, models.CommandFailed, fmt.Sprintf("device lookup: %v", err))
			return
		}

		if dev.Retired {
			d.complete(h, models.CommandCancelled, "device retired")
			return
		}

		sentAt := now

		h.transition(func(c *models.Command) {
			c.Status = models.CommandInFlight
			c.Attempts = attempt
			c.SentAt = &sentAt
		})

		req := &models.CommandRequest{
			CommandID: cmd.CommandID,
			DeviceID:  cmd.DeviceID,
			Kind:      cmd.Kind,
			Delta:     cmd.Delta,
			Attempt:   attempt,
			Deadline:  cmd.Deadline,
		}

		if err := d.transport.Deliver(d.ctx, dev, req); err != nil {
			d.logger.Warn().
				Err(err).
				Str("command_id", cmd.CommandID).
				Str("device_id", cmd.DeviceID).
				Int("attempt", attempt).
				Msg("Command delivery attempt failed")
		} else {
			result, ack := d.await(h, ackCh, d.boundedWait(d.policy.AckTimeout, cmd.Deadline))

			switch result {
			case waitAck:
				d.resolveAck(h, cmd, ack)
				return
			case waitCancelled:
				d.complete(h, models.CommandCancelled, "cancelled by caller")
				return
			case waitStopped:
				d.complete(h, models.CommandCancelled, "dispatcher stopped")
				return
			case waitTimeout:
				// No acknowledgement this attempt.
			}
		}

		now = d.clock.Now().UTC()
		if !cmd.Deadline.After(now) {
			d.complete(h, models.CommandExpired, "deadline exceeded")
			return
		}

		if attempt == d.policy.MaxAttempts {
			reason := fmt.Sprintf("no acknowledgement after %d attempts", attempt)
			d.complete(h, models.CommandFailed, reason)
			d.markUnreachable(cmd.DeviceID, reason)

			return
		}

		h.transition(func(c *models.Command) {
			c.Status = models.CommandPending
		})

		// Backoff before the next attempt, still listening: an ack landing
		// now means the device did act and retrying would double-deliver.
		result, ack := d.await(h, ackCh, d.boundedWait(d.policy.backoffDelay(attempt), cmd.Deadline))

		switch result {
		case waitAck:
			d.resolveAck(h, cmd, ack)
			return
		case waitCancelled:
			d.complete(h, models.CommandCancelled, "cancelled by caller")
			return
		case waitStopped:
			d.complete(h, models.CommandCancelled, "dispatcher stopped")
			return
		case waitTimeout:
			// Next attempt.
		}
	}
}

// boundedWait caps a wait so it never runs past the command deadline.
func (d *Dispatcher) boundedWait(wait time.Duration, deadline time.Time) time.Duration {
	if remaining := deadline.Sub(d.clock.Now()); remaining < wait {
		wait = remaining
	}

	if wait < 0 {
		wait = 0
	}

	return wait
}

func (d *Dispatcher) await(h *Handle, ackCh <-chan *models.CommandAck, wait time.Duration) (waitResult, *models.CommandAck) {
	timer := d.clock.Timer(wait)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		return waitAck, ack
	case <-timer.Chan():
		return waitTimeout, nil
	case <-h.cancelCh:
		return waitCancelled, nil
	case <-d.ctx.Done():
		return waitStopped, nil
	}
}

// resolveAck folds the acknowledgement into the registry and decides the
// terminal state. A rejection is still an answer from the device, so it
// completes the command as failed without touching reachability.
func (d *Dispatcher) resolveAck(h *Handle, cmd *models.Command, ack *models.CommandAck) {
	now := d.clock.Now().UTC()

	if len(ack.State) > 0 {
		reportedAt := ack.ReportedAt
		if reportedAt.IsZero() {
			reportedAt = now
		}

		eventType := models.EventTypeStateReport
		if cmd.Kind == models.CommandKindQuery {
			eventType = models.EventTypeQueryReply
		}

		ev := &models.DeviceEvent{
			DeviceID:   cmd.DeviceID,
			EventType:  eventType,
			Payload:    ack.State,
			ReportedAt: reportedAt,
			ReceivedAt: now,
		}

		if _, err := d.store.ApplyEvent(d.ctx, ev); err != nil {
			d.logger.Warn().
				Err(err).
				Str("command_id", cmd.CommandID).
				Str("device_id", cmd.DeviceID).
				Msg("Failed to apply acknowledgement state")
		}
	}

	if ack.Success {
		d.complete(h, models.CommandAcknowledged, "")
		return
	}

	reason := ack.Error
	if reason == "" {
		reason = "device rejected command"
	}

	d.complete(h, models.CommandFailed, reason)
}

// complete finalizes a handle exactly once, retains it for lookup, and emits
// the terminal-outcome change.
func (d *Dispatcher) complete(h *Handle, status models.CommandStatus, errMsg string) {
	now := d.clock.Now().UTC()

	if !h.finalize(status, errMsg, now) {
		return
	}

	cmd := h.Command()
	d.retainTerminal(cmd.CommandID)

	d.notify(&models.StateChange{
		Kind:       models.ChangeCommandOutcome,
		DeviceID:   cmd.DeviceID,
		Command:    cmd,
		OccurredAt: now,
	})

	evt := d.logger.Info().
		Str("command_id", cmd.CommandID).
		Str("device_id", cmd.DeviceID).
		Str("status", string(cmd.Status)).
		Int("attempts", cmd.Attempts)

	if errMsg != "" {
		evt = evt.Str("error", errMsg)
	}

	evt.Msg("Command completed")
}

func (d *Dispatcher) markUnreachable(deviceID, reason string) {
	if err := d.store.MarkUnreachable(d.ctx, deviceID, reason); err != nil {
		d.logger.Debug().
			Err(err).
			Str("device_id", deviceID).
			Msg("Could not mark device unreachable")
	}
}
