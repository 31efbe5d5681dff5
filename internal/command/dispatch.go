package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"omnihub/internal/state"
)

// Run executes the dispatch sweep until ctx is cancelled. Every sweep
// dispatches the due pending commands of each online device; devices are
// swept concurrently, commands of one device sequentially.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("command queue started", "interval", q.sweepInterval)
	for {
		timer := time.NewTimer(q.sweepInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			q.logger.Info("command queue stopped")
			return
		case <-q.sweepCh:
			timer.Stop()
		case <-timer.C:
		}
		q.Sweep(ctx)
	}
}

// TriggerSweep requests an immediate sweep without waiting for the timer.
func (q *Queue) TriggerSweep() {
	select {
	case q.sweepCh <- struct{}{}:
	default:
	}
}

// Sweep dispatches all due pending commands of every online device once.
func (q *Queue) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, dev := range q.store.AllDevices() {
		if !dev.IsOnline {
			continue
		}
		due := q.store.GetPendingCommandsForDevice(dev.ID)
		if len(due) == 0 {
			continue
		}
		wg.Add(1)
		go func(cmds []state.Command) {
			defer wg.Done()
			for _, cmd := range cmds {
				q.dispatch(ctx, cmd)
			}
		}(due)
	}
	wg.Wait()
}

// dispatch delivers one command. An offline or vanished device leaves the
// command pending without consuming an attempt; only an actual delivery
// failure counts against the attempt limit.
func (q *Queue) dispatch(ctx context.Context, cmd state.Command) {
	dev, ok := q.store.GetDevice(cmd.DeviceID)
	if !ok || !dev.IsOnline {
		q.logger.Debug("device offline, skipping command", "command", cmd.ID, "device", cmd.DeviceID)
		return
	}

	// Re-check status under the store lock: a concurrent cancel wins.
	attempts := 0
	started := false
	q.store.UpdateCommand(cmd.ID, func(c *state.Command) {
		if c.Status != state.StatusPending {
			return
		}
		c.Status = state.StatusExecuting
		c.Attempts++
		attempts = c.Attempts
		started = true
	})
	if !started {
		return
	}

	q.logger.Info("executing command", "command", cmd.ID, "device", cmd.DeviceID, "type", cmd.Type, "attempt", attempts)

	if err := q.send(ctx, dev.IPAddress, cmd); err != nil {
		q.fail(cmd, attempts, err)
		return
	}

	executedAt := q.now()
	q.store.UpdateCommand(cmd.ID, func(c *state.Command) {
		c.Status = state.StatusCompleted
		c.ExecutedAt = executedAt
	})
	q.applySideEffects(cmd)
	q.logger.Info("command completed", "command", cmd.ID, "device", cmd.DeviceID)
}

// send issues the HTTP POST for a command and returns nil on any 2xx reply.
func (q *Queue) send(ctx context.Context, deviceIP string, cmd state.Command) error {
	url, err := deviceURL(deviceIP, cmd.Type)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if cmd.Payload != nil {
		data, err := json.Marshal(cmd.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, q.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return fmt.Errorf("request timeout after %s", q.httpTimeout)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// deviceURL maps a command type to the device endpoint it hits.
func deviceURL(deviceIP string, typ state.CommandType) (string, error) {
	base := "http://" + deviceIP
	switch typ {
	case state.CmdOutputOn, state.CmdValveOpen, state.CmdOneSecOn:
		return base + "/output-on", nil
	case state.CmdOutputOff, state.CmdValveClose:
		return base + "/output-off", nil
	default:
		return "", fmt.Errorf("unsupported command type: %s", typ)
	}
}

// applySideEffects records the device state implied by a delivered command.
// A one-sec-on additionally chains an output-off one second out.
func (q *Queue) applySideEffects(cmd state.Command) {
	switch cmd.Type {
	case state.CmdOutputOn, state.CmdValveOpen:
		q.store.UpdateDeviceOutput(cmd.DeviceID, true)
	case state.CmdOutputOff, state.CmdValveClose:
		q.store.UpdateDeviceOutput(cmd.DeviceID, false)
	case state.CmdOneSecOn:
		q.store.UpdateDeviceOutput(cmd.DeviceID, true)
		q.QueueScheduledCommand(cmd.DeviceID, state.CmdOutputOff, q.now().Add(time.Second), nil)
	}
}

// fail requeues the command for a later sweep, or marks it permanently
// failed once the attempt limit is exhausted. The last error message is
// retained either way.
func (q *Queue) fail(cmd state.Command, attempts int, err error) {
	msg := err.Error()
	if attempts >= cmd.MaxAttempts {
		q.store.UpdateCommand(cmd.ID, func(c *state.Command) {
			c.Status = state.StatusFailed
			c.Error = msg
		})
		q.logger.Error("command failed permanently",
			"command", cmd.ID, "device", cmd.DeviceID, "attempts", attempts, "err", msg)
		return
	}
	q.store.UpdateCommand(cmd.ID, func(c *state.Command) {
		c.Status = state.StatusPending
		c.Error = msg
	})
	q.logger.Warn("command delivery failed, will retry",
		"command", cmd.ID, "device", cmd.DeviceID, "attempt", attempts, "max_attempts", cmd.MaxAttempts, "err", msg)
}
