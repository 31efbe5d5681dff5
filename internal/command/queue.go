// Package command owns command creation, scheduling and delivery. Commands
// move through a small state machine: pending -> executing -> completed,
// with automatic requeue on failure until the attempt limit is reached.
// The fixed sweep interval provides natural spacing between retries, so no
// backoff is applied.
package command

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"omnihub/internal/state"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultHTTPTimeout   = 10 * time.Second
	maxAttempts          = 3
)

// Request describes a command to queue for a device.
type Request struct {
	Type          state.CommandType
	Payload       any
	ScheduleDelay time.Duration // 0 means immediately eligible
}

// Stats counts commands by status.
type Stats struct {
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Queue schedules commands and dispatches them to devices over HTTP.
type Queue struct {
	store  *state.Store
	logger *slog.Logger

	sweepInterval time.Duration
	httpTimeout   time.Duration
	sweepCh       chan struct{}
	now           func() time.Time
}

// NewQueue creates a command queue over the given store.
func NewQueue(store *state.Store, logger *slog.Logger) *Queue {
	return &Queue{
		store:         store,
		logger:        logger.With("component", "command"),
		sweepInterval: defaultSweepInterval,
		httpTimeout:   defaultHTTPTimeout,
		sweepCh:       make(chan struct{}, 1),
		now:           time.Now,
	}
}

// QueueCommand creates a pending command for a device, eligible after the
// optional schedule delay. Returns the generated command ID. Device
// existence is not checked here; dispatch verifies it.
func (q *Queue) QueueCommand(deviceID string, req Request) string {
	now := q.now()
	return q.add(state.Command{
		ID:           newCommandID(),
		DeviceID:     deviceID,
		Type:         req.Type,
		Payload:      req.Payload,
		ScheduledFor: now.Add(req.ScheduleDelay),
		CreatedAt:    now,
		MaxAttempts:  maxAttempts,
		Status:       state.StatusPending,
	})
}

// QueueScheduledCommand creates a pending command with an absolute
// execution time.
func (q *Queue) QueueScheduledCommand(deviceID string, typ state.CommandType, at time.Time, payload any) string {
	return q.add(state.Command{
		ID:           newCommandID(),
		DeviceID:     deviceID,
		Type:         typ,
		Payload:      payload,
		ScheduledFor: at,
		CreatedAt:    q.now(),
		MaxAttempts:  maxAttempts,
		Status:       state.StatusPending,
	})
}

func (q *Queue) add(cmd state.Command) string {
	q.store.AddCommand(cmd)
	q.logger.Info("queued command",
		"command", cmd.ID, "device", cmd.DeviceID, "type", cmd.Type,
		"scheduled_for", cmd.ScheduledFor)
	return cmd.ID
}

// Cancel moves a pending command to cancelled. Returns false if the command
// is missing or not pending; no mutation happens in that case.
func (q *Queue) Cancel(commandID string) bool {
	ok := false
	q.store.UpdateCommand(commandID, func(c *state.Command) {
		if c.Status != state.StatusPending {
			return
		}
		c.Status = state.StatusCancelled
		ok = true
	})
	if ok {
		q.logger.Info("command cancelled", "command", commandID)
	}
	return ok
}

// Retry moves a failed command back to pending with its attempt counter
// reset and error cleared. Returns false if the command is missing or not
// failed.
func (q *Queue) Retry(commandID string) bool {
	ok := false
	q.store.UpdateCommand(commandID, func(c *state.Command) {
		if c.Status != state.StatusFailed {
			return
		}
		c.Status = state.StatusPending
		c.Attempts = 0
		c.Error = ""
		ok = true
	})
	if ok {
		q.logger.Info("command queued for retry", "command", commandID)
	}
	return ok
}

// QueueStats returns command counts by status.
func (q *Queue) QueueStats() Stats {
	var st Stats
	for _, cmd := range q.store.AllCommands() {
		switch cmd.Status {
		case state.StatusPending:
			st.Pending++
		case state.StatusExecuting:
			st.Executing++
		case state.StatusCompleted:
			st.Completed++
		case state.StatusFailed:
			st.Failed++
		}
		st.Total++
	}
	return st
}

func newCommandID() string {
	return "cmd_" + uuid.NewString()
}
