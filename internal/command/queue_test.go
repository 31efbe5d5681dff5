package command

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"omnihub/internal/state"
)

func newTestQueue(t *testing.T) (*Queue, *state.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st := state.New(logger)
	return NewQueue(st, logger), st
}

func registerOnline(st *state.Store, id, ip string) {
	st.RegisterDevice(state.Registration{
		ID: id, Alias: id, IPAddress: ip, MACAddress: "AA:BB:CC:00:11:22", Mode: 4,
	})
}

func TestQueueCommandDefaults(t *testing.T) {
	q, st := newTestQueue(t)
	registerOnline(st, "dev1", "192.168.1.10")

	before := time.Now()
	id := q.QueueCommand("dev1", Request{Type: state.CmdOutputOn})
	cmd, ok := st.GetCommand(id)
	if !ok {
		t.Fatal("queued command not in store")
	}
	if cmd.Status != state.StatusPending {
		t.Errorf("status = %s, want pending", cmd.Status)
	}
	if cmd.MaxAttempts != 3 || cmd.Attempts != 0 {
		t.Errorf("attempts = %d/%d, want 0/3", cmd.Attempts, cmd.MaxAttempts)
	}
	if cmd.ScheduledFor.Before(before) || cmd.ScheduledFor.After(time.Now()) {
		t.Errorf("ScheduledFor = %v, want ~now", cmd.ScheduledFor)
	}
}

func TestQueueCommandWithDelay(t *testing.T) {
	q, st := newTestQueue(t)
	registerOnline(st, "dev1", "192.168.1.10")

	id := q.QueueCommand("dev1", Request{Type: state.CmdOutputOff, ScheduleDelay: time.Minute})
	cmd, _ := st.GetCommand(id)
	if time.Until(cmd.ScheduledFor) < 50*time.Second {
		t.Errorf("ScheduledFor = %v, want ~1 minute out", cmd.ScheduledFor)
	}
	// A future command must not be due yet.
	if due := st.GetPendingCommandsForDevice("dev1"); len(due) != 0 {
		t.Errorf("future command already due: %v", due)
	}
}

func TestQueueCommandUnknownDevice(t *testing.T) {
	q, st := newTestQueue(t)

	// Queueing does not validate device existence.
	id := q.QueueCommand("ghost", Request{Type: state.CmdOutputOn})
	if _, ok := st.GetCommand(id); !ok {
		t.Fatal("command for unknown device not stored")
	}
}

func TestCancelOnlyPending(t *testing.T) {
	q, st := newTestQueue(t)
	registerOnline(st, "dev1", "192.168.1.10")
	id := q.QueueCommand("dev1", Request{Type: state.CmdOutputOn})

	if !q.Cancel(id) {
		t.Fatal("cancel of pending command failed")
	}
	cmd, _ := st.GetCommand(id)
	if cmd.Status != state.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cmd.Status)
	}

	// Cancelling again, or cancelling non-pending states, must fail
	// without mutation.
	if q.Cancel(id) {
		t.Error("cancel succeeded twice")
	}
	for _, status := range []state.CommandStatus{
		state.StatusExecuting, state.StatusCompleted, state.StatusFailed,
	} {
		cid := q.QueueCommand("dev1", Request{Type: state.CmdOutputOn})
		st.UpdateCommand(cid, func(c *state.Command) { c.Status = status })
		if q.Cancel(cid) {
			t.Errorf("cancel succeeded on %s command", status)
		}
		got, _ := st.GetCommand(cid)
		if got.Status != status {
			t.Errorf("cancel mutated %s command to %s", status, got.Status)
		}
	}

	if q.Cancel("missing") {
		t.Error("cancel succeeded on missing command")
	}
}

func TestRetryOnlyFailed(t *testing.T) {
	q, st := newTestQueue(t)
	registerOnline(st, "dev1", "192.168.1.10")
	id := q.QueueCommand("dev1", Request{Type: state.CmdOutputOn})
	st.UpdateCommand(id, func(c *state.Command) {
		c.Status = state.StatusFailed
		c.Attempts = 3
		c.Error = "HTTP 503: Service Unavailable"
	})

	if !q.Retry(id) {
		t.Fatal("retry of failed command failed")
	}
	cmd, _ := st.GetCommand(id)
	if cmd.Status != state.StatusPending {
		t.Errorf("status = %s, want pending", cmd.Status)
	}
	if cmd.Attempts != 0 || cmd.Error != "" {
		t.Errorf("attempts = %d, error = %q; want reset", cmd.Attempts, cmd.Error)
	}

	// Retried command must be dispatchable again.
	dev, _ := st.GetDevice("dev1")
	found := false
	for _, cid := range dev.PendingCommands {
		if cid == id {
			found = true
		}
	}
	if !found {
		t.Error("retried command not re-linked to device pending list")
	}

	if q.Retry(id) {
		t.Error("retry succeeded on pending command")
	}
	if q.Retry("missing") {
		t.Error("retry succeeded on missing command")
	}
}

func TestQueueStats(t *testing.T) {
	q, st := newTestQueue(t)
	registerOnline(st, "dev1", "192.168.1.10")

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = q.QueueCommand("dev1", Request{Type: state.CmdOutputOn})
	}
	st.UpdateCommand(ids[0], func(c *state.Command) { c.Status = state.StatusCompleted })
	st.UpdateCommand(ids[1], func(c *state.Command) { c.Status = state.StatusFailed })
	st.UpdateCommand(ids[2], func(c *state.Command) { c.Status = state.StatusExecuting })

	got := q.QueueStats()
	want := Stats{Pending: 1, Executing: 1, Completed: 1, Failed: 1, Total: 4}
	if got != want {
		t.Errorf("QueueStats() = %+v, want %+v", got, want)
	}
}
