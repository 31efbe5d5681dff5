package state

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

func testRegistration(id string) Registration {
	return Registration{
		ID:         id,
		Alias:      "Garden Valve",
		IPAddress:  "192.168.1.50",
		MACAddress: "AA:BB:CC:DD:EE:01",
		Mode:       6,
	}
}

func TestRegisterDevicePreservesRuntimeFields(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))

	s.UpdateDeviceOutput("dev1", true)
	s.AddCommand(Command{ID: "c1", DeviceID: "dev1", Status: StatusPending})

	// Re-registration (device rebooted) must not lose runtime state.
	reg := testRegistration("dev1")
	reg.Alias = "Renamed By Device"
	reg.IPAddress = "192.168.1.51"
	s.RegisterDevice(reg)

	dev, ok := s.GetDevice("dev1")
	if !ok {
		t.Fatal("device missing after re-registration")
	}
	if !dev.CurrentOutput {
		t.Error("CurrentOutput not preserved across re-registration")
	}
	if len(dev.PendingCommands) != 1 || dev.PendingCommands[0] != "c1" {
		t.Errorf("PendingCommands = %v, want [c1]", dev.PendingCommands)
	}
	if dev.IPAddress != "192.168.1.51" {
		t.Errorf("IPAddress = %q, want updated address", dev.IPAddress)
	}
	if !dev.IsOnline {
		t.Error("device not marked online after registration")
	}
	if len(dev.ContactHistory) != 2 {
		t.Errorf("ContactHistory length = %d, want 2", len(dev.ContactHistory))
	}
}

func TestContactHistoryBounded(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))

	for i := 0; i < 120; i++ {
		s.UpdateDeviceContact("dev1", "should-remain-awake")
	}

	dev, _ := s.GetDevice("dev1")
	if len(dev.ContactHistory) != 50 {
		t.Fatalf("ContactHistory length = %d, want 50", len(dev.ContactHistory))
	}
	// Newest entry must be last.
	last := dev.ContactHistory[len(dev.ContactHistory)-1]
	if last.Action != "should-remain-awake" {
		t.Errorf("last contact action = %q", last.Action)
	}
}

func TestUpdateDeviceContactUnknownDevice(t *testing.T) {
	s := newTestStore(t)
	notified := 0
	s.Subscribe(func(Snapshot) { notified++ })

	s.UpdateDeviceContact("ghost", "register")
	if notified != 0 {
		t.Error("contact for unknown device must be a no-op")
	}
}

func TestTargetedMutationsReturnFalseForUnknown(t *testing.T) {
	s := newTestStore(t)
	if s.UpdateDeviceAlias("ghost", "x") {
		t.Error("UpdateDeviceAlias succeeded for unknown device")
	}
	if s.UpdateDeviceOutput("ghost", true) {
		t.Error("UpdateDeviceOutput succeeded for unknown device")
	}
	if s.SetDeviceForceAwake("ghost", true) {
		t.Error("SetDeviceForceAwake succeeded for unknown device")
	}
	if s.UpdateDeviceSleepStatus("ghost", SleepAwake) {
		t.Error("UpdateDeviceSleepStatus succeeded for unknown device")
	}
}

func TestPendingCommandsInvariant(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))

	now := time.Now()
	for _, id := range []string{"c1", "c2", "c3"} {
		s.AddCommand(Command{
			ID: id, DeviceID: "dev1", Type: CmdOutputOn,
			ScheduledFor: now, CreatedAt: now,
			MaxAttempts: 3, Status: StatusPending,
		})
	}

	s.UpdateCommand("c1", func(c *Command) { c.Status = StatusCompleted })
	s.UpdateCommand("c2", func(c *Command) { c.Status = StatusFailed })

	dev, _ := s.GetDevice("dev1")
	if len(dev.PendingCommands) != 1 || dev.PendingCommands[0] != "c3" {
		t.Errorf("PendingCommands = %v, want [c3]", dev.PendingCommands)
	}

	// Cancellation is terminal too: the command leaves the pending list.
	s.UpdateCommand("c3", func(c *Command) { c.Status = StatusCancelled })
	dev, _ = s.GetDevice("dev1")
	if len(dev.PendingCommands) != 0 {
		t.Errorf("PendingCommands = %v after cancel, want empty", dev.PendingCommands)
	}
	if due := s.GetPendingCommandsForDevice("dev1"); len(due) != 0 {
		t.Errorf("due commands = %v, want none", due)
	}
}

func TestGetPendingCommandsExcludesFuture(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))

	base := time.Now()
	s.now = func() time.Time { return base }

	s.AddCommand(Command{
		ID: "due", DeviceID: "dev1", Type: CmdOutputOn,
		ScheduledFor: base.Add(-time.Second), CreatedAt: base,
		MaxAttempts: 3, Status: StatusPending,
	})
	s.AddCommand(Command{
		ID: "future", DeviceID: "dev1", Type: CmdOutputOff,
		ScheduledFor: base.Add(time.Second), CreatedAt: base,
		MaxAttempts: 3, Status: StatusPending,
	})

	due := s.GetPendingCommandsForDevice("dev1")
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due = %v, want only the past-scheduled command", due)
	}

	// Advance the clock past the schedule; the command becomes eligible.
	s.now = func() time.Time { return base.Add(2 * time.Second) }
	due = s.GetPendingCommandsForDevice("dev1")
	if len(due) != 2 {
		t.Fatalf("due count = %d after schedule elapsed, want 2", len(due))
	}
}

func TestCheckDeviceStatusFlipsAndBatches(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))
	s.RegisterDevice(testRegistration("dev2"))

	notified := 0
	s.Subscribe(func(Snapshot) { notified++ })

	// Nothing changed: both devices seen just now.
	s.CheckDeviceStatus()
	if notified != 0 {
		t.Errorf("status sweep notified %d times with no changes", notified)
	}

	// Move the clock 6 minutes ahead; both devices go offline in one sweep
	// with a single notification.
	base := time.Now()
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	s.CheckDeviceStatus()
	if notified != 1 {
		t.Errorf("status sweep notified %d times, want 1", notified)
	}

	for _, id := range []string{"dev1", "dev2"} {
		dev, _ := s.GetDevice(id)
		if dev.IsOnline {
			t.Errorf("device %s still online after 6 minutes of silence", id)
		}
	}
}

func TestCleanupOldCommands(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-25 * time.Hour)

	s.AddCommand(Command{ID: "old-done", Status: StatusCompleted, CreatedAt: old})
	s.AddCommand(Command{ID: "old-failed", Status: StatusFailed, CreatedAt: old})
	s.AddCommand(Command{ID: "old-pending", Status: StatusPending, CreatedAt: old})
	s.AddCommand(Command{ID: "new-done", Status: StatusCompleted, CreatedAt: time.Now()})

	s.CleanupOldCommands(24 * time.Hour)

	for _, id := range []string{"old-done", "old-failed"} {
		if _, ok := s.GetCommand(id); ok {
			t.Errorf("command %s survived cleanup", id)
		}
	}
	for _, id := range []string{"old-pending", "new-done"} {
		if _, ok := s.GetCommand(id); !ok {
			t.Errorf("command %s deleted by cleanup", id)
		}
	}
}

func TestObserverPanicIsolated(t *testing.T) {
	s := newTestStore(t)

	var seen []Snapshot
	s.Subscribe(func(Snapshot) { panic("bad observer") })
	s.Subscribe(func(snap Snapshot) { seen = append(seen, snap) })

	s.RegisterDevice(testRegistration("dev1"))

	if len(seen) != 1 {
		t.Fatalf("second observer saw %d notifications, want 1", len(seen))
	}
	if seen[0].Stats.TotalDevices != 1 {
		t.Errorf("snapshot stats = %+v", seen[0].Stats)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := newTestStore(t)
	notified := 0
	unsub := s.Subscribe(func(Snapshot) { notified++ })

	s.RegisterDevice(testRegistration("dev1"))
	unsub()
	s.UpdateDeviceOutput("dev1", true)

	if notified != 1 {
		t.Errorf("notified %d times, want 1", notified)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))

	dev, _ := s.GetDevice("dev1")
	dev.Alias = "mutated"
	dev.ContactHistory[0].Action = "mutated"

	fresh, _ := s.GetDevice("dev1")
	if fresh.Alias == "mutated" || fresh.ContactHistory[0].Action == "mutated" {
		t.Error("GetDevice leaked internal state")
	}

	snap := s.Snapshot()
	d := snap.Devices["dev1"]
	d.PendingCommands = append(d.PendingCommands, "x")
	if len(s.Snapshot().Devices["dev1"].PendingCommands) != 0 {
		t.Error("snapshot leaked internal state")
	}
}

func TestSnapshotStats(t *testing.T) {
	s := newTestStore(t)
	s.RegisterDevice(testRegistration("dev1"))
	s.RegisterDevice(testRegistration("dev2"))
	s.AddCommand(Command{ID: "c1", DeviceID: "dev1", Status: StatusPending})
	s.AddCommand(Command{ID: "c2", DeviceID: "dev1", Status: StatusCompleted})

	snap := s.Snapshot()
	if snap.Stats.TotalDevices != 2 || snap.Stats.OnlineDevices != 2 {
		t.Errorf("device stats = %+v", snap.Stats)
	}
	if snap.Stats.PendingCommands != 1 {
		t.Errorf("PendingCommands = %d, want 1", snap.Stats.PendingCommands)
	}
}
