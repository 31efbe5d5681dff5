// Package device is the orchestration facade: it translates external
// requests (registration, control, rename, wake queries) into state store
// and command queue calls, and runs the periodic device status sweep.
package device

import (
	"context"
	"log/slog"
	"time"

	"omnihub/internal/command"
	"omnihub/internal/journal"
	"omnihub/internal/state"
)

const (
	defaultStatusInterval = time.Minute
	commandMaxAge         = 24 * time.Hour
)

// ControlActions lists the device actions an operator may request.
var ControlActions = map[state.CommandType]bool{
	state.CmdOutputOn:   true,
	state.CmdOutputOff:  true,
	state.CmdOneSecOn:   true,
	state.CmdValveOpen:  true,
	state.CmdValveClose: true,
}

// Registration carries the fields a device reports on boot.
type Registration struct {
	ID         string `json:"id"`
	Alias      string `json:"alias"`
	IPAddress  string `json:"ipAddress"`
	MACAddress string `json:"macAddress"`
	Mode       int    `json:"mode"`
}

// WiFiFailureReport is the retry log a device uploads after connectivity
// trouble. Failures is the raw JSON string as sent by the firmware.
type WiFiFailureReport struct {
	ID       string `json:"id"`
	Alias    string `json:"alias"`
	Failures string `json:"failures"`
}

// Status is a device augmented with computed fields for operator views.
type Status struct {
	state.Device
	PendingCommandCount int   `json:"pendingCommandCount"`
	LastSeenAgoMS       int64 `json:"lastSeenAgo"`
}

// Health is the aggregate system view.
type Health struct {
	Devices struct {
		Total   int `json:"total"`
		Online  int `json:"online"`
		Offline int `json:"offline"`
	} `json:"devices"`
	Commands   command.Stats `json:"commands"`
	UptimeMS   int64         `json:"uptime"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

// Manager coordinates the store and command queue.
type Manager struct {
	store  *state.Store
	queue  *command.Queue
	log    *journal.Journal // optional failure-report journal, may be nil
	logger *slog.Logger

	statusInterval time.Duration
}

// NewManager creates the facade. The journal may be nil; failure reports
// are then only logged.
func NewManager(store *state.Store, queue *command.Queue, log *journal.Journal, logger *slog.Logger) *Manager {
	return &Manager{
		store:          store,
		queue:          queue,
		log:            log,
		logger:         logger.With("component", "device"),
		statusInterval: defaultStatusInterval,
	}
}

// Run executes the status sweep until ctx is cancelled: device liveness
// recomputation and old-command cleanup, once a minute.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("device manager started", "interval", m.statusInterval)
	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("device manager stopped")
			return
		case <-ticker.C:
			m.store.CheckDeviceStatus()
			m.store.CleanupOldCommands(commandMaxAge)
		}
	}
}

// HandleRegistration records a device announcing itself.
func (m *Manager) HandleRegistration(reg Registration) {
	m.logger.Info("device registration", "device", reg.ID, "alias", reg.Alias, "ip", reg.IPAddress)
	m.store.RegisterDevice(state.Registration{
		ID:         reg.ID,
		Alias:      reg.Alias,
		IPAddress:  reg.IPAddress,
		MACAddress: reg.MACAddress,
		Mode:       reg.Mode,
	})
}

// ShouldRemainAwake answers a device's stay-awake poll. The device stays
// awake when it has due pending commands or the operator forced it awake.
// The contact and resulting sleep status are recorded either way.
func (m *Manager) ShouldRemainAwake(deviceID string) bool {
	m.store.UpdateDeviceContact(deviceID, "should-remain-awake")

	pending := m.store.GetPendingCommandsForDevice(deviceID)
	stayAwake := len(pending) > 0
	if dev, ok := m.store.GetDevice(deviceID); ok {
		if dev.ForceAwake {
			stayAwake = true
		}
		status := state.SleepAsleep
		if stayAwake {
			status = state.SleepAwake
		}
		m.store.UpdateDeviceSleepStatus(deviceID, status)
	}

	m.logger.Debug("should remain awake", "device", deviceID, "stay_awake", stayAwake, "pending", len(pending))
	return stayAwake
}

// HandleWiFiFailures records a device's connectivity failure report. The
// report is journaled when a journal is configured.
func (m *Manager) HandleWiFiFailures(report WiFiFailureReport) {
	m.logger.Warn("wifi failure report", "device", report.ID, "failures", report.Failures)
	m.store.UpdateDeviceContact(report.ID, "wifi-failure-report")

	if m.log != nil {
		err := m.log.Append(journal.Report{
			DeviceID:   report.ID,
			Alias:      report.Alias,
			Failures:   report.Failures,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			m.logger.Error("journal failure report", "device", report.ID, "err", err)
		}
	}
}

// Rename updates a device's display alias. Returns false if unknown.
func (m *Manager) Rename(deviceID, alias string) bool {
	ok := m.store.UpdateDeviceAlias(deviceID, alias)
	if ok {
		m.logger.Info("device renamed", "device", deviceID, "alias", alias)
	}
	return ok
}

// Control queues a command against a known device. Returns the command ID,
// or "" when the device does not exist.
func (m *Manager) Control(deviceID string, action state.CommandType, delay time.Duration) (string, bool) {
	if _, ok := m.store.GetDevice(deviceID); !ok {
		m.logger.Warn("control for unknown device", "device", deviceID)
		return "", false
	}
	id := m.queue.QueueCommand(deviceID, command.Request{Type: action, ScheduleDelay: delay})
	return id, true
}

// ScheduleAction queues a command at an absolute time for a known device.
func (m *Manager) ScheduleAction(deviceID string, action state.CommandType, at time.Time) (string, bool) {
	if _, ok := m.store.GetDevice(deviceID); !ok {
		return "", false
	}
	return m.queue.QueueScheduledCommand(deviceID, action, at, nil), true
}

// SetForceAwake sets the stay-awake override. Returns false if unknown.
func (m *Manager) SetForceAwake(deviceID string, forceAwake bool) bool {
	ok := m.store.SetDeviceForceAwake(deviceID, forceAwake)
	if ok {
		m.logger.Info("force awake set", "device", deviceID, "force_awake", forceAwake)
	}
	return ok
}

// ToggleForceAwake flips the stay-awake override and returns the new value.
func (m *Manager) ToggleForceAwake(deviceID string) (bool, bool) {
	dev, ok := m.store.GetDevice(deviceID)
	if !ok {
		return false, false
	}
	next := !dev.ForceAwake
	return next, m.store.SetDeviceForceAwake(deviceID, next)
}

// DeviceStatus returns the operator view of one device.
func (m *Manager) DeviceStatus(deviceID string) (Status, bool) {
	dev, ok := m.store.GetDevice(deviceID)
	if !ok {
		return Status{}, false
	}
	return m.status(dev), true
}

// AllDevicesStatus returns the operator view of every device.
func (m *Manager) AllDevicesStatus() []Status {
	devices := m.store.AllDevices()
	out := make([]Status, 0, len(devices))
	for _, dev := range devices {
		out = append(out, m.status(dev))
	}
	return out
}

func (m *Manager) status(dev state.Device) Status {
	return Status{
		Device:              dev,
		PendingCommandCount: len(m.store.GetPendingCommandsForDevice(dev.ID)),
		LastSeenAgoMS:       time.Since(dev.LastSeen).Milliseconds(),
	}
}

// SystemHealth returns aggregate device and command counts.
func (m *Manager) SystemHealth() Health {
	snap := m.store.Snapshot()
	var h Health
	h.Devices.Total = snap.Stats.TotalDevices
	h.Devices.Online = snap.Stats.OnlineDevices
	h.Devices.Offline = snap.Stats.TotalDevices - snap.Stats.OnlineDevices
	h.Commands = m.queue.QueueStats()
	h.UptimeMS = snap.Stats.UptimeMS
	h.LastUpdate = snap.Stats.LastUpdate
	return h
}

// WakeAll queues output-on for every online device.
func (m *Manager) WakeAll() []string {
	var ids []string
	for _, dev := range m.store.AllDevices() {
		if !dev.IsOnline {
			continue
		}
		if id, ok := m.Control(dev.ID, state.CmdOutputOn, 0); ok {
			ids = append(ids, id)
		}
	}
	m.logger.Info("queued wake commands", "count", len(ids))
	return ids
}

// SleepAll queues output-off for every online device whose output is on.
func (m *Manager) SleepAll() []string {
	var ids []string
	for _, dev := range m.store.AllDevices() {
		if !dev.IsOnline || !dev.CurrentOutput {
			continue
		}
		if id, ok := m.Control(dev.ID, state.CmdOutputOff, 0); ok {
			ids = append(ids, id)
		}
	}
	m.logger.Info("queued sleep commands", "count", len(ids))
	return ids
}

// CancelCommand and RetryCommand expose queue transitions to the boundary.
func (m *Manager) CancelCommand(commandID string) bool { return m.queue.Cancel(commandID) }
func (m *Manager) RetryCommand(commandID string) bool  { return m.queue.Retry(commandID) }

// QueueStats exposes command counts for the boundary layer.
func (m *Manager) QueueStats() command.Stats { return m.queue.QueueStats() }
