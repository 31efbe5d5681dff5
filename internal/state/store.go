package state

import (
	"log/slog"
	"sync"
	"time"
)

// offlineThreshold is how long a device may stay silent before the status
// sweep marks it offline.
const offlineThreshold = 5 * time.Minute

// Observer receives a full-state snapshot after every mutation.
type Observer func(Snapshot)

// Store is the authoritative in-memory device and command table. It is the
// only owner of Device and Command records; every accessor returns deep
// copies and every mutation happens under the store mutex.
type Store struct {
	mu       sync.Mutex
	devices  map[string]*Device
	commands map[string]*Command

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObsID uint64

	startTime time.Time
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		devices:   make(map[string]*Device),
		commands:  make(map[string]*Command),
		observers: make(map[uint64]Observer),
		startTime: time.Now(),
		logger:    logger.With("component", "state"),
		now:       time.Now,
	}
}

// SetNowFunc overrides the store's clock. Tests use it to drive the
// time-dependent sweeps deterministically.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Subscribe registers an observer for state change notifications.
// Returns an unsubscribe function.
func (s *Store) Subscribe(obs Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

// notify fans the current snapshot out to all observers. A panicking
// observer is recovered and logged; it never blocks the others.
func (s *Store) notify() {
	snap := s.Snapshot()

	s.obsMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.obsMu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state observer panic", "panic", r)
				}
			}()
			obs(snap)
		}()
	}
}

// Registration carries the fields a device reports when it registers.
type Registration struct {
	ID         string
	Alias      string
	IPAddress  string
	MACAddress string
	Mode       int
}

// RegisterDevice creates or updates a device. On update the runtime fields
// (current output, sensor data, pending commands, contact history) are
// preserved; the device is always marked online with a fresh register
// contact record.
func (s *Store) RegisterDevice(reg Registration) {
	s.mu.Lock()
	now := s.now()
	record := ContactRecord{Timestamp: now, IPAddress: reg.IPAddress, Action: "register"}

	dev := &Device{
		ID:          reg.ID,
		Alias:       reg.Alias,
		IPAddress:   reg.IPAddress,
		MACAddress:  reg.MACAddress,
		Mode:        reg.Mode,
		IsOnline:    true,
		LastSeen:    now,
		SleepStatus: SleepUnknown,
	}
	if existing, ok := s.devices[reg.ID]; ok {
		dev.ContactHistory = appendContact(existing.ContactHistory, record)
		dev.CurrentOutput = existing.CurrentOutput
		dev.SensorData = existing.SensorData
		dev.PendingCommands = existing.PendingCommands
		dev.SleepStatus = existing.SleepStatus
		dev.ForceAwake = existing.ForceAwake
		dev.LastAwakeCheck = existing.LastAwakeCheck
	} else {
		dev.ContactHistory = []ContactRecord{record}
	}
	s.devices[reg.ID] = dev
	s.mu.Unlock()

	s.notify()
}

// UpdateDeviceContact records a contact event from a known device, refreshes
// its last-seen time and forces it online. No-op for unknown devices.
func (s *Store) UpdateDeviceContact(deviceID, action string) {
	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	dev.LastSeen = now
	dev.IsOnline = true
	dev.ContactHistory = appendContact(dev.ContactHistory, ContactRecord{
		Timestamp: now,
		IPAddress: dev.IPAddress,
		Action:    action,
	})
	s.mu.Unlock()

	s.notify()
}

// appendContact appends a record, truncating the history to its bound.
func appendContact(history []ContactRecord, record ContactRecord) []ContactRecord {
	if len(history) >= contactHistoryLimit {
		history = history[len(history)-(contactHistoryLimit-1):]
	}
	out := make([]ContactRecord, 0, len(history)+1)
	out = append(out, history...)
	return append(out, record)
}

// UpdateDeviceAlias renames a device. Returns false if it is unknown.
func (s *Store) UpdateDeviceAlias(deviceID, alias string) bool {
	return s.mutateDevice(deviceID, func(dev *Device) {
		dev.Alias = alias
	})
}

// UpdateDeviceOutput records the last known actuator state.
func (s *Store) UpdateDeviceOutput(deviceID string, on bool) bool {
	return s.mutateDevice(deviceID, func(dev *Device) {
		dev.CurrentOutput = on
	})
}

// SetDeviceForceAwake sets the operator stay-awake override.
func (s *Store) SetDeviceForceAwake(deviceID string, forceAwake bool) bool {
	return s.mutateDevice(deviceID, func(dev *Device) {
		dev.ForceAwake = forceAwake
	})
}

// UpdateDeviceSleepStatus records the sleep state implied by the device's
// latest should-remain-awake poll.
func (s *Store) UpdateDeviceSleepStatus(deviceID string, status SleepStatus) bool {
	now := s.now()
	return s.mutateDevice(deviceID, func(dev *Device) {
		dev.SleepStatus = status
		dev.LastAwakeCheck = now
	})
}

// AddSensorReading appends a reported sample to the device's sensor data.
func (s *Store) AddSensorReading(deviceID string, reading SensorReading) bool {
	return s.mutateDevice(deviceID, func(dev *Device) {
		dev.SensorData = append(dev.SensorData, reading)
	})
}

func (s *Store) mutateDevice(deviceID string, fn func(*Device)) bool {
	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(dev)
	s.mu.Unlock()

	s.notify()
	return true
}

// AddCommand inserts a command and links it to its device's pending list
// when the device exists.
func (s *Store) AddCommand(cmd Command) {
	s.mu.Lock()
	stored := cmd
	s.commands[cmd.ID] = &stored
	if dev, ok := s.devices[cmd.DeviceID]; ok {
		dev.PendingCommands = append(dev.PendingCommands, cmd.ID)
	}
	s.mu.Unlock()

	s.notify()
}

// UpdateCommand applies fn to a command under the store lock. If the
// resulting status is terminal the command is unlinked from its device's
// pending list. No-op for unknown command IDs.
func (s *Store) UpdateCommand(commandID string, fn func(*Command)) {
	s.mu.Lock()
	cmd, ok := s.commands[commandID]
	if !ok {
		s.mu.Unlock()
		return
	}
	fn(cmd)
	if dev, ok := s.devices[cmd.DeviceID]; ok {
		if cmd.Status.Terminal() {
			dev.PendingCommands = removeID(dev.PendingCommands, commandID)
		} else if !containsID(dev.PendingCommands, commandID) {
			// A manual retry brings a failed command back; re-link it.
			dev.PendingCommands = append(dev.PendingCommands, commandID)
		}
	}
	s.mu.Unlock()

	s.notify()
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// GetCommand returns a copy of a command.
func (s *Store) GetCommand(commandID string) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// GetPendingCommandsForDevice returns the device's commands that are
// pending and due (scheduled at or before now), in insertion order.
func (s *Store) GetPendingCommandsForDevice(deviceID string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	now := s.now()
	var due []Command
	for _, id := range dev.PendingCommands {
		cmd, ok := s.commands[id]
		if !ok {
			continue
		}
		if cmd.Status == StatusPending && !cmd.ScheduledFor.After(now) {
			due = append(due, *cmd)
		}
	}
	return due
}

// AllCommands returns copies of every command in the table.
func (s *Store) AllCommands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, *cmd)
	}
	return out
}

// GetDevice returns a deep copy of a device.
func (s *Store) GetDevice(deviceID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return copyDevice(dev), true
}

// AllDevices returns deep copies of every registered device.
func (s *Store) AllDevices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, copyDevice(dev))
	}
	return out
}

// CheckDeviceStatus recomputes the online flag of every device from its
// last-seen time. Notifies only when at least one flag flipped.
func (s *Store) CheckDeviceStatus() {
	s.mu.Lock()
	now := s.now()
	changed := false
	for _, dev := range s.devices {
		online := now.Sub(dev.LastSeen) < offlineThreshold
		if dev.IsOnline != online {
			dev.IsOnline = online
			changed = true
			s.logger.Info("device status changed", "device", dev.ID, "online", online)
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// CleanupOldCommands deletes completed and failed commands older than maxAge.
func (s *Store) CleanupOldCommands(maxAge time.Duration) {
	s.mu.Lock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, cmd := range s.commands {
		if (cmd.Status == StatusCompleted || cmd.Status == StatusFailed) && cmd.CreatedAt.Before(cutoff) {
			delete(s.commands, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("cleaned up old commands", "removed", removed)
		s.notify()
	}
}

// Snapshot returns an immutable copy of the full state with aggregate stats.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make(map[string]Device, len(s.devices))
	online := 0
	for id, dev := range s.devices {
		devices[id] = copyDevice(dev)
		if dev.IsOnline {
			online++
		}
	}
	pending := 0
	for _, cmd := range s.commands {
		if cmd.Status == StatusPending {
			pending++
		}
	}

	return Snapshot{
		Devices: devices,
		Stats: Stats{
			TotalDevices:    len(s.devices),
			OnlineDevices:   online,
			PendingCommands: pending,
			UptimeMS:        time.Since(s.startTime).Milliseconds(),
			LastUpdate:      s.now(),
		},
	}
}

func copyDevice(dev *Device) Device {
	out := *dev
	out.ContactHistory = append([]ContactRecord(nil), dev.ContactHistory...)
	out.SensorData = append([]SensorReading(nil), dev.SensorData...)
	out.PendingCommands = append([]string(nil), dev.PendingCommands...)
	return out
}
