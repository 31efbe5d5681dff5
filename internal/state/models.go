package state

import "time"

// SleepStatus is the last known sleep state a device reported or was assigned.
type SleepStatus string

const (
	SleepAwake   SleepStatus = "awake"
	SleepAsleep  SleepStatus = "asleep"
	SleepUnknown SleepStatus = "unknown"
)

// contactHistoryLimit bounds the per-device contact ring.
const contactHistoryLimit = 50

// ContactRecord is one observed contact from a device.
type ContactRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
	Action    string    `json:"action"`
}

// SensorReading is a single sample reported by a sensor-mode device.
type SensorReading struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // "temperature", "soil_moisture", "analog"
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
}

// Device is the authoritative state of one registered device.
// Identity is the device-reported serial number.
type Device struct {
	ID              string          `json:"id"`
	Alias           string          `json:"alias"`
	IPAddress       string          `json:"ipAddress"`
	MACAddress      string          `json:"macAddress"`
	Mode            int             `json:"mode"`
	IsOnline        bool            `json:"isOnline"`
	LastSeen        time.Time       `json:"lastSeen"`
	ContactHistory  []ContactRecord `json:"contactHistory"`
	CurrentOutput   bool            `json:"currentOutput"`
	SensorData      []SensorReading `json:"sensorData"`
	PendingCommands []string        `json:"pendingCommands"`
	SleepStatus     SleepStatus     `json:"sleepStatus"`
	ForceAwake      bool            `json:"forceAwake"`
	LastAwakeCheck  time.Time       `json:"lastAwakeCheck"`
}

// DeviceModes maps the firmware operating mode number to its display name.
var DeviceModes = map[int]string{
	0: "Servo",
	1: "Input Switch",
	2: "Thermometer",
	3: "Soil Sensor",
	4: "Relay",
	5: "RGB LED",
	6: "Latching Valve",
}

// ValidDeviceMode reports whether mode is a known operating mode.
func ValidDeviceMode(mode int) bool {
	_, ok := DeviceModes[mode]
	return ok
}

// CommandType selects the action a command performs on its device.
type CommandType string

const (
	CmdOutputOn   CommandType = "output-on"
	CmdOutputOff  CommandType = "output-off"
	CmdOneSecOn   CommandType = "one-sec-on"
	CmdValveOpen  CommandType = "valve-open"
	CmdValveClose CommandType = "valve-close"
	CmdSetMode    CommandType = "set-mode"
	CmdRename     CommandType = "rename"
)

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions besides
// the manual failed->pending retry.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Command is a scheduled, retryable instruction targeting one device.
type Command struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"deviceId"`
	Type         CommandType   `json:"type"`
	Payload      any           `json:"payload,omitempty"`
	ScheduledFor time.Time     `json:"scheduledFor"`
	CreatedAt    time.Time     `json:"createdAt"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"maxAttempts"`
	Status       CommandStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	ExecutedAt   time.Time     `json:"executedAt"`
}

// Stats is the aggregate view recomputed after every mutation.
type Stats struct {
	TotalDevices    int       `json:"totalDevices"`
	OnlineDevices   int       `json:"onlineDevices"`
	PendingCommands int       `json:"pendingCommands"`
	UptimeMS        int64     `json:"uptime"`
	LastUpdate      time.Time `json:"lastUpdate"`
}

// Snapshot is an immutable copy of the full system state handed to
// observers. Callers may retain it indefinitely.
type Snapshot struct {
	Devices map[string]Device `json:"devices"`
	Stats   Stats             `json:"systemStats"`
}
