// Package mqtt mirrors the device fleet state onto an MQTT broker and
// accepts control commands from it, so dashboards and home automation
// systems can observe and drive the fleet without polling the REST API.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"omnihub/internal/device"
	"omnihub/internal/state"
)

// Config holds MQTT mirror configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Mirror publishes state snapshots to MQTT and forwards set commands to
// the device manager.
type Mirror struct {
	client pahomqtt.Client
	mgr    *device.Manager
	store  *state.Store
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewMirror creates and connects an MQTT mirror.
func NewMirror(mgr *device.Manager, store *state.Store, cfg Config, logger *slog.Logger) (*Mirror, error) {
	m := &Mirror{
		mgr:    mgr,
		store:  store,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("omnihub").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			m.logger.Info("MQTT connected")
			m.publishBridgeState("online")
			m.publishSnapshot(m.store.Snapshot())
			m.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			m.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	m.client = client
	return m, nil
}

// Start subscribes to state store changes and begins publishing.
func (m *Mirror) Start() {
	m.unsub = m.store.Subscribe(m.publishSnapshot)
	m.logger.Info("MQTT mirror started", "prefix", m.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (m *Mirror) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	m.publishBridgeState("offline")
	m.client.Disconnect(1000)
	m.logger.Info("MQTT mirror stopped")
}

// publishSnapshot mirrors the full snapshot plus one retained topic per
// device, so subscribers can watch a single device without parsing the
// whole snapshot.
func (m *Mirror) publishSnapshot(snap state.Snapshot) {
	m.publish(m.prefix+"/state", mustJSON(snap), true)
	for id, dev := range snap.Devices {
		m.publish(m.prefix+"/devices/"+id, mustJSON(dev), true)
	}
}

func (m *Mirror) publishBridgeState(st string) {
	m.publish(m.prefix+"/bridge/state", []byte(st), true)
}

func (m *Mirror) subscribeCommands() {
	topic := m.prefix + "/devices/+/set"
	m.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		m.handleCommand(msg.Topic(), msg.Payload())
	})
}

// setCommand is the payload accepted on <prefix>/devices/<id>/set.
type setCommand struct {
	Action string  `json:"action"`
	Delay  float64 `json:"delay,omitempty"` // seconds
}

func (m *Mirror) handleCommand(topic string, payload []byte) {
	deviceID := deviceIDFromTopic(m.prefix, topic)
	if deviceID == "" {
		return
	}

	var cmd setCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.logger.Warn("invalid command JSON", "topic", topic, "err", err)
		return
	}
	action := state.CommandType(cmd.Action)
	if !device.ControlActions[action] {
		m.logger.Warn("unknown command action", "device", deviceID, "action", cmd.Action)
		return
	}

	delay := time.Duration(cmd.Delay * float64(time.Second))
	if id, ok := m.mgr.Control(deviceID, action, delay); ok {
		m.logger.Info("queued command from mqtt", "device", deviceID, "action", cmd.Action, "command", id)
	} else {
		m.logger.Warn("mqtt command for unknown device", "device", deviceID)
	}
}

// deviceIDFromTopic extracts the device ID from <prefix>/devices/<id>/set.
func deviceIDFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/devices/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func (m *Mirror) publish(topic string, payload []byte, retained bool) {
	token := m.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			m.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
