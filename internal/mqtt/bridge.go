// Package mqtt publishes live battery state and tap events to an MQTT
// broker, with Home Assistant autodiscovery. It is an event-bus
// subscriber; it reads the store only to seed the full state on Start
// and never mutates it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/core"
)

// Bridge connects the event bus to an MQTT broker.
type Bridge struct {
	client pahomqtt.Client
	bus    *core.Bus
	store  *core.Store
	prefix string
	model  string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge connects to the broker and prepares the bridge.
func NewBridge(bus *core.Bus, store *core.Store, cfg config.MQTTConfig, model string, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "pisugar"
	}
	b := &Bridge{
		bus:    bus,
		store:  store,
		prefix: prefix,
		model:  model,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("pisugar-server").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(prefix+"/bridge/state", []byte("online"), true)
			b.publishDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.client = client
	return b, nil
}

// Start subscribes to the event bus and begins publishing.
func (b *Bridge) Start() {
	sub := b.bus.Subscribe()
	b.store.SendFullState(sub)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-sub.C():
				for _, e := range sub.Drain() {
					b.handleEvent(e)
				}
			}
		}
	}()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(e core.Event) {
	msg, ok := buildEventMessage(b.prefix, e)
	if !ok {
		return
	}
	b.publish(msg.Topic, msg.Payload, msg.Retained)
}

// publishDiscovery announces the battery sensors to Home Assistant.
func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.prefix, b.model) {
		b.publish(msg.Topic, msg.Payload, msg.Retained)
	}
}

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// buildEventMessage maps a bus event to its topic. Taps are transient
// events; state and config deltas are retained.
func buildEventMessage(prefix string, e core.Event) (message, bool) {
	switch e.Type {
	case core.EventTap:
		return message{Topic: prefix + "/event/button", Payload: []byte(e.Value)}, true
	case core.EventSnapshotDelta, core.EventConfigDelta:
		if e.Key == "" {
			return message{}, false
		}
		return message{Topic: prefix + "/state/" + e.Key, Payload: []byte(e.Value), Retained: true}, true
	}
	return message{}, false
}

// haDiscovery is the Home Assistant autodiscovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class"`
	UnitOfMeasurement string   `json:"unit_of_measurement"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            haDevice `json:"device"`
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// buildDiscovery produces the sensor discovery set for one board.
func buildDiscovery(prefix, model string) []message {
	dev := haDevice{
		Identifiers:  []string{"pisugar"},
		Name:         "PiSugar UPS",
		Model:        model,
		Manufacturer: "PiSugar",
	}
	sensors := []struct {
		key, name, class, unit string
	}{
		{"battery", "Battery", "battery", "%"},
		{"battery_v", "Battery voltage", "voltage", "V"},
		{"battery_i", "Battery current", "current", "A"},
		{"temperature", "Board temperature", "temperature", "°C"},
	}
	msgs := make([]message, 0, len(sensors))
	for _, sensor := range sensors {
		payload := haDiscovery{
			Name:              sensor.name,
			UniqueID:          "pisugar_" + sensor.key,
			StateTopic:        prefix + "/state/" + sensor.key,
			DeviceClass:       sensor.class,
			UnitOfMeasurement: sensor.unit,
			AvailabilityTopic: prefix + "/bridge/state",
			Device:            dev,
		}
		msgs = append(msgs, message{
			Topic:    "homeassistant/sensor/pisugar/" + sensor.key + "/config",
			Payload:  mustJSON(payload),
			Retained: true,
		})
	}
	return msgs
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil || !b.client.IsConnectionOpen() {
		return
	}
	token := b.client.Publish(topic, 0, retained, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Warn("mqtt publish", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
