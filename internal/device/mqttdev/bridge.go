// Package mqttdev talks to sensors, valves and the heat source through an MQTT broker.
//
// Topic layout under the configured prefix:
//
//	<prefix>/sensor/<entity>   inbound temperature, plain number or {"temperature": 21.5}
//	<prefix>/trv/<room>        inbound valve report {"position": 40}
//	<prefix>/trv/<room>/set    outbound {"position": 40} or {"setpoint": 35}
//	<prefix>/boiler            inbound {"active": true}
//	<prefix>/boiler/set        outbound {"state": "on", "setpoint": 30} or {"state": "off"}
package mqttdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/clock"
	"github.com/dokzlo13/heatd/internal/device"
)

const publishTimeout = 5 * time.Second

type reading struct {
	value float64
	at    time.Time
}

// Bridge implements SensorReader, ActuatorDriver and HeatSourceDriver on top of MQTT.
type Bridge struct {
	prefix string
	qos    byte
	clock  clock.Clock

	client  paho.Client
	publish func(topic string, payload []byte) error

	mu       sync.RWMutex
	readings map[string]reading
	feedback map[string]int
	active   *bool

	// OnReading, if set, is called for every accepted sensor message.
	OnReading func(entity string, value float64, at time.Time)
	// OnFeedback, if set, is called for every valve report.
	OnFeedback func(room string, percent int)
}

var (
	_ device.SensorReader     = (*Bridge)(nil)
	_ device.ActuatorDriver   = (*Bridge)(nil)
	_ device.HeatSourceDriver = (*Bridge)(nil)
)

func newBridge(prefix string, qos byte, clk clock.Clock) *Bridge {
	return &Bridge{
		prefix:   strings.TrimSuffix(prefix, "/"),
		qos:      qos,
		clock:    clk,
		readings: make(map[string]reading),
		feedback: make(map[string]int),
	}
}

// Connect dials the broker and subscribes to the inbound topics. Subscriptions are
// renewed on every reconnect.
func Connect(broker, clientID, prefix string, qos byte, clk clock.Clock) (*Bridge, error) {
	b := newBridge(prefix, qos, clk)
	filter := b.prefix + "/#"

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID + "-devices").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			log.Info().Str("broker", broker).Str("filter", filter).Msg("Device bridge connected")
			c.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
				b.handle(m.Topic(), m.Payload())
			})
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", broker).Msg("Device bridge connection lost")
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	b.client = client
	b.publish = func(topic string, payload []byte) error {
		t := client.Publish(topic, qos, false, payload)
		if !t.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish %s: timeout", topic)
		}
		return t.Error()
	}
	return b, nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() error {
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	return nil
}

// handle routes one inbound message. Our own ".../set" topics are ignored.
func (b *Bridge) handle(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok || strings.HasSuffix(rest, "/set") {
		return
	}

	switch {
	case strings.HasPrefix(rest, "sensor/"):
		entity := strings.TrimPrefix(rest, "sensor/")
		v, err := parseTemperature(payload)
		if err != nil {
			log.Warn().Err(err).Str("entity", entity).Msg("Dropping malformed sensor message")
			return
		}
		now := b.clock.Now()
		b.mu.Lock()
		b.readings[entity] = reading{value: v, at: now}
		b.mu.Unlock()
		if b.OnReading != nil {
			b.OnReading(entity, v, now)
		}

	case strings.HasPrefix(rest, "trv/"):
		room := strings.TrimPrefix(rest, "trv/")
		var msg struct {
			Position *float64 `json:"position"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Position == nil {
			log.Warn().Str("room", room).Bytes("payload", payload).Msg("Dropping malformed valve report")
			return
		}
		p := clampPercent(*msg.Position)
		b.mu.Lock()
		b.feedback[room] = p
		b.mu.Unlock()
		if b.OnFeedback != nil {
			b.OnFeedback(room, p)
		}

	case rest == "boiler":
		var msg struct {
			Active *bool `json:"active"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Active == nil {
			log.Warn().Bytes("payload", payload).Msg("Dropping malformed heat source report")
			return
		}
		b.mu.Lock()
		b.active = msg.Active
		b.mu.Unlock()
	}
}

// Read implements SensorReader.
func (b *Bridge) Read(ctx context.Context, entity string) (float64, time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.readings[entity]
	if !ok {
		return 0, time.Time{}, device.ErrUnavailable
	}
	return r.value, r.at, nil
}

// Command implements ActuatorDriver.
func (b *Bridge) Command(ctx context.Context, room string, percent int) error {
	return b.send(b.trvSetTopic(room), map[string]any{"position": percent})
}

// ReadFeedback implements ActuatorDriver.
func (b *Bridge) ReadFeedback(ctx context.Context, room string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.feedback[room]
	if !ok {
		return 0, device.ErrUnavailable
	}
	return p, nil
}

// LockSetpoint implements ActuatorDriver.
func (b *Bridge) LockSetpoint(ctx context.Context, room string, setpoint float64) error {
	return b.send(b.trvSetTopic(room), map[string]any{"setpoint": setpoint})
}

// TurnOn implements HeatSourceDriver.
func (b *Bridge) TurnOn(ctx context.Context, setpoint float64) error {
	return b.send(b.prefix+"/boiler/set", map[string]any{"state": "on", "setpoint": setpoint})
}

// TurnOff implements HeatSourceDriver.
func (b *Bridge) TurnOff(ctx context.Context) error {
	return b.send(b.prefix+"/boiler/set", map[string]any{"state": "off"})
}

// ReadActiveState implements HeatSourceDriver.
func (b *Bridge) ReadActiveState(ctx context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active == nil {
		return false, device.ErrUnavailable
	}
	return *b.active, nil
}

func (b *Bridge) trvSetTopic(room string) string {
	return b.prefix + "/trv/" + room + "/set"
}

func (b *Bridge) send(topic string, msg map[string]any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	if b.publish == nil {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	return b.publish(topic, payload)
}

func parseTemperature(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var msg struct {
		Temperature *float64 `json:"temperature"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("parse temperature: %w", err)
	}
	if msg.Temperature == nil {
		return 0, fmt.Errorf("parse temperature: no temperature field")
	}
	return *msg.Temperature, nil
}

func clampPercent(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v + 0.5)
}
