package status

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTPublisher publishes retained snapshots to an MQTT broker.
type MQTTPublisher struct {
	client paho.Client
	prefix string
}

// NewMQTTPublisher connects to broker. Topics are <prefix>/status and <prefix>/room/<id>.
func NewMQTTPublisher(broker, clientID, prefix string) (*MQTTPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(prefix+"/online", "false", 1, true).
		SetOnConnectHandler(func(c paho.Client) {
			log.Info().Str("broker", broker).Msg("MQTT connected")
			c.Publish(prefix+"/online", 1, true, "true")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &MQTTPublisher{client: client, prefix: prefix}, nil
}

// Publish sends the house snapshot and one message per room, all retained.
func (p *MQTTPublisher) Publish(s Snapshot) error {
	payload, err := FormatPayload(s)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	if err := p.send(p.prefix+"/status", payload); err != nil {
		return err
	}

	for _, r := range s.Rooms {
		payload, err := FormatRoomPayload(r)
		if err != nil {
			return fmt.Errorf("format room payload: %w", err)
		}
		if err := p.send(p.prefix+"/room/"+r.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *MQTTPublisher) send(topic string, payload []byte) error {
	// QoS 0, retained so late subscribers see the current state
	token := p.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Publish(p.prefix+"/online", 1, true, "false").WaitTimeout(time.Second)
	p.client.Disconnect(1000)
	return nil
}
