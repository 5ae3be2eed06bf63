package mirror

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMirror wraps a Paho MQTT client. It maintains a retained
// availability topic ("online"/"offline") so consumers can tell a quiet
// bridge from a dead one; the broker publishes the offline state via the
// last-will if the bridge dies without disconnecting.
type MQTTMirror struct {
	client      mqtt.Client
	qos         byte
	statusTopic string
}

// MQTTOptions configures the MQTT mirror.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	QoS         byte
	StatusTopic string // retained availability topic, empty disables it
}

// NewMQTTMirror creates and connects an MQTT mirror.
func NewMQTTMirror(opts MQTTOptions) (*MQTTMirror, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, "offline", opts.QoS, true)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	m := &MQTTMirror{
		client:      client,
		qos:         opts.QoS,
		statusTopic: opts.StatusTopic,
	}
	if m.statusTopic != "" {
		client.Publish(m.statusTopic, m.qos, true, "online").Wait()
	}
	return m, nil
}

func (m *MQTTMirror) Publish(_ context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (m *MQTTMirror) Close() error {
	if m.statusTopic != "" {
		m.client.Publish(m.statusTopic, m.qos, true, "offline").Wait()
	}
	m.client.Disconnect(1000)
	return nil
}
