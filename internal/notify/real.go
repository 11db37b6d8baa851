package notify

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes to an actual broker.
type MQTT struct {
	client paho.Client
	prefix string
}

// NewMQTT connects to broker. The broker is told to publish an OFFLINE
// system event if the connection drops without a clean shutdown.
func NewMQTT(broker, clientID, prefix string) (*MQTT, error) {
	will, err := FormatSystem(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE"})
	if err != nil {
		return nil, fmt.Errorf("failed to format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(fmt.Sprintf(TopicSystem, prefix), will, 1, true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("failed to connect to broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", broker, err)
	}

	return &MQTT{client: client, prefix: prefix}, nil
}

func (m *MQTT) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PublishTransition sends a valve transition, retained so subscribers see
// the current valve state on connect.
func (m *MQTT) PublishTransition(t Transition) error {
	payload, err := FormatTransition(t)
	if err != nil {
		return fmt.Errorf("format transition: %w", err)
	}
	return m.publish(ValveTopic(m.prefix, t.Zone), 1, true, payload)
}

// PublishTrip sends a safety trip.
func (m *MQTT) PublishTrip(t Trip) error {
	payload, err := FormatTrip(t)
	if err != nil {
		return fmt.Errorf("format trip: %w", err)
	}
	return m.publish(fmt.Sprintf(TopicSafety, m.prefix), 1, false, payload)
}

// PublishSystem sends a lifecycle event.
func (m *MQTT) PublishSystem(e SystemEvent) error {
	payload, err := FormatSystem(e)
	if err != nil {
		return fmt.Errorf("format system event: %w", err)
	}
	return m.publish(fmt.Sprintf(TopicSystem, m.prefix), 1, e.Retained, payload)
}

// IsConnected reports whether the client currently has a broker connection.
func (m *MQTT) IsConnected() bool {
	return m.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(1000)
	return nil
}
