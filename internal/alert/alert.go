// Package alert publishes operator-facing critical signals, such as the tap
// queue outgrowing the flush worker, to an MQTT topic.
package alert

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	KindQueueHighWater = "queue_high_water"
	KindFlushFailed    = "flush_batch_failed"
)

// Alert is the JSON payload published for one signal.
type Alert struct {
	Kind     string         `json:"kind"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Alerter delivers critical signals.
type Alerter interface {
	Critical(ctx context.Context, a Alert) error
}

// LogAlerter only logs; used when no broker is configured.
type LogAlerter struct{}

func (LogAlerter) Critical(_ context.Context, a Alert) error {
	log.Error().Str("severity", "critical").Str("kind", a.Kind).Fields(a.Fields).Msg(a.Message)
	return nil
}

// MQTTAlerter logs and publishes every alert to a topic.
type MQTTAlerter struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
	log.Info().Msg("connected to MQTT broker")
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	log.Warn().Err(err).Msg("MQTT connection lost")
}

// Dial connects to brokerURL and returns an alerter publishing to topic.
func Dial(brokerURL, clientID, topic string) (*MQTTAlerter, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.OnConnect = connectHandler
	opts.OnConnectionLost = connectLostHandler

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return NewMQTTAlerter(client, topic), nil
}

func NewMQTTAlerter(client mqtt.Client, topic string) *MQTTAlerter {
	return &MQTTAlerter{client: client, topic: topic, timeout: 5 * time.Second}
}

func (m *MQTTAlerter) Critical(ctx context.Context, a Alert) error {
	if a.Severity == "" {
		a.Severity = "critical"
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	LogAlerter{}.Critical(ctx, a)

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	token := m.client.Publish(m.topic, 1, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish alert to %s: timed out", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish alert to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTTAlerter) Close() {
	m.client.Disconnect(250)
	log.Info().Msg("MQTT alert client disconnected")
}
