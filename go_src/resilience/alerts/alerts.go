// Package alerts implements the AlertSink collaborator referenced by
// Heartbeat and Watchdog: a channel-tagged notification delivered to an
// operator-facing surface, grounded on mq_telegram's RabbitMQ publisher.
package alerts

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"wataresilience/go_src/mq_telegram"
	"wataresilience/go_src/resilience"
)

// Sink is the abstract alert collaborator shared by every resilience
// component: channel names the topic ("heartbeat", "watchdog", or a
// caller-supplied environment name), message is human-readable, and
// context carries structured detail.
type Sink interface {
	Alert(channel, message string, detail map[string]any) error
}

// Func adapts a plain function to Sink.
type Func func(channel, message string, detail map[string]any) error

func (f Func) Alert(channel, message string, detail map[string]any) error {
	return f(channel, message, detail)
}

// Envelope is the JSON body published for every alert.
type Envelope struct {
	Channel   string         `json:"channel"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogSink logs alerts through logrus instead of delivering them anywhere
// external — the zero-configuration default.
type LogSink struct{}

func (LogSink) Alert(channel, message string, detail map[string]any) error {
	logrus.WithField("channel", channel).WithField("context", detail).Warn(message)
	return nil
}

// MQSink publishes each alert as a persistent message to a RabbitMQ
// queue named queuePrefix+channel, via mq_telegram.PublishJSON.
type MQSink struct {
	conn        *amqp.Connection
	queuePrefix string
	clock       resilience.Clock
}

// NewMQSink wraps an existing AMQP connection. The connection's lifetime
// is owned by the caller; MQSink only opens and closes its own channels.
func NewMQSink(conn *amqp.Connection, queuePrefix string, clock resilience.Clock) (*MQSink, error) {
	if conn == nil {
		return nil, resilience.NewConfigurationError("conn", "rabbitmq connection must not be nil")
	}
	if queuePrefix == "" {
		queuePrefix = "resilience_alerts_"
	}
	if clock == nil {
		clock = resilience.NewSystemClock()
	}
	return &MQSink{conn: conn, queuePrefix: queuePrefix, clock: clock}, nil
}

func (s *MQSink) Alert(channel, message string, detail map[string]any) error {
	queueName := s.queuePrefix + channel
	envelope := Envelope{Channel: channel, Message: message, Context: detail, Timestamp: s.clock.Now().UTC()}
	return mq_telegram.PublishJSON(s.conn, queueName, envelope)
}
