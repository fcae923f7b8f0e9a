// Package mq_telegram publishes JSON-encoded notifications to durable
// RabbitMQ queues — the operator-facing notification primitive shared by
// the Saxo token seam and the resilience core's alert sink.
package mq_telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const telegramQueueName = "telegram_channel"

const publishTimeout = 5 * time.Second

// PublishJSON declares queueName durable (idempotent) and publishes payload
// as a persistent, JSON-content-typed message, routed to queueName on the
// default exchange. It opens and closes its own channel; the connection
// itself is owned by the caller.
func PublishJSON(conn *amqp.Connection, queueName string, payload any) error {
	if conn == nil {
		return fmt.Errorf("rabbitmq connection cannot be nil")
	}
	if conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare RabbitMQ queue '%s': %w", queueName, err)
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON for RabbitMQ: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx,
		"",        // exchange (default)
		queueName, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         jsonBody,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to RabbitMQ queue '%s': %w", queueName, err)
	}
	return nil
}

// SendMessageToMQForTelegram publishes a Telegram-bound notification to the
// well-known telegram queue. Retained for the Saxo token seam's
// authentication-required notice (saxo_authen.askNewToken).
func SendMessageToMQForTelegram(conn *amqp.Connection, messageTelegram string) error {
	return PublishJSON(conn, telegramQueueName, map[string]string{"message": messageTelegram})
}
