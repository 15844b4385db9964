/**
 * @description
 * This package provides the RabbitMQ producer and consumer shared by every
 * service in the platform. The producer publishes JSON event envelopes to a
 * durable topic exchange; the consumer binds handler callbacks to routing keys
 * on a durable queue with manual acknowledgement.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing. One
// producer is shared across goroutines (the outbox relay plus concurrent offer
// notifications), so the channel handoff after a reopen is mutex-guarded.
type EventProducer struct {
	conn *amqp091.Connection

	mu      sync.Mutex
	channel *amqp091.Channel
}

func (p *EventProducer) getChannel() *amqp091.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *EventProducer) installChannel(ch *amqp091.Channel) {
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
}

// reopenChannel opens a fresh channel on the shared connection and installs it
// for subsequent publishes. Concurrent publishers may race to reopen after the
// same channel-level failure; the last installed channel wins and every
// returned channel remains usable by its caller.
func (p *EventProducer) reopenChannel() (*amqp091.Channel, error) {
	if p.conn == nil {
		return nil, errors.New("producer connection is not open")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	p.installChannel(ch)
	return ch, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer connects to RabbitMQ with a bounded dial timeout so startup
// does not hang indefinitely.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to an exchange with a routing key. The message id is
// set from the event envelope so consumers can deduplicate deliveries. On a
// channel-level failure it reopens the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error {
	ch, err := p.ensureExchange(exchange)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   messageID,
		Timestamp:   time.Now(),
		Body:        body,
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)

	ch, chErr := p.reopenChannel()
	if chErr != nil {
		return fmt.Errorf("publish retry channel reopen: %w", chErr)
	}
	if exErr := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// ensureExchange declares the exchange on the current channel, reopening the
// channel once if the declare fails, and returns the channel the caller should
// publish on.
func (p *EventProducer) ensureExchange(exchange string) (*amqp091.Channel, error) {
	ch := p.getChannel()
	err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err == nil {
		return ch, nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
	ch, chErr := p.reopenChannel()
	if chErr != nil {
		return nil, chErr
	}
	return ch, ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Close gracefully closes the channel and connection.
func (p *EventProducer) Close() {
	if ch := p.getChannel(); ch != nil {
		ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
