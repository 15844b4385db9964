package rabbitmq

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const reconnectDelay = 3 * time.Second

// Consumer wraps a RabbitMQ connection for queue consumption with manual acks.
// When the broker drops the connection the delivery loop redials and restores
// its queue topology instead of going silently deaf.
type Consumer struct {
	url      string
	isClosed atomic.Bool

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials RabbitMQ and opens a channel for consuming.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	c := &Consumer{url: cleanURL}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

func (c *Consumer) current() (*amqp.Connection, *amqp.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.ch
}

// ConsumeWithBindings declares a durable queue bound to the exchange under the
// given routing keys and dispatches deliveries to the matching handler. A
// handler returning true acknowledges the delivery; false requeues it. The
// delivery loop survives broker restarts: when the stream closes it redials
// and resubscribes until Close is called.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}

	msgs, err := c.subscribe(exchange, queueName, handlers)
	if err != nil {
		return err
	}

	go func() {
		for {
			for d := range msgs {
				dispatchDelivery(handlers, d, queueName)
			}
			// The range ends when the broker closes the channel or the
			// connection drops; a deliberate Close ends the loop instead.
			if !c.shouldReconnect() {
				return
			}
			log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery stream closed; reconnecting\" queue=%s", queueName)
			msgs = c.resubscribe(exchange, queueName, handlers)
			if msgs == nil {
				return
			}
		}
	}()

	return nil
}

// subscribe declares the exchange, queue, and bindings, and starts consuming
// with manual acknowledgement.
func (c *Consumer) subscribe(exchange, queueName string, handlers map[string]func([]byte) bool) (<-chan amqp.Delivery, error) {
	_, ch := c.current()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	for routingKey := range handlers {
		if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return nil, err
		}
	}

	return ch.Consume(q.Name, "", false, false, false, false, nil)
}

// resubscribe redials and restores the subscription, retrying until it
// succeeds or the consumer is closed. A nil return means the consumer closed.
func (c *Consumer) resubscribe(exchange, queueName string, handlers map[string]func([]byte) bool) <-chan amqp.Delivery {
	for {
		if !c.shouldReconnect() {
			return nil
		}
		if err := c.connect(); err != nil {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"reconnect failed; retrying\" queue=%s err=%v", queueName, err)
			time.Sleep(reconnectDelay)
			continue
		}
		msgs, err := c.subscribe(exchange, queueName, handlers)
		if err != nil {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"resubscribe failed; retrying\" queue=%s err=%v", queueName, err)
			conn, ch := c.current()
			ch.Close()
			conn.Close()
			time.Sleep(reconnectDelay)
			continue
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"reconnected\" queue=%s", queueName)
		return msgs
	}
}

// shouldReconnect reports whether a closed delivery stream warrants a redial.
func (c *Consumer) shouldReconnect() bool {
	return !c.isClosed.Load()
}

func dispatchDelivery(handlers map[string]func([]byte) bool, d amqp.Delivery, queueName string) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s queue=%s", d.RoutingKey, queueName)
		d.Ack(false)
		return
	}
	if handler(d.Body) {
		d.Ack(false)
	} else {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s queue=%s", d.RoutingKey, queueName)
		d.Nack(false, true)
	}
}

// Close shuts down the channel and connection and stops the reconnect loop.
func (c *Consumer) Close() {
	c.isClosed.Store(true)
	conn, ch := c.current()
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
