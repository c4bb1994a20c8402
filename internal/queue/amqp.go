package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker implements a broker on RabbitMQ.
//
// Topology, declared lazily per queue and idempotent:
//
//	<prefix>.jobs           direct exchange, routing key = queue name
//	<prefix>.<queue>        work queue, dead-letters to <prefix>.dlx
//	<prefix>.<queue>.delay  holding queue; per-message expiration routes the
//	                        message back to <prefix>.jobs when due
//	<prefix>.dlx            fanout exchange bound to <prefix>.dead_letter
type AMQPBroker struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	prefix      string
	pollTimeout time.Duration

	mu        sync.Mutex
	declared  map[string]bool
	consumers map[string]<-chan amqp.Delivery
}

// NewAMQPBroker dials url and declares the shared exchanges
func NewAMQPBroker(url, prefix string, prefetch int, pollTimeout time.Duration) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	if prefix == "" {
		prefix = "launchpad"
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}

	b := &AMQPBroker{
		conn:        conn,
		ch:          ch,
		prefix:      prefix,
		pollTimeout: pollTimeout,
		declared:    make(map[string]bool),
		consumers:   make(map[string]<-chan amqp.Delivery),
	}
	if err := b.setupExchanges(); err != nil {
		b.Close()
		return nil, err
	}

	slog.Info("Initialized AMQP broker", "prefix", prefix, "prefetch", prefetch)
	return b, nil
}

func (b *AMQPBroker) jobsExchange() string { return b.prefix + ".jobs" }
func (b *AMQPBroker) dlxExchange() string  { return b.prefix + ".dlx" }
func (b *AMQPBroker) deadLetterQueue() string {
	return b.prefix + ".dead_letter"
}
func (b *AMQPBroker) workQueue(name string) string  { return b.prefix + "." + name }
func (b *AMQPBroker) delayQueue(name string) string { return b.prefix + "." + name + ".delay" }

func (b *AMQPBroker) setupExchanges() error {
	if err := b.ch.ExchangeDeclare(b.jobsExchange(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare jobs exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(b.dlxExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := b.ch.QueueDeclare(b.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := b.ch.QueueBind(b.deadLetterQueue(), "", b.dlxExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}
	return nil
}

// declareQueue creates the work and delay queues for name once
func (b *AMQPBroker) declareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[name] {
		return nil
	}

	_, err := b.ch.QueueDeclare(b.workQueue(name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": b.dlxExchange(),
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := b.ch.QueueBind(b.workQueue(name), name, b.jobsExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}

	// Expired messages go back to the jobs exchange under the work routing key
	_, err = b.ch.QueueDeclare(b.delayQueue(name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    b.jobsExchange(),
		"x-dead-letter-routing-key": name,
	})
	if err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	b.declared[name] = true
	return nil
}

func (b *AMQPBroker) publish(ctx context.Context, exchange, key string, msg *Message, pub amqp.Publishing) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pub.ContentType = "application/json"
	pub.DeliveryMode = amqp.Persistent
	pub.MessageId = msg.JobID
	pub.Type = string(msg.JobType)
	pub.Timestamp = time.Now().UTC()
	pub.Body = body
	return b.ch.PublishWithContext(ctx, exchange, key, false, false, pub)
}

// Submit publishes a message on the jobs exchange
func (b *AMQPBroker) Submit(ctx context.Context, msg *Message) error {
	if msg.JobID == "" {
		return fmt.Errorf("message must have a job ID")
	}
	if err := b.declareQueue(msg.Queue); err != nil {
		return err
	}
	if err := b.publish(ctx, b.jobsExchange(), msg.Queue, msg, amqp.Publishing{}); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	slog.Debug("Message enqueued", "job_id", msg.JobID, "queue", msg.Queue, "attempt", msg.Attempt)
	return nil
}

func (b *AMQPBroker) consumer(name string) (<-chan amqp.Delivery, error) {
	if err := b.declareQueue(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[name]; ok {
		return c, nil
	}
	// auto-ack is false, every delivery is settled explicitly
	c, err := b.ch.Consume(b.workQueue(name), "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", name, err)
	}
	b.consumers[name] = c
	return c, nil
}

// Receive waits for the next delivery on queueName
func (b *AMQPBroker) Receive(ctx context.Context, queueName string) (Delivery, error) {
	deliveries, err := b.consumer(queueName)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.pollTimeout)
	defer timer.Stop()

	select {
	case raw, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		var msg Message
		if err := json.Unmarshal(raw.Body, &msg); err != nil {
			// Unreadable bodies can never succeed
			raw.Nack(false, false)
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		return &amqpDelivery{broker: b, raw: raw, msg: &msg}, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the channel and connection
func (b *AMQPBroker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	slog.Info("AMQP broker closed")
	return nil
}

type amqpDelivery struct {
	broker *AMQPBroker
	raw    amqp.Delivery
	msg    *Message
}

func (d *amqpDelivery) Message() *Message { return d.msg }

// Ack settles the delivery. RabbitMQ keeps no completed history, so
// RemoveOnComplete has no effect here.
func (d *amqpDelivery) Ack(ctx context.Context) error {
	return d.raw.Ack(false)
}

func (d *amqpDelivery) Retry(ctx context.Context, delay time.Duration) error {
	next := *d.msg
	next.Attempt++

	b := d.broker
	// Publish through the default exchange straight into the delay queue
	err := b.publish(ctx, "", b.delayQueue(next.Queue), &next, amqp.Publishing{
		Expiration: strconv.FormatInt(delay.Milliseconds(), 10),
	})
	if err != nil {
		// Leave the message with the broker for redelivery
		d.raw.Nack(false, true)
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return d.raw.Ack(false)
}

func (d *amqpDelivery) DeadLetter(ctx context.Context, reason string) error {
	if d.msg.Policy.RemoveOnFail {
		return d.raw.Ack(false)
	}
	b := d.broker
	err := b.publish(ctx, b.dlxExchange(), "", d.msg, amqp.Publishing{
		Headers: amqp.Table{"x-failure-reason": reason},
	})
	if err != nil {
		// Fall back to the queue's own dead-letter routing
		return d.raw.Nack(false, false)
	}
	return d.raw.Ack(false)
}
