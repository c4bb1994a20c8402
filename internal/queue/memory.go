package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeadLetter is a message parked after its final failure
type DeadLetter struct {
	Message  Message
	Reason   string
	FailedAt time.Time
}

// MemoryBroker implements an in-process broker. Messages are lost on restart,
// which is acceptable for local development and tests.
type MemoryBroker struct {
	bufferSize  int
	pollTimeout time.Duration

	mu          sync.Mutex
	queues      map[string]chan *Message
	timers      map[*time.Timer]struct{}
	deadLetters []DeadLetter
	completed   []Message
	closed      bool
	done        chan struct{}
}

// NewMemoryBroker creates a new in-memory broker
func NewMemoryBroker(bufferSize int, pollTimeout time.Duration) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}

	b := &MemoryBroker{
		bufferSize:  bufferSize,
		pollTimeout: pollTimeout,
		queues:      make(map[string]chan *Message),
		timers:      make(map[*time.Timer]struct{}),
		done:        make(chan struct{}),
	}

	slog.Info("Initialized in-memory broker", "buffer_size", bufferSize)
	return b
}

func (b *MemoryBroker) channel(name string) (chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan *Message, b.bufferSize)
		b.queues[name] = ch
	}
	return ch, nil
}

// Submit adds a message to its queue
func (b *MemoryBroker) Submit(ctx context.Context, msg *Message) error {
	if msg.JobID == "" {
		return fmt.Errorf("message must have a job ID")
	}
	return b.push(ctx, msg)
}

func (b *MemoryBroker) push(ctx context.Context, msg *Message) error {
	ch, err := b.channel(msg.Queue)
	if err != nil {
		return err
	}

	// Send to channel (non-blocking with timeout)
	select {
	case ch <- msg:
		slog.Debug("Message enqueued", "job_id", msg.JobID, "queue", msg.Queue, "attempt", msg.Attempt)
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("queue %s is full, could not enqueue job %s", msg.Queue, msg.JobID)
	}
}

// Receive retrieves the next message from queueName
func (b *MemoryBroker) Receive(ctx context.Context, queueName string) (Delivery, error) {
	ch, err := b.channel(queueName)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.pollTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		slog.Debug("Message dequeued", "job_id", msg.JobID, "queue", queueName, "attempt", msg.Attempt)
		return &memoryDelivery{broker: b, msg: msg}, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeadLetters returns a snapshot of the failed list
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Completed returns messages kept because their policy did not remove them
func (b *MemoryBroker) Completed() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.completed))
	copy(out, b.completed)
	return out
}

// Close stops pending retries and wakes blocked receivers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	close(b.done)
	slog.Info("Memory broker closed")
	return nil
}

type memoryDelivery struct {
	broker *MemoryBroker
	msg    *Message
}

func (d *memoryDelivery) Message() *Message { return d.msg }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	if !d.msg.Policy.RemoveOnComplete {
		d.broker.mu.Lock()
		d.broker.completed = append(d.broker.completed, *d.msg)
		d.broker.mu.Unlock()
	}
	return nil
}

func (d *memoryDelivery) Retry(ctx context.Context, delay time.Duration) error {
	next := *d.msg
	next.Attempt++

	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		if err := b.push(context.Background(), &next); err != nil {
			slog.Error("Failed to re-enqueue delayed message", "job_id", next.JobID, "error", err)
		}
	})
	b.timers[t] = struct{}{}

	slog.Debug("Message scheduled for retry", "job_id", next.JobID, "attempt", next.Attempt, "delay", delay)
	return nil
}

func (d *memoryDelivery) DeadLetter(ctx context.Context, reason string) error {
	if d.msg.Policy.RemoveOnFail {
		return nil
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.deadLetters = append(d.broker.deadLetters, DeadLetter{
		Message:  *d.msg,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	return nil
}
