package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// keepLimit caps the completed and failed lists
const keepLimit = 1000

// ValkeyBroker implements a distributed broker on Valkey.
// Per queue it uses:
//
//	<prefix>:<queue>:wait       list of ready messages (RPUSH / BLPOP)
//	<prefix>:<queue>:delayed    sorted set of retries scored by due time (ms)
//	<prefix>:<queue>:failed     list of dead-lettered messages
//	<prefix>:<queue>:completed  capped list, only when not removed on complete
type ValkeyBroker struct {
	client      valkey.Client
	prefix      string
	pollTimeout time.Duration
}

// NewValkeyBroker connects to addr and verifies the connection
func NewValkeyBroker(addr, prefix string, pollTimeout time.Duration) (*ValkeyBroker, error) {
	// Create Valkey client with connection pool
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pingCmd := client.B().Ping().Build()
	if err := client.Do(ctx, pingCmd).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Valkey: %w", err)
	}

	b := NewValkeyBrokerWithClient(client, prefix, pollTimeout)
	slog.Info("Initialized Valkey broker", "address", addr, "prefix", b.prefix)
	return b, nil
}

// NewValkeyBrokerWithClient wraps an existing client
func NewValkeyBrokerWithClient(client valkey.Client, prefix string, pollTimeout time.Duration) *ValkeyBroker {
	if prefix == "" {
		prefix = "launchpad"
	}
	if pollTimeout < time.Second {
		pollTimeout = 5 * time.Second
	}
	return &ValkeyBroker{client: client, prefix: prefix, pollTimeout: pollTimeout}
}

func (b *ValkeyBroker) key(queueName, suffix string) string {
	return b.prefix + ":" + queueName + ":" + suffix
}

// Submit pushes a message onto the wait list
func (b *ValkeyBroker) Submit(ctx context.Context, msg *Message) error {
	if msg.JobID == "" {
		return fmt.Errorf("message must have a job ID")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// RPUSH for FIFO
	cmd := b.client.B().Rpush().Key(b.key(msg.Queue, "wait")).Element(string(data)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to push message to Valkey: %w", err)
	}

	slog.Debug("Message enqueued", "job_id", msg.JobID, "queue", msg.Queue, "attempt", msg.Attempt)
	return nil
}

// Receive promotes due retries, then blocks on the wait list
func (b *ValkeyBroker) Receive(ctx context.Context, queueName string) (Delivery, error) {
	if err := b.promoteDue(ctx, queueName); err != nil {
		slog.Warn("Failed to promote delayed messages", "queue", queueName, "error", err)
	}

	cmd := b.client.B().Blpop().Key(b.key(queueName, "wait")).Timeout(b.pollTimeout.Seconds()).Build()
	values, err := b.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNoMessage
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to pop message: %w", err)
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("invalid BLPOP result: expected 2 values, got %d", len(values))
	}

	var msg Message
	if err := json.Unmarshal([]byte(values[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	slog.Debug("Message dequeued", "job_id", msg.JobID, "queue", queueName, "attempt", msg.Attempt)
	return &valkeyDelivery{broker: b, msg: &msg}, nil
}

// promoteDue moves retries whose due time passed onto the wait list. The
// ZREM result decides which of several competing workers moves a member.
func (b *ValkeyBroker) promoteDue(ctx context.Context, queueName string) error {
	delayedKey := b.key(queueName, "delayed")
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	rangeCmd := b.client.B().Zrangebyscore().Key(delayedKey).Min("-inf").Max(now).Limit(0, 50).Build()
	members, err := b.client.Do(ctx, rangeCmd).AsStrSlice()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := b.client.Do(ctx, b.client.B().Zrem().Key(delayedKey).Member(member).Build()).AsInt64()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		push := b.client.B().Rpush().Key(b.key(queueName, "wait")).Element(member).Build()
		if err := b.client.Do(ctx, push).Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetClient returns the underlying Valkey client
// Used for distributed job event streaming via pub/sub
func (b *ValkeyBroker) GetClient() valkey.Client {
	return b.client
}

// Close closes the Valkey connection
func (b *ValkeyBroker) Close() error {
	b.client.Close()
	slog.Info("Valkey broker closed")
	return nil
}

type valkeyDelivery struct {
	broker *ValkeyBroker
	msg    *Message
}

func (d *valkeyDelivery) Message() *Message { return d.msg }

func (d *valkeyDelivery) Ack(ctx context.Context) error {
	if d.msg.Policy.RemoveOnComplete {
		return nil
	}
	return d.record(ctx, "completed", d.msg)
}

func (d *valkeyDelivery) Retry(ctx context.Context, delay time.Duration) error {
	next := *d.msg
	next.Attempt++
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	b := d.broker
	cmd := b.client.B().Zadd().Key(b.key(next.Queue, "delayed")).ScoreMember().ScoreMember(due, string(data)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

func (d *valkeyDelivery) DeadLetter(ctx context.Context, reason string) error {
	if d.msg.Policy.RemoveOnFail {
		return nil
	}
	return d.record(ctx, "failed", DeadLetter{Message: *d.msg, Reason: reason, FailedAt: time.Now().UTC()})
}

func (d *valkeyDelivery) record(ctx context.Context, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b := d.broker
	key := b.key(d.msg.Queue, suffix)
	cmds := valkey.Commands{
		b.client.B().Lpush().Key(key).Element(string(data)).Build(),
		b.client.B().Ltrim().Key(key).Start(0).Stop(keepLimit - 1).Build(),
	}
	for _, resp := range b.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to record %s message: %w", suffix, err)
		}
	}
	return nil
}
