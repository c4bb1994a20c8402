// Package queue delivers job messages between the API and the workers.
// The database ledger stays the source of truth for job state; brokers only
// carry messages and own retry scheduling and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nebari-dev/launchpad/internal/models"
)

var (
	// ErrNoMessage is returned by Receive when nothing arrived before the
	// broker's poll timeout. Callers simply poll again.
	ErrNoMessage = errors.New("no message available")

	// ErrClosed is returned once the broker has been closed
	ErrClosed = errors.New("broker closed")
)

// Message is the unit carried by a broker
type Message struct {
	JobID      string          `json:"jobId"`
	Queue      string          `json:"queue"`
	JobType    models.JobType  `json:"jobType"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"` // 1-based
	Policy     RetryPolicy     `json:"policy"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// LastAttempt reports whether no retry is left after this attempt
func (m *Message) LastAttempt() bool {
	return m.Attempt >= m.Policy.MaxAttempts()
}

// Delivery is a received message awaiting exactly one outcome
type Delivery interface {
	Message() *Message

	// Ack removes the message for good
	Ack(ctx context.Context) error

	// Retry schedules the next attempt after delay
	Retry(ctx context.Context, delay time.Duration) error

	// DeadLetter parks the message on the failed list
	DeadLetter(ctx context.Context, reason string) error
}

// Broker represents a job message transport
type Broker interface {
	// Submit publishes a new message for its first attempt
	Submit(ctx context.Context, msg *Message) error

	// Receive blocks for the next message on queueName
	Receive(ctx context.Context, queueName string) (Delivery, error)

	// Close releases the broker's resources
	Close() error
}

// NewMessage builds a first-attempt message with the payload encoded
func NewMessage(jobID, queueName string, jobType models.JobType, payload any, policy RetryPolicy) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		JobID:      jobID,
		Queue:      queueName,
		JobType:    jobType,
		Payload:    data,
		Attempt:    1,
		Policy:     policy,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// permanentError marks a processing failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker dead-letters instead of retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
