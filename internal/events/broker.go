// Package events fans job status changes out to live subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nebari-dev/launchpad/internal/models"
)

// Event is one persisted job transition
type Event struct {
	JobID      string           `json:"jobId"`
	Name       models.JobType   `json:"name"`
	Status     models.JobStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	Error      string           `json:"error,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// Terminal reports whether no further event will follow for the job
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}

// EventOf builds the event for a job row
func EventOf(job *models.Job) Event {
	return Event{
		JobID:      job.ID,
		Name:       job.Name,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Error:      job.Error,
		Result:     json.RawMessage(job.Result),
		OccurredAt: job.UpdatedAt,
	}
}

// Broker manages event streams for jobs
type Broker struct {
	subscribers map[string]map[chan Event]bool // jobID -> set of subscriber channels
	mu          sync.RWMutex
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[chan Event]bool),
	}
}

// Subscribe creates a new subscription for a job's events
func (b *Broker) Subscribe(jobID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16) // Buffered channel to prevent blocking

	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[chan Event]bool)
	}
	b.subscribers[jobID][ch] = true

	return ch
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, exists := b.subscribers[jobID]; exists {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)

		// Clean up if no more subscribers for this job
		if len(subs) == 0 {
			delete(b.subscribers, jobID)
		}
	}
}

// Publish sends an event to all subscribers of its job. Subscriptions end
// after a terminal event.
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	if subs, exists := b.subscribers[e.JobID]; exists {
		for ch := range subs {
			// Non-blocking send - drop if channel is full
			select {
			case ch <- e:
			default:
			}
		}
	}
	b.mu.RUnlock()

	if e.Terminal() {
		b.Close(e.JobID)
	}
}

// JobChanged publishes a ledger transition
func (b *Broker) JobChanged(job *models.Job) {
	b.Publish(EventOf(job))
}

// Close closes all subscriptions for a job
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, exists := b.subscribers[jobID]; exists {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, jobID)
	}
}

// HasSubscribers returns true if there are active subscribers for a job
func (b *Broker) HasSubscribers(jobID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, exists := b.subscribers[jobID]
	return exists && len(subs) > 0
}
