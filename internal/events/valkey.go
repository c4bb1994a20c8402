package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/valkey-io/valkey-go"
)

const channelPrefix = "jobs:"

// Channel returns the pub/sub channel carrying a job's events
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// ValkeyPublisher mirrors job transitions on Valkey pub/sub so API replicas
// that did not run the job can stream its events.
type ValkeyPublisher struct {
	client valkey.Client
	logger *slog.Logger
}

// NewValkeyPublisher creates a new Valkey event publisher
func NewValkeyPublisher(client valkey.Client, logger *slog.Logger) *ValkeyPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValkeyPublisher{client: client, logger: logger}
}

// JobChanged implements Notifier. Publish failures are logged and dropped;
// the ledger row stays the source of truth.
func (p *ValkeyPublisher) JobChanged(job *models.Job) {
	data, err := json.Marshal(EventOf(job))
	if err != nil {
		p.logger.Warn("Failed to encode job event", "job_id", job.ID, "error", err)
		return
	}
	cmd := p.client.B().Publish().Channel(Channel(job.ID)).Message(string(data)).Build()
	if err := p.client.Do(context.Background(), cmd).Error(); err != nil {
		p.logger.Warn("Failed to publish job event to Valkey", "job_id", job.ID, "error", err)
	}
}

// Relay subscribes to every job channel and republishes received events on
// the local broker until ctx is canceled.
func Relay(ctx context.Context, client valkey.Client, broker *Broker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := client.B().Psubscribe().Pattern(channelPrefix + "*").Build()
	err := client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		var e Event
		if err := json.Unmarshal([]byte(msg.Message), &e); err != nil {
			logger.Warn("Dropping malformed job event", "channel", msg.Channel, "error", err)
			return
		}
		if e.JobID == "" {
			e.JobID = strings.TrimPrefix(msg.Channel, channelPrefix)
		}
		broker.Publish(e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
