// Package jobs holds the typed submission surfaces for asynchronous work.
// Every submission writes a ledger entry first and then hands the message to
// the broker; callers get the job ID back before any provider I/O happens.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/metrics"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/queue"
)

// Queue names
const (
	SandboxQueueName    = "sandbox"
	DeploymentQueueName = "deployment"
)

// CreateSandboxPayload is the message body of a create-sandbox job
type CreateSandboxPayload struct {
	JobID          string `json:"jobId"`
	SandboxID      string `json:"sandboxId"`
	ProjectID      string `json:"projectId"`
	TemplateRef    string `json:"templateRef"`
	VCPUs          int    `json:"vcpus"`
	MemoryMB       int    `json:"memoryMb"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Region         string `json:"region,omitempty"`
	Runtime        string `json:"runtime,omitempty"`
}

// CreateDeploymentPayload is the message body of preview and rollback jobs
type CreateDeploymentPayload struct {
	JobID        string              `json:"jobId"`
	DeploymentID string              `json:"deploymentId"`
	ProjectID    string              `json:"projectId"`
	Target       string              `json:"target"`
	Artifact     deployment.Artifact `json:"artifact"`
}

// submitter writes the ledger entry and publishes the broker message
type submitter struct {
	ledger *ledger.Ledger
	broker queue.Broker
	logger *slog.Logger
}

func (s *submitter) submit(ctx context.Context, jobID string, jobType models.JobType, queueName string, payload any, policy queue.RetryPolicy) error {
	if _, err := s.ledger.Create(ctx, jobID, jobType, queueName, payload); err != nil {
		return err
	}

	msg, err := queue.NewMessage(jobID, queueName, jobType, payload, policy)
	if err == nil {
		err = s.broker.Submit(ctx, msg)
	}
	if err != nil {
		// The ledger row must not stay WAITING for a message that never left
		if _, ferr := s.ledger.Fail(context.WithoutCancel(ctx), jobID, "broker submission failed: "+err.Error()); ferr != nil {
			s.logger.Error("Failed to mark unsubmitted job as failed", "job_id", jobID, "error", ferr)
		}
		metrics.JobSubmitErrors.WithLabelValues(queueName, string(jobType)).Inc()
		s.logger.Error("Failed to submit job", "job_id", jobID, "job_type", jobType, "queue", queueName, "error", err)
		return fmt.Errorf("%w: %v", apperr.ErrQueueUnavailable, err)
	}

	metrics.JobsSubmitted.WithLabelValues(queueName, string(jobType)).Inc()
	s.logger.Info("Job queued", "job_id", jobID, "job_type", jobType, "queue", queueName, "attempts", policy.MaxAttempts())
	return nil
}

// SandboxQueue submits sandbox work
type SandboxQueue struct {
	submitter
	policy queue.RetryPolicy
}

// NewSandboxQueue creates the sandbox adapter. Sandbox creation uses a short
// retry budget derived from base.
func NewSandboxQueue(l *ledger.Ledger, b queue.Broker, base queue.RetryPolicy, logger *slog.Logger) *SandboxQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxQueue{
		submitter: submitter{ledger: l, broker: b, logger: logger},
		policy:    queue.SandboxPolicy(base),
	}
}

// QueueCreateSandbox submits a create-sandbox job and returns its ID. A
// payload without a JobID gets a fresh one.
func (q *SandboxQueue) QueueCreateSandbox(ctx context.Context, p CreateSandboxPayload) (string, error) {
	if p.SandboxID == "" || p.ProjectID == "" {
		return "", apperr.Validationf("sandboxId and projectId are required")
	}
	if p.JobID == "" {
		p.JobID = models.NewID(models.PrefixJob)
	}
	if err := q.submit(ctx, p.JobID, models.JobTypeCreateSandbox, SandboxQueueName, p, q.policy); err != nil {
		return "", err
	}
	return p.JobID, nil
}

// DeploymentQueue submits deployment work
type DeploymentQueue struct {
	submitter
	policy queue.RetryPolicy
}

// NewDeploymentQueue creates the deployment adapter using the queue-wide policy
func NewDeploymentQueue(l *ledger.Ledger, b queue.Broker, policy queue.RetryPolicy, logger *slog.Logger) *DeploymentQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentQueue{
		submitter: submitter{ledger: l, broker: b, logger: logger},
		policy:    policy,
	}
}

// QueueCreateDeploymentPreview submits a preview build
func (q *DeploymentQueue) QueueCreateDeploymentPreview(ctx context.Context, p CreateDeploymentPayload) (string, error) {
	return q.queueDeployment(ctx, models.JobTypeCreateDeploymentPreview, p)
}

// QueueCreateDeploymentRollback submits the provisioning of a rollback row
func (q *DeploymentQueue) QueueCreateDeploymentRollback(ctx context.Context, p CreateDeploymentPayload) (string, error) {
	return q.queueDeployment(ctx, models.JobTypeCreateDeploymentRollback, p)
}

func (q *DeploymentQueue) queueDeployment(ctx context.Context, jobType models.JobType, p CreateDeploymentPayload) (string, error) {
	if p.DeploymentID == "" || p.ProjectID == "" {
		return "", apperr.Validationf("deploymentId and projectId are required")
	}
	if p.JobID == "" {
		p.JobID = models.NewID(models.PrefixJob)
	}
	if err := q.submit(ctx, p.JobID, jobType, DeploymentQueueName, p, q.policy); err != nil {
		return "", err
	}
	return p.JobID, nil
}

// IsQueueUnavailable reports whether err means the broker refused a submission
func IsQueueUnavailable(err error) bool {
	return errors.Is(err, apperr.ErrQueueUnavailable)
}
