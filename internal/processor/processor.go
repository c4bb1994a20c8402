// Package processor runs the provider side of queued jobs: it claims the
// ledger entry, calls the provider, applies the result to the sandbox or
// deployment row and settles the ledger.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/queue"
)

// SkippedResult is stored when a re-delivered or obsolete job has nothing
// left to do.
type SkippedResult struct {
	Status  string `json:"status"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// base holds what both processors share
type base struct {
	ledger   *ledger.Ledger
	provider provider.Provider
	logger   *slog.Logger
}

// claim moves the ledger entry to ACTIVE. done is true when the job already
// reached a terminal status and the delivery must be acknowledged untouched.
func (b *base) claim(ctx context.Context, msg *queue.Message) (job *models.Job, done bool, err error) {
	job, err = b.ledger.Claim(ctx, msg.JobID)
	if errors.Is(err, ledger.ErrAlreadyTerminal) {
		b.logger.Info("Skipping re-delivered job",
			"job_id", msg.JobID,
			"job_type", msg.JobType,
			"status", job.Status)
		return job, true, nil
	}
	if apperr.IsNotFound(err) {
		return nil, false, queue.Permanent(err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return job, false, nil
}

// attemptFailed classifies a provider failure. Permanent provider errors stop
// the retry cycle; transient ones are recorded on the ledger while the broker
// still has attempts left.
func (b *base) attemptFailed(ctx context.Context, msg *queue.Message, err error) error {
	if !provider.IsTransient(err) {
		return queue.Permanent(err)
	}
	if !msg.LastAttempt() {
		if rerr := b.ledger.RecordAttemptError(context.WithoutCancel(ctx), msg.JobID, err.Error()); rerr != nil {
			b.logger.Warn("Failed to record attempt error", "job_id", msg.JobID, "error", rerr)
		}
	}
	return err
}

// settleFailed moves the ledger entry to FAILED, tolerating a job that
// already finished.
func (b *base) settleFailed(ctx context.Context, jobID string, cause error) {
	reason := "job failed"
	if cause != nil {
		reason = cause.Error()
	}
	if _, err := b.ledger.Fail(ctx, jobID, reason); err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
		b.logger.Error("Failed to mark job as failed", "job_id", jobID, "error", err)
	}
}

func (b *base) complete(ctx context.Context, jobID string, result any) error {
	if _, err := b.ledger.Complete(ctx, jobID, result); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func decode(msg *queue.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return queue.Permanent(apperr.Validationf("invalid %s payload: %v", msg.JobType, err))
	}
	return nil
}
