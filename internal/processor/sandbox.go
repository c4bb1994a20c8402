package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/jobs"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/queue"
	"github.com/nebari-dev/launchpad/internal/sandbox"
)

// SandboxResult is the normalized ledger result of a create-sandbox job
type SandboxResult struct {
	SandboxID  string `json:"sandboxId"`
	ExternalID string `json:"externalId"`
	Domain     string `json:"domain"`
	Status     string `json:"status"`
}

// SandboxProcessor provisions sandboxes
type SandboxProcessor struct {
	base
	sandboxes    *sandbox.Store
	pollInterval time.Duration
}

// NewSandboxProcessor creates a sandbox processor
func NewSandboxProcessor(l *ledger.Ledger, sandboxes *sandbox.Store, p provider.Provider, pollInterval time.Duration, logger *slog.Logger) *SandboxProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &SandboxProcessor{
		base:         base{ledger: l, provider: p, logger: logger},
		sandboxes:    sandboxes,
		pollInterval: pollInterval,
	}
}

// Process handles one delivery of a create-sandbox job. A sandbox the
// provider still reports as pending is polled until it runs, fails or the
// attempt context ends.
func (p *SandboxProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload jobs.CreateSandboxPayload
	if err := decode(msg, &payload); err != nil {
		return err
	}

	_, done, err := p.claim(ctx, msg)
	if err != nil || done {
		return err
	}

	sb, err := p.sandboxes.Get(ctx, payload.SandboxID)
	if apperr.IsNotFound(err) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	// An earlier attempt of this job initialized the sandbox but did not
	// get to settle the ledger
	if sb.Status == models.SandboxStatusInitialized && sb.JobID == msg.JobID {
		return p.complete(ctx, msg.JobID, sandboxResultOf(sb))
	}

	// Closed or expired while the job waited in the queue
	if sb.Status != models.SandboxStatusInitializing {
		return p.complete(ctx, msg.JobID, SkippedResult{
			Status:  string(sb.Status),
			Skipped: true,
			Reason:  "sandbox no longer initializing",
		})
	}

	handle, err := p.ensure(ctx, sb, payload)
	if err != nil {
		return p.attemptFailed(ctx, msg, err)
	}
	for !handle.Running() {
		if handle.Failed() {
			return queue.Permanent(fmt.Errorf("provider reported sandbox %s as %s", handle.ID, handle.Status))
		}

		select {
		case <-ctx.Done():
			return p.attemptFailed(ctx, msg, fmt.Errorf("sandbox %s still %s: %w", handle.ID, handle.Status, ctx.Err()))
		case <-time.After(p.pollInterval):
		}

		handle, err = p.provider.GetSandbox(ctx, sb.ProjectID, handle.ID)
		if err != nil {
			return p.attemptFailed(ctx, msg, err)
		}
	}

	updated, err := p.sandboxes.MarkInitialized(ctx, sb.ID, sandbox.Metadata{
		ExternalID:     handle.ID,
		Domain:         handle.Domain,
		VCPUs:          handle.VCPUs,
		MemoryMB:       handle.MemoryMB,
		Region:         handle.Region,
		Runtime:        handle.Runtime,
		TimeoutSeconds: int(handle.Timeout / time.Second),
		ProviderStatus: handle.Status,
	})
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// Closed while the provider call was in flight; the close wins
		return p.complete(ctx, msg.JobID, SkippedResult{
			Status:  string(updated.Status),
			Skipped: true,
			Reason:  "sandbox closed during provisioning",
		})
	}
	if err != nil {
		return err
	}
	return p.complete(ctx, msg.JobID, sandboxResultOf(updated))
}

func sandboxResultOf(sb *models.Sandbox) SandboxResult {
	domain := ""
	if sb.Domain != nil {
		domain = *sb.Domain
	}
	return SandboxResult{
		SandboxID:  sb.ID,
		ExternalID: sb.ExternalID,
		Domain:     domain,
		Status:     string(sb.Status),
	}
}

// ensure returns the provider sandbox for sb, creating it only when no
// earlier attempt already did.
func (p *SandboxProcessor) ensure(ctx context.Context, sb *models.Sandbox, payload jobs.CreateSandboxPayload) (*provider.Sandbox, error) {
	if sb.ExternalID != "" {
		handle, err := p.provider.GetSandbox(ctx, sb.ProjectID, sb.ExternalID)
		if err == nil {
			p.logger.Info("Reusing provider sandbox from earlier attempt", "sandbox_id", sb.ID, "external_id", sb.ExternalID)
			return handle, nil
		}
		if provider.IsTransient(err) {
			return nil, err
		}
		p.logger.Warn("Provider lost sandbox from earlier attempt, creating a new one",
			"sandbox_id", sb.ID,
			"external_id", sb.ExternalID,
			"error", err)
	}

	handle, err := p.provider.CreateSandbox(ctx, provider.SandboxSpec{
		ProjectID:   payload.ProjectID,
		TemplateRef: payload.TemplateRef,
		VCPUs:       payload.VCPUs,
		MemoryMB:    payload.MemoryMB,
		Timeout:     time.Duration(payload.TimeoutSeconds) * time.Second,
		Region:      payload.Region,
		Runtime:     payload.Runtime,
	})
	if err != nil {
		return nil, err
	}

	if err := p.sandboxes.RecordProviderRef(ctx, sb.ID, handle.ID); err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
		p.logger.Warn("Failed to record provider sandbox id", "sandbox_id", sb.ID, "external_id", handle.ID, "error", err)
	}
	return handle, nil
}

// Exhausted settles a job the broker gave up on: the sandbox becomes FAILED
// unless something else already finished it, and the ledger entry FAILED.
func (p *SandboxProcessor) Exhausted(ctx context.Context, msg *queue.Message, cause error) {
	var payload jobs.CreateSandboxPayload
	if err := msg.Decode(&payload); err == nil && payload.SandboxID != "" {
		reason := "sandbox creation failed"
		if cause != nil {
			reason = cause.Error()
		}
		if _, err := p.sandboxes.MarkFailed(ctx, payload.SandboxID, reason); err != nil &&
			!errors.Is(err, apperr.ErrInvalidTransition) && !apperr.IsNotFound(err) {
			p.logger.Error("Failed to mark sandbox as failed", "sandbox_id", payload.SandboxID, "error", err)
		}
	}
	p.settleFailed(ctx, msg.JobID, cause)
}
