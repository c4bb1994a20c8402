package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/jobs"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/queue"
)

// DefaultPollInterval is how often a pending provider deployment is polled
const DefaultPollInterval = 3 * time.Second

// DeploymentResult is the normalized ledger result of a deployment job
type DeploymentResult struct {
	DeploymentID     string `json:"deploymentId"`
	DeploymentStatus string `json:"deploymentStatus"`
	ProviderID       string `json:"providerId,omitempty"`
	URL              string `json:"url,omitempty"`
	IsActive         bool   `json:"isActive"`
	Skipped          bool   `json:"skipped,omitempty"`
}

// DeploymentProcessor provisions preview and rollback deployments
type DeploymentProcessor struct {
	base
	deployments  *deployment.Store
	pollInterval time.Duration
}

// NewDeploymentProcessor creates a deployment processor
func NewDeploymentProcessor(l *ledger.Ledger, deployments *deployment.Store, p provider.Provider, pollInterval time.Duration, logger *slog.Logger) *DeploymentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &DeploymentProcessor{
		base:         base{ledger: l, provider: p, logger: logger},
		deployments:  deployments,
		pollInterval: pollInterval,
	}
}

// Process handles one delivery of a preview or rollback job. It polls the
// provider until the deployment settles or the attempt context ends.
func (p *DeploymentProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload jobs.CreateDeploymentPayload
	if err := decode(msg, &payload); err != nil {
		return err
	}

	_, done, err := p.claim(ctx, msg)
	if err != nil || done {
		return err
	}

	d, err := p.deployments.Get(ctx, payload.DeploymentID)
	if apperr.IsNotFound(err) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return p.complete(ctx, msg.JobID, resultOf(d, true))
	}

	handle, err := p.ensure(ctx, d, payload)
	if err != nil {
		return p.attemptFailed(ctx, msg, err)
	}

	for {
		next := handle.Status()
		d, err = p.deployments.Advance(ctx, d.ID, next, deployment.Progress{
			ProviderID: handle.ID,
			URL:        handle.URL,
			State:      handle.ReadyState,
			Meta:       handle.Meta,
			Error:      providerError(handle),
		})
		switch {
		case errors.Is(err, deployment.ErrCanceled):
			p.logger.Info("Deployment canceled, discarding provider result",
				"deployment_id", payload.DeploymentID,
				"job_id", msg.JobID,
				"provider_state", handle.ReadyState)
			return p.complete(ctx, msg.JobID, resultOf(d, true))
		case errors.Is(err, apperr.ErrInvalidTransition) && !next.IsTerminal():
			// Provider reported an earlier stage than we already stored
			d, err = p.deployments.Get(ctx, payload.DeploymentID)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}

		switch d.Status {
		case models.DeploymentStatusReady, models.DeploymentStatusCanceled:
			return p.complete(ctx, msg.JobID, resultOf(d, false))
		case models.DeploymentStatusError:
			return queue.Permanent(fmt.Errorf("deployment %s failed: %s", d.ID, d.Error))
		}

		select {
		case <-ctx.Done():
			return p.attemptFailed(ctx, msg, fmt.Errorf("deployment %s still %s: %w", d.ID, d.Status, ctx.Err()))
		case <-time.After(p.pollInterval):
		}

		handle, err = p.provider.GetDeployment(ctx, handle.ID)
		if err != nil {
			return p.attemptFailed(ctx, msg, err)
		}
	}
}

// ensure returns the provider deployment for d, creating it only when no
// earlier attempt already did.
func (p *DeploymentProcessor) ensure(ctx context.Context, d *models.Deployment, payload jobs.CreateDeploymentPayload) (*provider.Deployment, error) {
	if d.ProviderID != "" {
		handle, err := p.provider.GetDeployment(ctx, d.ProviderID)
		if err == nil {
			p.logger.Info("Resuming provider deployment from earlier attempt", "deployment_id", d.ID, "provider_id", d.ProviderID)
			return handle, nil
		}
		if provider.IsTransient(err) {
			return nil, err
		}
		p.logger.Warn("Provider lost deployment from earlier attempt, creating a new one",
			"deployment_id", d.ID,
			"provider_id", d.ProviderID,
			"error", err)
	}

	target := payload.Target
	if target == "" {
		target = provider.TargetPreview
		if d.Type == models.DeploymentTypeProduction {
			target = provider.TargetProduction
		}
	}
	artifact := deployment.ArtifactOf(d)
	handle, err := p.provider.CreateDeployment(ctx, provider.DeploymentSpec{
		ProjectID: d.ProjectID,
		Name:      d.ID,
		Target:    target,
		Files:     artifact.Files,
		Ref:       artifact.Ref,
		Digest:    artifact.Digest,
	})
	if err != nil {
		return nil, err
	}

	if err := p.deployments.RecordProviderRef(ctx, d.ID, handle.ID, handle.URL); err != nil {
		p.logger.Warn("Failed to record provider deployment id", "deployment_id", d.ID, "provider_id", handle.ID, "error", err)
	}
	return handle, nil
}

// Exhausted settles a job the broker gave up on: the deployment becomes
// ERROR unless it already finished or was canceled, and the ledger entry
// FAILED.
func (p *DeploymentProcessor) Exhausted(ctx context.Context, msg *queue.Message, cause error) {
	var payload jobs.CreateDeploymentPayload
	if err := msg.Decode(&payload); err == nil && payload.DeploymentID != "" {
		reason := "deployment failed"
		if cause != nil {
			reason = cause.Error()
		}
		_, err := p.deployments.Fail(ctx, payload.DeploymentID, reason)
		if err != nil && !errors.Is(err, deployment.ErrCanceled) &&
			!errors.Is(err, apperr.ErrInvalidTransition) && !apperr.IsNotFound(err) {
			p.logger.Error("Failed to mark deployment as failed", "deployment_id", payload.DeploymentID, "error", err)
		}
	}
	p.settleFailed(ctx, msg.JobID, cause)
}

func resultOf(d *models.Deployment, skipped bool) DeploymentResult {
	return DeploymentResult{
		DeploymentID:     d.ID,
		DeploymentStatus: string(d.Status),
		ProviderID:       d.ProviderID,
		URL:              d.Domain,
		IsActive:         d.IsActive,
		Skipped:          skipped,
	}
}

func providerError(d *provider.Deployment) string {
	switch {
	case d.ErrorMsg != "" && d.ErrorCode != "":
		return d.ErrorCode + ": " + d.ErrorMsg
	case d.ErrorMsg != "":
		return d.ErrorMsg
	case d.Status() == models.DeploymentStatusError:
		return "provider reported ERROR"
	}
	return d.ErrorCode
}
