// Package service is the entry point the rest of the system uses to queue
// sandboxes and deployments and to promote or roll them back. No other path
// mutates sandbox or deployment state.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/audit"
	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/jobs"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/sandbox"
	"gorm.io/gorm"
)

// Deps are the collaborators of a Service
type Deps struct {
	DB              *gorm.DB
	Ledger          *ledger.Ledger
	Sandboxes       *sandbox.Store
	Deployments     *deployment.Store
	SandboxQueue    *jobs.SandboxQueue
	DeploymentQueue *jobs.DeploymentQueue
	Defaults        SandboxDefaults
	Logger          *slog.Logger
}

// Service contains the orchestration entry points
type Service struct {
	db          *gorm.DB
	ledger      *ledger.Ledger
	sandboxes   *sandbox.Store
	deployments *deployment.Store
	sandboxQ    *jobs.SandboxQueue
	deployQ     *jobs.DeploymentQueue
	defaults    SandboxDefaults
	logger      *slog.Logger
}

// New creates a new Service
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          d.DB,
		ledger:      d.Ledger,
		sandboxes:   d.Sandboxes,
		deployments: d.Deployments,
		sandboxQ:    d.SandboxQueue,
		deployQ:     d.DeploymentQueue,
		defaults:    d.Defaults,
		logger:      logger,
	}
}

// QueueSandboxCreation reserves the project's sandbox and queues its
// provisioning. It fails with SANDBOX_ALREADY_EXISTS when the project still
// has a live sandbox inside the window.
func (s *Service) QueueSandboxCreation(ctx context.Context, projectID string, req SandboxRequest) (*SandboxTicket, error) {
	if req.VCPUs < 0 || req.MemoryMB < 0 || req.TimeoutSeconds < 0 {
		return nil, apperr.Validationf("sandbox sizing must not be negative")
	}
	req = s.withDefaults(req)

	sb, err := s.sandboxes.Reserve(ctx, sandbox.CreateRequest{
		ProjectID:      projectID,
		TemplateRef:    req.TemplateRef,
		VCPUs:          req.VCPUs,
		MemoryMB:       req.MemoryMB,
		TimeoutSeconds: req.TimeoutSeconds,
		Region:         req.Region,
		Runtime:        req.Runtime,
	})
	if err != nil {
		return nil, err
	}

	jobID := models.NewID(models.PrefixJob)
	if err := s.sandboxes.SetJobID(ctx, sb.ID, jobID); err != nil {
		s.logger.Warn("Failed to link sandbox to job", "sandbox_id", sb.ID, "job_id", jobID, "error", err)
	}
	sb.JobID = jobID

	_, err = s.sandboxQ.QueueCreateSandbox(ctx, jobs.CreateSandboxPayload{
		JobID:          jobID,
		SandboxID:      sb.ID,
		ProjectID:      projectID,
		TemplateRef:    req.TemplateRef,
		VCPUs:          req.VCPUs,
		MemoryMB:       req.MemoryMB,
		TimeoutSeconds: req.TimeoutSeconds,
		Region:         req.Region,
		Runtime:        req.Runtime,
	})
	if err != nil {
		// Free the project again; nothing will provision this row
		if _, ferr := s.sandboxes.MarkFailed(context.WithoutCancel(ctx), sb.ID, err.Error()); ferr != nil {
			s.logger.Error("Failed to release unqueued sandbox", "sandbox_id", sb.ID, "error", ferr)
		}
		return nil, err
	}

	s.audit(audit.ActorAPI, audit.ActionQueueSandbox, audit.SandboxResource(sb.ID), projectID, map[string]interface{}{
		"job_id":       jobID,
		"template_ref": req.TemplateRef,
	})
	return &SandboxTicket{JobID: jobID, Sandbox: sb}, nil
}

func (s *Service) withDefaults(req SandboxRequest) SandboxRequest {
	if req.TemplateRef == "" {
		req.TemplateRef = s.defaults.TemplateRef
	}
	if req.VCPUs == 0 {
		req.VCPUs = s.defaults.VCPUs
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = s.defaults.MemoryMB
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = int(s.defaults.Timeout / time.Second)
	}
	if req.Region == "" {
		req.Region = s.defaults.Region
	}
	if req.Runtime == "" {
		req.Runtime = s.defaults.Runtime
	}
	return req
}

// GetSandbox returns a sandbox by ID
func (s *Service) GetSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	return s.sandboxes.Get(ctx, id)
}

// ListSandboxes returns a project's sandboxes newest first
func (s *Service) ListSandboxes(ctx context.Context, projectID string) ([]models.Sandbox, error) {
	return s.sandboxes.List(ctx, projectID)
}

// GetActiveSandbox returns the project's live sandbox inside the window or
// SANDBOX_NOT_FOUND_IN_TIME_WINDOW.
func (s *Service) GetActiveSandbox(ctx context.Context, projectID string) (*models.Sandbox, error) {
	return s.sandboxes.FindActive(ctx, projectID)
}

// TouchSandbox extends a live sandbox's window
func (s *Service) TouchSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	return s.sandboxes.Touch(ctx, id)
}

// CloseSandbox tears a sandbox down
func (s *Service) CloseSandbox(ctx context.Context, id, actor string) (*models.Sandbox, error) {
	sb, err := s.sandboxes.Close(ctx, id)
	if err != nil {
		return nil, err
	}
	s.audit(actor, audit.ActionCloseSandbox, audit.SandboxResource(id), sb.ProjectID, map[string]interface{}{
		"status": sb.Status,
	})
	return sb, nil
}

// QueuePreviewDeployment records a preview deployment and queues its build
func (s *Service) QueuePreviewDeployment(ctx context.Context, projectID string, req PreviewRequest) (*DeploymentTicket, error) {
	d, err := s.deployments.CreatePreview(ctx, projectID, req.Artifact)
	if err != nil {
		return nil, err
	}

	jobID, err := s.queueDeployment(ctx, d, provider.TargetPreview, s.deployQ.QueueCreateDeploymentPreview)
	if err != nil {
		return nil, err
	}

	s.audit(audit.ActorAPI, audit.ActionQueuePreview, audit.DeploymentResource(d.ID), projectID, map[string]interface{}{
		"job_id": jobID,
		"ref":    req.Artifact.Ref,
		"files":  len(req.Artifact.Files),
	})
	return &DeploymentTicket{JobID: jobID, Deployment: d}, nil
}

// PromoteDeployment makes a READY preview the project's active production
// deployment. It completes synchronously.
func (s *Service) PromoteDeployment(ctx context.Context, id, actor string) (*models.Deployment, error) {
	return s.deployments.Promote(ctx, id, actor)
}

// RollbackDeployment creates a rollback to targetID and queues its
// provisioning. The returned row becomes active once it is READY.
func (s *Service) RollbackDeployment(ctx context.Context, targetID, actor string) (*DeploymentTicket, error) {
	d, err := s.deployments.PrepareRollback(ctx, targetID, actor)
	if err != nil {
		return nil, err
	}

	jobID, err := s.queueDeployment(ctx, d, provider.TargetProduction, s.deployQ.QueueCreateDeploymentRollback)
	if err != nil {
		return nil, err
	}
	return &DeploymentTicket{JobID: jobID, Deployment: d}, nil
}

type deploymentSubmit func(context.Context, jobs.CreateDeploymentPayload) (string, error)

func (s *Service) queueDeployment(ctx context.Context, d *models.Deployment, target string, submit deploymentSubmit) (string, error) {
	jobID := models.NewID(models.PrefixJob)
	if err := s.deployments.SetJobID(ctx, d.ID, jobID); err != nil {
		s.logger.Warn("Failed to link deployment to job", "deployment_id", d.ID, "job_id", jobID, "error", err)
	}
	d.JobID = jobID

	_, err := submit(ctx, jobs.CreateDeploymentPayload{
		JobID:        jobID,
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Target:       target,
		Artifact:     deployment.ArtifactOf(d),
	})
	if err != nil {
		// A row nothing will provision must not stay pending
		if _, ferr := s.deployments.Fail(context.WithoutCancel(ctx), d.ID, err.Error()); ferr != nil {
			s.logger.Error("Failed to fail unqueued deployment", "deployment_id", d.ID, "error", ferr)
		}
		return "", err
	}
	return jobID, nil
}

// CancelDeployment marks a pending deployment CANCELED
func (s *Service) CancelDeployment(ctx context.Context, id, actor string) (*models.Deployment, error) {
	return s.deployments.Cancel(ctx, id, actor)
}

// GetDeployment returns a deployment by ID
func (s *Service) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	return s.deployments.Get(ctx, id)
}

// ListDeployments returns a project's deployments newest first
func (s *Service) ListDeployments(ctx context.Context, projectID string) ([]models.Deployment, error) {
	return s.deployments.List(ctx, projectID)
}

// GetJob returns a ledger entry by ID
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.ledger.Get(ctx, id)
}

// ListJobs returns ledger entries newest first
func (s *Service) ListJobs(ctx context.Context, f ledger.Filter) ([]models.Job, error) {
	return s.ledger.List(ctx, f)
}

// ListAudit returns the newest audit entries of a project
func (s *Service) ListAudit(ctx context.Context, projectID string, limit int) ([]models.AuditLog, error) {
	return audit.List(s.db.WithContext(ctx), projectID, limit)
}

func (s *Service) audit(actor, action, resource, projectID string, details map[string]interface{}) {
	if err := audit.Record(s.db, actor, action, resource, projectID, details); err != nil {
		s.logger.Warn("Failed to write audit log", "action", action, "resource", resource, "error", err)
	}
}
