// Package deployment owns the deployment state machine: preview creation,
// provider progress, cancellation, promotion and rollback.
package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/audit"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/sandbox"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrCanceled is returned by Advance when the deployment was canceled before
// the provider result arrived. The CANCELED status is kept.
var ErrCanceled = errors.New("deployment canceled")

// Progress is what the provider reported for a deployment
type Progress struct {
	ProviderID string
	URL        string
	State      string
	Meta       map[string]any
	Error      string
}

// Store persists deployments and enforces their invariants
type Store struct {
	db            *gorm.DB
	sandboxWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a deployment store. sandboxWindow must match the sandbox
// store's window; rollback consults it.
func New(db *gorm.DB, sandboxWindow time.Duration, opts ...Option) *Store {
	if sandboxWindow <= 0 {
		sandboxWindow = sandbox.DefaultWindow
	}
	s := &Store{
		db:            db,
		sandboxWindow: sandboxWindow,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePreview persists a QUEUED preview deployment
func (s *Store) CreatePreview(ctx context.Context, projectID string, artifact Artifact) (*models.Deployment, error) {
	if projectID == "" {
		return nil, apperr.Validationf("projectId is required")
	}
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	d := &models.Deployment{
		ProjectID:      projectID,
		Type:           models.DeploymentTypePreview,
		Status:         models.DeploymentStatusQueued,
		ArtifactRef:    artifact.Ref,
		ArtifactDigest: artifact.Digest,
		ArtifactFiles:  datatypes.JSONSlice[models.ArtifactFile](artifact.Files),
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	s.logger.Info("Preview deployment created", "deployment_id", d.ID, "project_id", projectID)
	return d, nil
}

// Get loads a deployment by ID
func (s *Store) Get(ctx context.Context, id string) (*models.Deployment, error) {
	return load(s.db.WithContext(ctx), id)
}

func load(tx *gorm.DB, id string) (*models.Deployment, error) {
	var d models.Deployment
	if err := tx.First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodeDeploymentNotFound, id)
		}
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return &d, nil
}

// List returns a project's deployments newest first
func (s *Store) List(ctx context.Context, projectID string) ([]models.Deployment, error) {
	var out []models.Deployment
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return out, nil
}

// ActiveProduction returns the project's active production deployment, or nil
func (s *Store) ActiveProduction(ctx context.Context, projectID string) (*models.Deployment, error) {
	return activeProduction(s.db.WithContext(ctx), projectID)
}

func activeProduction(tx *gorm.DB, projectID string) (*models.Deployment, error) {
	var d models.Deployment
	err := tx.Where("project_id = ? AND type = ? AND is_active = ?", projectID, models.DeploymentTypeProduction, true).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active production deployment: %w", err)
	}
	return &d, nil
}

// SetJobID links the deployment to its provisioning job
func (s *Store) SetJobID(ctx context.Context, id, jobID string) error {
	return s.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Update("job_id", jobID).Error
}

// RecordProviderRef stores the provider's deployment id as soon as it exists
// so a retried attempt polls it instead of creating another one.
func (s *Store) RecordProviderRef(ctx context.Context, id, providerID, url string) error {
	return s.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status IN ?", id, models.PendingDeploymentStatuses).
		Updates(map[string]any{"provider_id": providerID, "provider_url": url, "updated_at": s.now()}).Error
}

// Advance moves a pending deployment to next with the provider's view of it.
// A status equal to the current one only refreshes provider metadata. A
// CANCELED row is never overwritten; Advance then returns ErrCanceled. A
// rollback deployment reaching READY becomes the active production one in the
// same transaction.
func (s *Store) Advance(ctx context.Context, id string, next models.DeploymentStatus, p Progress) (*models.Deployment, error) {
	var out *models.Deployment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := load(tx, id)
		if err != nil {
			return err
		}
		out = d

		if d.Status == models.DeploymentStatusCanceled {
			return ErrCanceled
		}
		if d.Status == next && !next.IsTerminal() {
			if err := s.refresh(tx, d, p); err != nil {
				return err
			}
			out, err = load(tx, id)
			return err
		}
		if !d.Status.CanTransition(next) {
			if d.Status == next {
				return nil
			}
			return fmt.Errorf("%w: deployment %s is %s, cannot move to %s", apperr.ErrInvalidTransition, id, d.Status, next)
		}

		now := s.now()
		updates := progressUpdates(p)
		updates["status"] = next
		updates["updated_at"] = now
		switch next {
		case models.DeploymentStatusReady:
			updates["ready_at"] = now
			updates["error"] = ""
			if p.URL != "" {
				updates["domain"] = p.URL
			}
		case models.DeploymentStatusError:
			updates["error"] = p.Error
		}

		if next == models.DeploymentStatusReady && d.IsRollback {
			if err := s.activateRollback(tx, d, now); err != nil {
				return err
			}
			updates["is_active"] = true
		}

		res := tx.Model(&models.Deployment{}).
			Where("id = ? AND status = ?", id, d.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update deployment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: deployment %s changed concurrently", apperr.ErrInvalidTransition, id)
		}

		out, err = load(tx, id)
		return err
	})
	if err != nil {
		return out, err
	}

	s.logger.Debug("Deployment progress applied", "deployment_id", id, "project_id", out.ProjectID, "status", out.Status)
	return out, nil
}

// Fail moves a pending deployment to ERROR. Terminal rows are left untouched:
// CANCELED yields ErrCanceled, READY yields ErrInvalidTransition and an ERROR
// row is returned as is.
func (s *Store) Fail(ctx context.Context, id, reason string) (*models.Deployment, error) {
	return s.Advance(ctx, id, models.DeploymentStatusError, Progress{Error: reason})
}

// refresh stores provider metadata without a status change
func (s *Store) refresh(tx *gorm.DB, d *models.Deployment, p Progress) error {
	updates := progressUpdates(p)
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = s.now()
	return tx.Model(&models.Deployment{}).
		Where("id = ? AND status = ?", d.ID, d.Status).
		Updates(updates).Error
}

func progressUpdates(p Progress) map[string]any {
	updates := map[string]any{}
	if p.ProviderID != "" {
		updates["provider_id"] = p.ProviderID
	}
	if p.URL != "" {
		updates["provider_url"] = p.URL
	}
	if p.State != "" {
		updates["provider_state"] = p.State
	}
	if len(p.Meta) > 0 {
		if b, err := json.Marshal(p.Meta); err == nil {
			updates["provider_meta"] = datatypes.JSON(b)
		}
	}
	return updates
}

// activateRollback deactivates the project's current production deployment
// so the rollback row can take over.
func (s *Store) activateRollback(tx *gorm.DB, d *models.Deployment, now time.Time) error {
	if err := tx.Model(&models.Deployment{}).
		Where("project_id = ? AND type = ? AND is_active = ? AND id <> ?",
			d.ProjectID, models.DeploymentTypeProduction, true, d.ID).
		Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("failed to deactivate production deployment: %w", err)
	}

	target := ""
	if d.RolledBackTo != nil {
		target = *d.RolledBackTo
	}
	audit.Record(tx, audit.ActorSystem, audit.ActionActivateRollback, audit.DeploymentResource(d.ID), d.ProjectID, map[string]interface{}{
		"rolled_back_to": target,
	})
	return nil
}

// Cancel marks a pending deployment CANCELED. An in-flight provider call is
// not interrupted; its result is discarded when it arrives.
func (s *Store) Cancel(ctx context.Context, id, actor string) (*models.Deployment, error) {
	var out *models.Deployment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Deployment{}).
			Where("id = ? AND status IN ?", id, models.PendingDeploymentStatuses).
			Updates(map[string]any{"status": models.DeploymentStatusCanceled, "updated_at": s.now()})
		if res.Error != nil {
			return fmt.Errorf("failed to cancel deployment: %w", res.Error)
		}

		d, err := load(tx, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict(apperr.CodeDeploymentNotCancelable, "deployment %s is %s", id, d.Status)
		}
		out = d

		return audit.Record(tx, actor, audit.ActionCancelDeployment, audit.DeploymentResource(id), d.ProjectID, nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Deployment canceled", "deployment_id", id, "project_id", out.ProjectID)
	return out, nil
}
