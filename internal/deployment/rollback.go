package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/audit"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/sandbox"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PrepareRollback validates a rollback to targetID and creates the QUEUED
// PRODUCTION row that will reproduce the target's artifact. The row becomes
// the active production deployment once provisioning reports READY.
//
// Checks run in this order, each failing with its own conflict code: the
// target is itself a rollback, the target is a production deployment, the
// target is not READY, the project has a non-terminal sandbox (lapsed ones are
// expired first), a rollback to the same
// target is still pending.
func (s *Store) PrepareRollback(ctx context.Context, targetID, actor string) (*models.Deployment, error) {
	var row *models.Deployment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := load(tx, targetID)
		if err != nil {
			return err
		}
		if err := s.checkRollbackTarget(tx, target); err != nil {
			return err
		}

		current, err := activeProduction(tx, target.ProjectID)
		if err != nil {
			return err
		}

		now := s.now()
		rolledBackTo := target.ID
		row = &models.Deployment{
			ProjectID:      target.ProjectID,
			Type:           models.DeploymentTypeProduction,
			Status:         models.DeploymentStatusQueued,
			IsRollback:     true,
			RolledBackTo:   &rolledBackTo,
			RolledBackAt:   &now,
			ArtifactRef:    target.ArtifactRef,
			ArtifactDigest: target.ArtifactDigest,
			ArtifactFiles:  datatypes.JSONSlice[models.ArtifactFile](append([]models.ArtifactFile(nil), target.ArtifactFiles...)),
		}
		if current != nil {
			from := current.ID
			row.RolledBackFrom = &from
		}

		if err := tx.Create(row).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict(apperr.CodeRollbackInProgress, "a rollback to %s is already pending", target.ID)
			}
			return fmt.Errorf("failed to create rollback deployment: %w", err)
		}

		return audit.Record(tx, actor, audit.ActionRollbackDeployment, audit.DeploymentResource(row.ID), target.ProjectID, map[string]interface{}{
			"rolled_back_to":   target.ID,
			"rolled_back_from": row.RolledBackFrom,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Rollback deployment created",
		"deployment_id", row.ID,
		"rolled_back_to", targetID,
		"project_id", row.ProjectID)
	return row, nil
}

func (s *Store) checkRollbackTarget(tx *gorm.DB, target *models.Deployment) error {
	if target.IsRollback {
		return apperr.Conflict(apperr.CodeRollbackToRollbackNotAllowed, "deployment %s is itself a rollback", target.ID)
	}
	if target.Type == models.DeploymentTypeProduction {
		return apperr.Conflict(apperr.CodeRollbackProductionNotAllowed, "deployment %s is a production deployment", target.ID)
	}
	if target.Status != models.DeploymentStatusReady {
		return apperr.Conflict(apperr.CodeRollbackTargetNotReady, "deployment %s is %s", target.ID, target.Status)
	}

	// Lapsed sandboxes the sweeper has not reached yet are expired here so
	// only a sandbox that is really live blocks the rollback
	live, err := sandbox.ExpireLapsed(tx, target.ProjectID, s.now(), s.sandboxWindow, s.logger)
	if err != nil {
		return err
	}
	if live != nil {
		return apperr.Conflict(apperr.CodeRollbackBlockedBySandbox, "project %s has %s sandbox %s", target.ProjectID, live.Status, live.ID)
	}

	var pending models.Deployment
	err = tx.Where("rolled_back_to = ? AND is_rollback = ? AND status IN ?", target.ID, true, models.PendingDeploymentStatuses).
		First(&pending).Error
	if err == nil {
		return apperr.Conflict(apperr.CodeRollbackInProgress, "rollback %s to %s is %s", pending.ID, target.ID, pending.Status)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check pending rollbacks: %w", err)
	}
	return nil
}
