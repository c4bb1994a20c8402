package deployment

import (
	"context"
	"fmt"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/audit"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Promote turns a READY preview into the project's active production
// deployment. A new PRODUCTION row is created; the previous active one is
// deactivated in the same transaction. The preview row is not modified.
func (s *Store) Promote(ctx context.Context, sourceID, actor string) (*models.Deployment, error) {
	var promoted *models.Deployment
	var previous string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := load(tx, sourceID)
		if err != nil {
			return err
		}
		if source.Type != models.DeploymentTypePreview {
			return apperr.Conflict(apperr.CodePromotionSourceNotPreview, "deployment %s is %s", sourceID, source.Type)
		}
		if source.Status != models.DeploymentStatusReady {
			return apperr.Conflict(apperr.CodePromotionSourceNotReady, "deployment %s is %s", sourceID, source.Status)
		}

		now := s.now()
		current, err := activeProduction(tx, source.ProjectID)
		if err != nil {
			return err
		}
		if current != nil {
			previous = current.ID
			res := tx.Model(&models.Deployment{}).
				Where("id = ? AND is_active = ?", current.ID, true).
				Updates(map[string]any{"is_active": false, "updated_at": now})
			if res.Error != nil {
				return fmt.Errorf("failed to deactivate production deployment: %w", res.Error)
			}
		}

		promotedFrom := source.ID
		promoted = &models.Deployment{
			ProjectID:      source.ProjectID,
			Type:           models.DeploymentTypeProduction,
			Status:         models.DeploymentStatusReady,
			Domain:         source.Domain,
			IsActive:       true,
			PromotedFrom:   &promotedFrom,
			PromotedAt:     &now,
			ArtifactRef:    source.ArtifactRef,
			ArtifactDigest: source.ArtifactDigest,
			ArtifactFiles:  datatypes.JSONSlice[models.ArtifactFile](append([]models.ArtifactFile(nil), source.ArtifactFiles...)),
			ProviderID:     source.ProviderID,
			ProviderURL:    source.ProviderURL,
			ProviderState:  source.ProviderState,
			ProviderMeta:   source.ProviderMeta,
			ReadyAt:        &now,
		}
		if err := tx.Create(promoted).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict(apperr.CodePromotionInProgress, "another promotion for project %s won the race", source.ProjectID)
			}
			return fmt.Errorf("failed to create production deployment: %w", err)
		}

		return audit.Record(tx, actor, audit.ActionPromoteDeployment, audit.DeploymentResource(promoted.ID), source.ProjectID, map[string]interface{}{
			"promoted_from":       source.ID,
			"previous_production": previous,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Deployment promoted",
		"deployment_id", promoted.ID,
		"promoted_from", sourceID,
		"previous_production", previous,
		"project_id", promoted.ProjectID)
	return promoted, nil
}
