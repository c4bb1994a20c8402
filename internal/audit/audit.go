package audit

import (
	"encoding/json"
	"time"

	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/gorm"
)

// Record writes an audit log entry. Pass the transaction when the entry must
// commit together with the change it describes.
func Record(db *gorm.DB, actor, action, resource, projectID string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	if actor == "" {
		actor = ActorSystem
	}

	log := models.AuditLog{
		Actor:       actor,
		Action:      action,
		Resource:    resource,
		ProjectID:   projectID,
		DetailsJSON: string(detailsJSON),
		Timestamp:   time.Now().UTC(),
	}

	return db.Create(&log).Error
}

// List returns the newest entries for a project
func List(db *gorm.DB, projectID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []models.AuditLog
	query := db.Order("id DESC").Limit(limit)
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Actors
const (
	ActorAPI     = "api"
	ActorSystem  = "system"
	ActorSweeper = "sweeper"
)

// Resource helpers
func SandboxResource(id string) string    { return "sandbox:" + id }
func DeploymentResource(id string) string { return "deployment:" + id }

// Audit actions constants
const (
	ActionQueueSandbox       = "queue_sandbox"
	ActionCloseSandbox       = "close_sandbox"
	ActionExpireSandbox      = "expire_sandbox"
	ActionQueuePreview       = "queue_preview_deployment"
	ActionPromoteDeployment  = "promote_deployment"
	ActionRollbackDeployment = "rollback_deployment"
	ActionActivateRollback   = "activate_rollback"
	ActionCancelDeployment   = "cancel_deployment"
)
