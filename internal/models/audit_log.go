package models

import (
	"time"

	"gorm.io/gorm"
)

// AuditLog records orchestration actions taken on sandboxes and deployments
type AuditLog struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	Actor       string    `gorm:"not null" json:"actor"`          // e.g. "api", "sweeper"
	Action      string    `gorm:"not null;index" json:"action"`   // e.g. "promote_deployment"
	Resource    string    `gorm:"not null;index" json:"resource"` // e.g. "deployment:dep_..."
	ProjectID   string    `gorm:"type:text;index" json:"project_id"`
	DetailsJSON string    `gorm:"type:text" json:"details_json"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
}

// BeforeCreate hook to generate a time-sortable ID
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = NewID(PrefixAudit)
	}
	return nil
}
