package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentType distinguishes preview builds from production deployments
type DeploymentType string

const (
	DeploymentTypePreview    DeploymentType = "PREVIEW"
	DeploymentTypeProduction DeploymentType = "PRODUCTION"
)

// DeploymentStatus represents the lifecycle state of a deployment
type DeploymentStatus string

const (
	DeploymentStatusQueued       DeploymentStatus = "QUEUED"
	DeploymentStatusInitializing DeploymentStatus = "INITIALIZING"
	DeploymentStatusBuilding     DeploymentStatus = "BUILDING"
	DeploymentStatusReady        DeploymentStatus = "READY"
	DeploymentStatusError        DeploymentStatus = "ERROR"
	DeploymentStatusCanceled     DeploymentStatus = "CANCELED"
)

// PendingDeploymentStatuses are the pre-terminal statuses.
var PendingDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusQueued,
	DeploymentStatusInitializing,
	DeploymentStatusBuilding,
}

var deploymentProgress = map[DeploymentStatus]int{
	DeploymentStatusQueued:       0,
	DeploymentStatusInitializing: 1,
	DeploymentStatusBuilding:     2,
}

// IsTerminal reports whether the status is READY, ERROR or CANCELED.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusReady, DeploymentStatusError, DeploymentStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a deployment may move from s to next.
// Progress only moves forward; a provider that reports a later stage between
// two polls may skip intermediate ones.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	from, ok := deploymentProgress[s]
	if !ok {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	to, ok := deploymentProgress[next]
	return ok && to > from
}

// ArtifactFile is one file of a deployment artifact
type ArtifactFile struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// Deployment is a built artifact instance for a project
type Deployment struct {
	ID        string           `gorm:"type:text;primaryKey" json:"id"`
	ProjectID string           `gorm:"type:text;not null;index" json:"projectId"`
	JobID     string           `gorm:"type:text;index" json:"jobId,omitempty"`
	Type      DeploymentType   `gorm:"not null;index" json:"type"`
	Status    DeploymentStatus `gorm:"not null;index" json:"status"`
	Domain    string           `json:"domain,omitempty"`
	IsActive  bool             `gorm:"not null" json:"isActive"`

	PromotedFrom *string    `gorm:"type:text" json:"promotedFrom,omitempty"`
	PromotedAt   *time.Time `json:"promotedAt,omitempty"`

	IsRollback     bool       `gorm:"not null" json:"isRollback"`
	RolledBackFrom *string    `gorm:"type:text" json:"rolledBackFrom,omitempty"`
	RolledBackTo   *string    `gorm:"type:text" json:"rolledBackTo,omitempty"`
	RolledBackAt   *time.Time `json:"rolledBackAt,omitempty"`

	ArtifactRef    string                           `json:"artifactRef,omitempty"`
	ArtifactDigest string                           `json:"artifactDigest,omitempty"`
	ArtifactFiles  datatypes.JSONSlice[ArtifactFile] `json:"artifactFiles,omitempty"`

	// Provider metadata
	ProviderID    string         `gorm:"type:text;index" json:"providerId,omitempty"`
	ProviderURL   string         `json:"providerUrl,omitempty"`
	ProviderState string         `json:"providerState,omitempty"`
	ProviderMeta  datatypes.JSON `json:"providerMeta,omitempty"`

	Error     string     `gorm:"type:text" json:"error,omitempty"`
	ReadyAt   *time.Time `json:"readyAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TableName ensures GORM uses the "deployments" table
func (Deployment) TableName() string {
	return "deployments"
}

// BeforeCreate hook to generate a time-sortable ID
func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = NewID(PrefixDeployment)
	}
	return nil
}

// IsRollbackTarget reports whether a rollback may reproduce this deployment.
func (d *Deployment) IsRollbackTarget() bool {
	return d.Type == DeploymentTypePreview && d.Status == DeploymentStatusReady && !d.IsRollback
}
