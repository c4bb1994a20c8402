package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType identifies the kind of work a job carries
type JobType string

const (
	JobTypeCreateSandbox            JobType = "create-sandbox"
	JobTypeCreateDeploymentPreview  JobType = "create-deployment-preview"
	JobTypeCreateDeploymentRollback JobType = "create-deployment-rollback"
)

// JobStatus represents the ledger state of a job
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "WAITING"
	JobStatusActive    JobStatus = "ACTIVE"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from s to next.
// ACTIVE -> ACTIVE is a re-claim after broker re-delivery.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusWaiting:
		return next == JobStatusActive || next == JobStatusFailed
	case JobStatusActive:
		return next == JobStatusActive || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Job is the ledger row for one unit of asynchronous work
type Job struct {
	ID               string         `gorm:"type:text;primaryKey" json:"jobId"`
	Name             JobType        `gorm:"not null;index" json:"name"`
	QueueName        string         `gorm:"not null;index" json:"queueName"`
	Data             datatypes.JSON `json:"data"`
	Status           JobStatus      `gorm:"not null;index" json:"status"`
	Result           datatypes.JSON `json:"result,omitempty"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	Attempts         int            `gorm:"not null" json:"attempts"`
	ProcessingTimeMs int64          `json:"processingTime"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TableName ensures GORM uses the "jobs" table
func (Job) TableName() string {
	return "jobs"
}

// BeforeCreate hook to generate a time-sortable ID
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = NewID(PrefixJob)
	}
	if j.Status == "" {
		j.Status = JobStatusWaiting
	}
	return nil
}
