package models

import (
	"time"

	"gorm.io/gorm"
)

// SandboxStatus represents the lifecycle state of a sandbox
type SandboxStatus string

const (
	SandboxStatusInitializing SandboxStatus = "INITIALIZING"
	SandboxStatusInitialized  SandboxStatus = "INITIALIZED"
	SandboxStatusClosed       SandboxStatus = "CLOSED"
	SandboxStatusFailed       SandboxStatus = "FAILED"
)

// LiveSandboxStatuses are the non-terminal statuses. At most one sandbox per
// project may hold one of them.
var LiveSandboxStatuses = []SandboxStatus{SandboxStatusInitializing, SandboxStatusInitialized}

// IsLive reports whether the status is non-terminal.
func (s SandboxStatus) IsLive() bool {
	return s == SandboxStatusInitializing || s == SandboxStatusInitialized
}

// CanTransition reports whether a sandbox may move from s to next.
func (s SandboxStatus) CanTransition(next SandboxStatus) bool {
	switch s {
	case SandboxStatusInitializing:
		return next == SandboxStatusInitialized || next == SandboxStatusFailed
	case SandboxStatusInitialized:
		return next == SandboxStatusClosed
	default:
		return false
	}
}

// Sandbox is an ephemeral execution environment bound to one project
type Sandbox struct {
	ID             string        `gorm:"type:text;primaryKey" json:"id"`
	ProjectID      string        `gorm:"type:text;not null;index" json:"projectId"`
	JobID          string        `gorm:"type:text;index" json:"jobId,omitempty"`
	Domain         *string       `json:"domain"`
	Status         SandboxStatus `gorm:"not null;index" json:"status"`
	TemplateRef    string        `json:"templateRef"`
	RequestedAt    time.Time     `gorm:"not null" json:"requestedAt"`
	LastActivityAt time.Time     `gorm:"not null" json:"lastActivityAt"`

	// Provider metadata
	ExternalID     string `gorm:"type:text;index" json:"externalId,omitempty"`
	VCPUs          int    `json:"vcpus"`
	MemoryMB       int    `json:"memoryMb"`
	Region         string `json:"region,omitempty"`
	Runtime        string `json:"runtime,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	ProviderStatus string `json:"providerStatus,omitempty"`

	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName ensures GORM uses the "sandboxes" table
func (Sandbox) TableName() string {
	return "sandboxes"
}

// BeforeCreate hook to generate a time-sortable ID
func (s *Sandbox) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = NewID(PrefixSandbox)
	}
	return nil
}

// WindowEnd is the instant after which a live sandbox no longer counts
// toward the per-project uniqueness window.
func (s *Sandbox) WindowEnd(window time.Duration) time.Time {
	ref := s.RequestedAt
	if s.LastActivityAt.After(ref) {
		ref = s.LastActivityAt
	}
	return ref.Add(window)
}

// InWindow reports whether the sandbox is live and its window has not lapsed at now.
func (s *Sandbox) InWindow(now time.Time, window time.Duration) bool {
	return s.Status.IsLive() && now.Before(s.WindowEnd(window))
}
