package service

import (
	"time"

	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/models"
)

// SandboxRequest holds parameters for queueing a sandbox. Zero values take
// the configured defaults.
type SandboxRequest struct {
	TemplateRef    string `json:"templateRef"`
	VCPUs          int    `json:"vcpus"`
	MemoryMB       int    `json:"memoryMb"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Region         string `json:"region"`
	Runtime        string `json:"runtime"`
}

// SandboxDefaults fill in what a SandboxRequest leaves empty
type SandboxDefaults struct {
	TemplateRef string
	VCPUs       int
	MemoryMB    int
	Timeout     time.Duration
	Region      string
	Runtime     string
}

// SandboxTicket is returned as soon as the creation job is queued
type SandboxTicket struct {
	JobID   string          `json:"jobId"`
	Sandbox *models.Sandbox `json:"sandbox"`
}

// PreviewRequest holds the artifact of a preview deployment
type PreviewRequest struct {
	Artifact deployment.Artifact `json:"artifact"`
}

// DeploymentTicket is returned as soon as the provisioning job is queued
type DeploymentTicket struct {
	JobID      string             `json:"jobId"`
	Deployment *models.Deployment `json:"deployment"`
}
