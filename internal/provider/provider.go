// Package provider talks to the remote compute and deployment platform.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nebari-dev/launchpad/internal/models"
)

// Provider is the remote platform that actually provisions resources.
// Calls are synchronous; retries belong to the broker.
type Provider interface {
	CreateSandbox(ctx context.Context, spec SandboxSpec) (*Sandbox, error)
	GetSandbox(ctx context.Context, projectID, sandboxID string) (*Sandbox, error)
	CreateDeployment(ctx context.Context, spec DeploymentSpec) (*Deployment, error)
	GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error)
}

// Deployment targets
const (
	TargetPreview    = "preview"
	TargetProduction = "production"
)

// SandboxSpec describes a sandbox to create
type SandboxSpec struct {
	ProjectID   string        `json:"projectId"`
	TemplateRef string        `json:"source,omitempty"`
	VCPUs       int           `json:"vcpus,omitempty"`
	MemoryMB    int           `json:"memoryMb,omitempty"`
	Timeout     time.Duration `json:"-"`
	Region      string        `json:"region,omitempty"`
	Runtime     string        `json:"runtime,omitempty"`
}

// Sandbox is the provider's view of a sandbox
type Sandbox struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"` // pending, running, stopping, stopped, failed
	Domain    string        `json:"domain,omitempty"`
	Region    string        `json:"region,omitempty"`
	Runtime   string        `json:"runtime,omitempty"`
	VCPUs     int           `json:"vcpus,omitempty"`
	MemoryMB  int           `json:"memoryMb,omitempty"`
	Timeout   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"-"`
}

// Failed reports whether the provider gave up on the sandbox
func (s *Sandbox) Failed() bool {
	switch strings.ToLower(s.Status) {
	case "failed", "error", "stopped":
		return true
	}
	return false
}

// Running reports whether the sandbox is up and reachable
func (s *Sandbox) Running() bool {
	return strings.EqualFold(s.Status, "running")
}

// DeploymentSpec describes a deployment to create
type DeploymentSpec struct {
	ProjectID string                `json:"project"`
	Name      string                `json:"name"`
	Target    string                `json:"target,omitempty"`
	Files     []models.ArtifactFile `json:"files,omitempty"`
	Ref       string                `json:"ref,omitempty"`
	Digest    string                `json:"digest,omitempty"`
}

// Deployment is the provider's view of a deployment
type Deployment struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	ReadyState string         `json:"readyState"`
	Target     string         `json:"target,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	ErrorMsg   string         `json:"errorMessage,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Status maps the provider ready state onto the domain state machine.
// Unknown states are treated as still queued.
func (d *Deployment) Status() models.DeploymentStatus {
	switch strings.ToUpper(d.ReadyState) {
	case "INITIALIZING":
		return models.DeploymentStatusInitializing
	case "BUILDING", "DEPLOYING":
		return models.DeploymentStatusBuilding
	case "READY":
		return models.DeploymentStatusReady
	case "ERROR":
		return models.DeploymentStatusError
	case "CANCELED":
		return models.DeploymentStatusCanceled
	default:
		return models.DeploymentStatusQueued
	}
}
