package provider

import (
	"context"
	"time"

	"github.com/nebari-dev/launchpad/internal/metrics"
)

// Instrumented wraps a Provider with request counters and latency histograms
type Instrumented struct {
	next Provider
}

// WithMetrics returns p wrapped with Prometheus instrumentation
func WithMetrics(p Provider) *Instrumented {
	return &Instrumented{next: p}
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "permanent"
		if IsTransient(err) {
			result = "transient"
		}
	}
	metrics.ProviderRequests.WithLabelValues(op, result).Inc()
	metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// CreateSandbox implements Provider
func (i *Instrumented) CreateSandbox(ctx context.Context, spec SandboxSpec) (*Sandbox, error) {
	start := time.Now()
	s, err := i.next.CreateSandbox(ctx, spec)
	observe("createSandbox", start, err)
	return s, err
}

// GetSandbox implements Provider
func (i *Instrumented) GetSandbox(ctx context.Context, projectID, sandboxID string) (*Sandbox, error) {
	start := time.Now()
	s, err := i.next.GetSandbox(ctx, projectID, sandboxID)
	observe("getSandbox", start, err)
	return s, err
}

// CreateDeployment implements Provider
func (i *Instrumented) CreateDeployment(ctx context.Context, spec DeploymentSpec) (*Deployment, error) {
	start := time.Now()
	d, err := i.next.CreateDeployment(ctx, spec)
	observe("createDeployment", start, err)
	return d, err
}

// GetDeployment implements Provider
func (i *Instrumented) GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	start := time.Now()
	d, err := i.next.GetDeployment(ctx, deploymentID)
	observe("getDeployment", start, err)
	return d, err
}

var _ Provider = (*Instrumented)(nil)
