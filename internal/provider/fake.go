package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Provider for local mode and tests. Deployments walk
// through Steps, one per GetDeployment call.
type Fake struct {
	// Steps are the ready states reported by successive GetDeployment calls
	Steps []string

	mu          sync.Mutex
	sandboxes   map[string]*Sandbox
	deployments map[string]*fakeDeployment
	failures    map[string][]error
	calls       map[string]int
}

type fakeDeployment struct {
	d    Deployment
	step int
}

// NewFake creates a fake provider whose deployments become READY after one
// BUILDING poll.
func NewFake() *Fake {
	return &Fake{
		Steps:       []string{"BUILDING", "READY"},
		sandboxes:   make(map[string]*Sandbox),
		deployments: make(map[string]*fakeDeployment),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func shortID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// CreateSandbox implements Provider
func (f *Fake) CreateSandbox(ctx context.Context, spec SandboxSpec) (*Sandbox, error) {
	if err := f.enter("createSandbox"); err != nil {
		return nil, err
	}
	id := shortID("sbx")
	s := &Sandbox{
		ID:        id,
		Status:    "running",
		Domain:    fmt.Sprintf("https://%s.sandbox.launchpad.local", id),
		Region:    spec.Region,
		Runtime:   spec.Runtime,
		VCPUs:     spec.VCPUs,
		MemoryMB:  spec.MemoryMB,
		Timeout:   spec.Timeout,
		CreatedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	f.sandboxes[id] = s
	f.mu.Unlock()

	copied := *s
	return &copied, nil
}

// GetSandbox implements Provider
func (f *Fake) GetSandbox(ctx context.Context, projectID, sandboxID string) (*Sandbox, error) {
	if err := f.enter("getSandbox"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[sandboxID]
	if !ok {
		return nil, &Error{Op: "getSandbox", StatusCode: 404, Code: "not_found", Message: "sandbox " + sandboxID + " not found"}
	}
	copied := *s
	return &copied, nil
}

// CreateDeployment implements Provider
func (f *Fake) CreateDeployment(ctx context.Context, spec DeploymentSpec) (*Deployment, error) {
	if err := f.enter("createDeployment"); err != nil {
		return nil, err
	}
	id := shortID("dpl")
	d := Deployment{
		ID:         id,
		URL:        fmt.Sprintf("%s-%s.launchpad.local", spec.ProjectID, id),
		ReadyState: "INITIALIZING",
		Target:     spec.Target,
		Meta:       map[string]any{"files": len(spec.Files), "ref": spec.Ref},
	}

	f.mu.Lock()
	f.deployments[id] = &fakeDeployment{d: d}
	f.mu.Unlock()
	return &d, nil
}

// GetDeployment implements Provider
func (f *Fake) GetDeployment(ctx context.Context, deploymentID string) (*Deployment, error) {
	if err := f.enter("getDeployment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fd, ok := f.deployments[deploymentID]
	if !ok {
		return nil, &Error{Op: "getDeployment", StatusCode: 404, Code: "not_found", Message: "deployment " + deploymentID + " not found"}
	}
	if fd.step < len(f.Steps) {
		fd.d.ReadyState = f.Steps[fd.step]
		fd.step++
	}
	copied := fd.d
	return &copied, nil
}

var _ Provider = (*Fake)(nil)
