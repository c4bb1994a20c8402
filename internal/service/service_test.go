package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/config"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/deployment"
	"github.com/nebari-dev/launchpad/internal/jobs"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/processor"
	"github.com/nebari-dev/launchpad/internal/provider"
	"github.com/nebari-dev/launchpad/internal/queue"
	"github.com/nebari-dev/launchpad/internal/sandbox"
	"gorm.io/gorm"
)

type fixture struct {
	svc         *Service
	db          *gorm.DB
	ledger      *ledger.Ledger
	sandboxes   *sandbox.Store
	deployments *deployment.Store
	broker      *queue.MemoryBroker
}

// testSetup wires a Service over SQLite and the given broker. A nil broker
// uses an in-memory one.
func testSetup(t *testing.T, b queue.Broker) *fixture {
	t.Helper()
	database, err := db.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{db: database}
	if b == nil {
		f.broker = queue.NewMemoryBroker(50, 50*time.Millisecond)
		t.Cleanup(func() { f.broker.Close() })
		b = f.broker
	}

	f.ledger = ledger.New(database)
	f.sandboxes = sandbox.New(database, 45*time.Minute)
	f.deployments = deployment.New(database, 45*time.Minute)
	f.svc = New(Deps{
		DB:              database,
		Ledger:          f.ledger,
		Sandboxes:       f.sandboxes,
		Deployments:     f.deployments,
		SandboxQueue:    jobs.NewSandboxQueue(f.ledger, b, queue.DefaultPolicy(), nil),
		DeploymentQueue: jobs.NewDeploymentQueue(f.ledger, b, queue.DefaultPolicy(), nil),
		Defaults: SandboxDefaults{
			TemplateRef: "node22",
			VCPUs:       2,
			MemoryMB:    4096,
			Timeout:     45 * time.Minute,
		},
	})
	return f
}

type downBroker struct{}

func (downBroker) Submit(ctx context.Context, msg *queue.Message) error {
	return errors.New("dial tcp: connection refused")
}
func (downBroker) Receive(ctx context.Context, q string) (queue.Delivery, error) {
	return nil, queue.ErrClosed
}
func (downBroker) Close() error { return nil }

func TestQueueSandboxCreation_EndToEnd(t *testing.T) {
	f := testSetup(t, nil)
	ctx := context.Background()

	ticket, err := f.svc.QueueSandboxCreation(ctx, "prj_A", SandboxRequest{})
	if err != nil {
		t.Fatalf("queue sandbox: %v", err)
	}
	if ticket.JobID == "" || ticket.Sandbox.Status != models.SandboxStatusInitializing {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if ticket.Sandbox.TemplateRef != "node22" || ticket.Sandbox.VCPUs != 2 || ticket.Sandbox.TimeoutSeconds != 2700 {
		t.Errorf("defaults not applied: %+v", ticket.Sandbox)
	}

	job, _ := f.svc.GetJob(ctx, ticket.JobID)
	if job.Status != models.JobStatusWaiting {
		t.Errorf("expected WAITING, got %s", job.Status)
	}

	d, err := f.broker.Receive(ctx, jobs.SandboxQueueName)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	p := processor.NewSandboxProcessor(f.ledger, f.sandboxes, provider.NewFake(), time.Millisecond, nil)
	if err := p.Process(ctx, d.Message()); err != nil {
		t.Fatalf("process: %v", err)
	}

	sb, _ := f.svc.GetSandbox(ctx, ticket.Sandbox.ID)
	if sb.Status != models.SandboxStatusInitialized || sb.Domain == nil || sb.JobID != ticket.JobID {
		t.Errorf("unexpected sandbox: %+v", sb)
	}
	job, _ = f.svc.GetJob(ctx, ticket.JobID)
	if job.Status != models.JobStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", job.Status)
	}

	active, err := f.svc.GetActiveSandbox(ctx, "prj_A")
	if err != nil || active.ID != sb.ID {
		t.Errorf("active sandbox = %+v, %v", active, err)
	}
}

func TestQueueSandboxCreation_ConcurrentRequests(t *testing.T) {
	f := testSetup(t, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.QueueSandboxCreation(ctx, "prj_A", SandboxRequest{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.IsConflict(err, apperr.CodeSandboxAlreadyExists):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one sandbox, got %d", succeeded)
	}
}

func TestQueueSandboxCreation_BrokerDown(t *testing.T) {
	f := testSetup(t, downBroker{})
	ctx := context.Background()

	_, err := f.svc.QueueSandboxCreation(ctx, "prj_A", SandboxRequest{})
	if !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	sandboxes, _ := f.svc.ListSandboxes(ctx, "prj_A")
	if len(sandboxes) != 1 || sandboxes[0].Status != models.SandboxStatusFailed {
		t.Fatalf("unqueued sandbox must be failed, got %+v", sandboxes)
	}
	jobsList, _ := f.svc.ListJobs(ctx, ledger.Filter{})
	if len(jobsList) != 1 || jobsList[0].Status != models.JobStatusFailed {
		t.Errorf("unsubmitted job must be failed, got %+v", jobsList)
	}
}

func TestQueueSandboxCreation_Validation(t *testing.T) {
	f := testSetup(t, nil)
	if _, err := f.svc.QueueSandboxCreation(context.Background(), "prj_A", SandboxRequest{VCPUs: -1}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.svc.QueueSandboxCreation(context.Background(), "", SandboxRequest{}); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCloseSandbox_WritesAudit(t *testing.T) {
	f := testSetup(t, nil)
	ctx := context.Background()

	ticket, _ := f.svc.QueueSandboxCreation(ctx, "prj_A", SandboxRequest{})
	closed, err := f.svc.CloseSandbox(ctx, ticket.Sandbox.ID, "api")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.SandboxStatusFailed {
		t.Errorf("closing an INITIALIZING sandbox fails it, got %s", closed.Status)
	}

	logs, _ := f.svc.ListAudit(ctx, "prj_A", 10)
	actions := map[string]bool{}
	for _, l := range logs {
		actions[l.Action] = true
	}
	if !actions["queue_sandbox"] || !actions["close_sandbox"] {
		t.Errorf("missing audit entries: %v", actions)
	}
}

func TestQueuePreviewDeployment(t *testing.T) {
	f := testSetup(t, nil)
	ctx := context.Background()

	ticket, err := f.svc.QueuePreviewDeployment(ctx, "prj_A", PreviewRequest{
		Artifact: deployment.Artifact{Ref: "ghcr.io/acme/site:v1"},
	})
	if err != nil {
		t.Fatalf("queue preview: %v", err)
	}
	if ticket.Deployment.Status != models.DeploymentStatusQueued || ticket.Deployment.JobID != ticket.JobID {
		t.Errorf("unexpected ticket: %+v", ticket.Deployment)
	}

	if _, err := f.svc.QueuePreviewDeployment(ctx, "prj_A", PreviewRequest{}); !apperr.IsValidation(err) {
		t.Errorf("empty artifact: expected validation error, got %v", err)
	}
}

func TestRollbackDeployment_BrokerDownReleasesTarget(t *testing.T) {
	f := testSetup(t, downBroker{})
	ctx := context.Background()

	target := &models.Deployment{
		ProjectID:   "prj_A",
		Type:        models.DeploymentTypePreview,
		Status:      models.DeploymentStatusReady,
		ArtifactRef: "ghcr.io/acme/site:v1",
	}
	f.db.Create(target)

	if _, err := f.svc.RollbackDeployment(ctx, target.ID, "api"); !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	// The failed rollback no longer counts as pending
	deployments, _ := f.svc.ListDeployments(ctx, "prj_A")
	for _, d := range deployments {
		if d.IsRollback && d.Status != models.DeploymentStatusError {
			t.Errorf("unqueued rollback must be ERROR, got %s", d.Status)
		}
	}
}

func TestRollbackDeployment_BlockedBySandbox(t *testing.T) {
	f := testSetup(t, nil)
	ctx := context.Background()

	target := &models.Deployment{
		ProjectID:   "prj_A",
		Type:        models.DeploymentTypePreview,
		Status:      models.DeploymentStatusReady,
		ArtifactRef: "ghcr.io/acme/site:v1",
	}
	f.db.Create(target)

	if _, err := f.svc.QueueSandboxCreation(ctx, "prj_A", SandboxRequest{}); err != nil {
		t.Fatalf("queue sandbox: %v", err)
	}
	if _, err := f.svc.RollbackDeployment(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackBlockedBySandbox) {
		t.Fatalf("expected ROLLBACK_BLOCKED_BY_SANDBOX, got %v", err)
	}
}
