package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/config"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "ledger.db"),
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

type recordingNotifier struct {
	statuses []models.JobStatus
}

func (r *recordingNotifier) JobChanged(job *models.Job) {
	r.statuses = append(r.statuses, job.Status)
}

func TestCreate_Waiting(t *testing.T) {
	n := &recordingNotifier{}
	l := New(testDB(t), WithNotifier(n))
	ctx := context.Background()

	job, err := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", map[string]string{"projectId": "prj_A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job ID")
	}
	if job.Status != models.JobStatusWaiting {
		t.Errorf("expected WAITING, got %s", job.Status)
	}

	var data map[string]string
	if err := json.Unmarshal(job.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["projectId"] != "prj_A" {
		t.Errorf("payload not persisted: %v", data)
	}
	if len(n.statuses) != 1 || n.statuses[0] != models.JobStatusWaiting {
		t.Errorf("expected one WAITING notification, got %v", n.statuses)
	}
}

func TestCreate_DuplicateIDFails(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()

	if _, err := l.Create(ctx, "job_fixed", models.JobTypeCreateSandbox, "sandbox", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := l.Create(ctx, "job_fixed", models.JobTypeCreateSandbox, "sandbox", nil)
	if !errors.Is(err, apperr.ErrJobCreationFailed) {
		t.Fatalf("expected ErrJobCreationFailed, got %v", err)
	}
}

func TestClaimCompleteLifecycle(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	l := New(testDB(t), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)

	claimed, err := l.Claim(ctx, job.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.JobStatusActive || claimed.Attempts != 1 || claimed.StartedAt == nil {
		t.Fatalf("unexpected claimed job: status=%s attempts=%d started=%v", claimed.Status, claimed.Attempts, claimed.StartedAt)
	}

	clock = start.Add(1500 * time.Millisecond)
	done, err := l.Complete(ctx, job.ID, map[string]string{"sandboxId": "sbx_123"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.JobStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	if done.FinishedAt == nil {
		t.Error("expected finishedAt to be set")
	}
	if done.ProcessingTimeMs != 1500 {
		t.Errorf("expected processing time 1500ms, got %d", done.ProcessingTimeMs)
	}
}

func TestClaim_RedeliveryOfActiveIncrementsAttempts(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)

	if _, err := l.Claim(ctx, job.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := l.RecordAttemptError(ctx, job.ID, "provider throttled"); err != nil {
		t.Fatalf("record attempt error: %v", err)
	}
	again, err := l.Claim(ctx, job.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", again.Attempts)
	}
	if again.Error != "provider throttled" {
		t.Errorf("expected attempt error to be kept, got %q", again.Error)
	}
}

func TestClaim_TerminalIsSkipped(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	l.Claim(ctx, job.ID)
	l.Fail(ctx, job.ID, "boom")

	got, err := l.Claim(ctx, job.ID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if got == nil || got.Status != models.JobStatusFailed || got.Attempts != 1 {
		t.Errorf("terminal job must be returned untouched, got %+v", got)
	}
}

func TestComplete_FailedJobIsInvalidTransition(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	l.Claim(ctx, job.ID)
	if _, err := l.Fail(ctx, job.ID, "provider exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err := l.Complete(ctx, job.ID, nil)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestComplete_WaitingJobIsInvalidTransition(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)

	if _, err := l.Complete(ctx, job.ID, nil); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTerminalWritesAreIdempotent(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	job, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	l.Claim(ctx, job.ID)
	first, err := l.Complete(ctx, job.ID, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := l.Complete(ctx, job.ID, map[string]int{"n": 2})
	if err != nil {
		t.Fatalf("repeated complete should be a no-op, got %v", err)
	}
	if string(second.Result) != string(first.Result) {
		t.Errorf("repeated complete overwrote result: %s -> %s", first.Result, second.Result)
	}
}

func TestUnknownJob(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()

	if _, err := l.Claim(ctx, "job_missing"); !apperr.IsNotFound(err) {
		t.Errorf("claim: expected not found, got %v", err)
	}
	if _, err := l.Complete(ctx, "job_missing", nil); !apperr.IsNotFound(err) {
		t.Errorf("complete: expected not found, got %v", err)
	}
	if _, err := l.Fail(ctx, "job_missing", "x"); !apperr.IsNotFound(err) {
		t.Errorf("fail: expected not found, got %v", err)
	}
}

func TestList_Filters(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()
	a, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	l.Create(ctx, "", models.JobTypeCreateDeploymentPreview, "deployment", nil)
	l.Claim(ctx, a.ID)

	jobs, err := l.List(ctx, Filter{QueueName: "sandbox", Status: models.JobStatusActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Errorf("expected only the active sandbox job, got %+v", jobs)
	}
}

var statusRank = map[models.JobStatus]int{
	models.JobStatusWaiting:   0,
	models.JobStatusActive:    1,
	models.JobStatusCompleted: 2,
	models.JobStatusFailed:    2,
}

// For any sequence of ledger operations, the stored status never moves
// backwards and once terminal it never changes.
func TestProperty_StatusIsMonotonic(t *testing.T) {
	database := testDB(t)
	l := New(database)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("job status never regresses", prop.ForAll(
		func(ops []int) bool {
			job, err := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
			if err != nil {
				return false
			}
			prev := job.Status
			for _, op := range ops {
				switch op {
				case 0:
					_, err = l.Claim(ctx, job.ID)
				case 1:
					_, err = l.Complete(ctx, job.ID, nil)
				case 2:
					_, err = l.Fail(ctx, job.ID, "err")
				case 3:
					err = l.RecordAttemptError(ctx, job.ID, "retry")
				}
				if err != nil && !errors.Is(err, apperr.ErrInvalidTransition) && !errors.Is(err, ErrAlreadyTerminal) {
					return false
				}
				cur, err := l.Get(ctx, job.ID)
				if err != nil {
					return false
				}
				if statusRank[cur.Status] < statusRank[prev] {
					return false
				}
				if prev.IsTerminal() && cur.Status != prev {
					return false
				}
				prev = cur.Status
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func TestListStale(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	l := New(database)
	aged := New(database, WithClock(func() time.Time { return old }))

	waiting, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	database.Model(&models.Job{}).Where("id = ?", waiting.ID).Update("updated_at", old)

	active, _ := l.Create(ctx, "", models.JobTypeCreateDeploymentPreview, "deployment", nil)
	aged.Claim(ctx, active.ID)

	done, _ := l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)
	aged.Claim(ctx, done.ID)
	aged.Complete(ctx, done.ID, nil)

	l.Create(ctx, "", models.JobTypeCreateSandbox, "sandbox", nil)

	jobs, err := l.ListStale(ctx, time.Now().UTC().Add(-30*time.Minute), 0)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != waiting.ID || jobs[1].ID != active.ID {
		t.Errorf("expected the aged WAITING and ACTIVE jobs, got %+v", jobs)
	}

	if jobs, _ := l.ListStale(ctx, time.Now().UTC().Add(-30*time.Minute), 1); len(jobs) != 1 {
		t.Errorf("limit not applied, got %d jobs", len(jobs))
	}
}
