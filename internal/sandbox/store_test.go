package sandbox

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
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testSetup opens a migrated SQLite database and returns a store driven by
// a controllable clock.
func testSetup(t *testing.T) (*Store, *gorm.DB, *testClock) {
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

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(database, 45*time.Minute, WithClock(clock.Now)), database, clock
}

func TestReserve_CreatesInitializing(t *testing.T) {
	store, _, _ := testSetup(t)

	sb, err := store.Reserve(context.Background(), CreateRequest{ProjectID: "prj_A", TemplateRef: "node22", VCPUs: 2})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if sb.Status != models.SandboxStatusInitializing {
		t.Errorf("expected INITIALIZING, got %s", sb.Status)
	}
	if sb.Domain != nil {
		t.Errorf("domain must be unset until initialized, got %q", *sb.Domain)
	}
	if sb.ID == "" || sb.RequestedAt.IsZero() {
		t.Errorf("expected ID and requestedAt, got %+v", sb)
	}
}

func TestReserve_RequiresProject(t *testing.T) {
	store, _, _ := testSetup(t)
	if _, err := store.Reserve(context.Background(), CreateRequest{}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReserve_RejectsSecondInsideWindow(t *testing.T) {
	store, _, clock := testSetup(t)
	ctx := context.Background()

	first, err := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	store.MarkInitialized(ctx, first.ID, Metadata{ExternalID: "sbx_ext"})

	clock.Advance(44 * time.Minute)
	_, err = store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	if !apperr.IsConflict(err, apperr.CodeSandboxAlreadyExists) {
		t.Fatalf("expected SANDBOX_ALREADY_EXISTS, got %v", err)
	}

	// Other projects are unaffected
	if _, err := store.Reserve(ctx, CreateRequest{ProjectID: "prj_B"}); err != nil {
		t.Fatalf("reserve for another project: %v", err)
	}
}

func TestReserve_ExpiresLapsedSandbox(t *testing.T) {
	store, _, clock := testSetup(t)
	ctx := context.Background()

	first, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	store.MarkInitialized(ctx, first.ID, Metadata{ExternalID: "sbx_ext"})

	clock.Advance(46 * time.Minute)
	second, err := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	if err != nil {
		t.Fatalf("reserve after window: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new sandbox")
	}

	old, _ := store.Get(ctx, first.ID)
	if old.Status != models.SandboxStatusClosed {
		t.Errorf("lapsed sandbox should be CLOSED, got %s", old.Status)
	}
}

func TestReserve_ConcurrentRequestsYieldOneSandbox(t *testing.T) {
	store, database, _ := testSetup(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Reserve(ctx, CreateRequest{ProjectID: "prj_race"})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.IsConflict(err, apperr.CodeSandboxAlreadyExists):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}

	var live int64
	database.Model(&models.Sandbox{}).
		Where("project_id = ? AND status IN ?", "prj_race", models.LiveSandboxStatuses).
		Count(&live)
	if live != 1 {
		t.Errorf("expected exactly one live sandbox, got %d", live)
	}
}

func TestLiveIndexRejectsDirectDuplicate(t *testing.T) {
	_, database, _ := testSetup(t)
	now := time.Now().UTC()

	a := &models.Sandbox{ProjectID: "prj_A", Status: models.SandboxStatusInitializing, RequestedAt: now, LastActivityAt: now}
	if err := database.Create(a).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	b := &models.Sandbox{ProjectID: "prj_A", Status: models.SandboxStatusInitialized, RequestedAt: now, LastActivityAt: now}
	if err := database.Create(b).Error; !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestMarkInitialized(t *testing.T) {
	store, _, _ := testSetup(t)
	ctx := context.Background()
	sb, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})

	got, err := store.MarkInitialized(ctx, sb.ID, Metadata{
		ExternalID:     "sbx_123",
		Domain:         "https://sbx-123.example.dev",
		MemoryMB:       4096,
		Region:         "iad1",
		ProviderStatus: "running",
	})
	if err != nil {
		t.Fatalf("mark initialized: %v", err)
	}
	if got.Status != models.SandboxStatusInitialized || got.ExternalID != "sbx_123" {
		t.Errorf("unexpected sandbox: %+v", got)
	}
	if got.Domain == nil || *got.Domain != "https://sbx-123.example.dev" {
		t.Errorf("domain not assigned: %v", got.Domain)
	}

	if _, err := store.MarkFailed(ctx, sb.ID, "late failure"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("failing an initialized sandbox: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.MarkInitialized(ctx, sb.ID, Metadata{}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("re-initializing: expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkFailed_FreesProject(t *testing.T) {
	store, _, _ := testSetup(t)
	ctx := context.Background()
	sb, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})

	failed, err := store.MarkFailed(ctx, sb.ID, "provider rejected template")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != models.SandboxStatusFailed || failed.Error != "provider rejected template" {
		t.Errorf("unexpected sandbox: %+v", failed)
	}

	if _, err := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"}); err != nil {
		t.Fatalf("a failed sandbox must not block the project: %v", err)
	}
}

func TestClose(t *testing.T) {
	store, _, _ := testSetup(t)
	ctx := context.Background()

	ready, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	store.MarkInitialized(ctx, ready.ID, Metadata{ExternalID: "x"})
	closed, err := store.Close(ctx, ready.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.SandboxStatusClosed {
		t.Errorf("expected CLOSED, got %s", closed.Status)
	}

	if _, err := store.Close(ctx, ready.ID); !apperr.IsConflict(err, apperr.CodeSandboxNotClosable) {
		t.Errorf("closing twice: expected SANDBOX_NOT_CLOSABLE, got %v", err)
	}

	pending, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	aborted, err := store.Close(ctx, pending.ID)
	if err != nil {
		t.Fatalf("close initializing: %v", err)
	}
	if aborted.Status != models.SandboxStatusFailed {
		t.Errorf("closing an initializing sandbox should fail it, got %s", aborted.Status)
	}

	if _, err := store.Close(ctx, "sbx_missing"); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestTouchExtendsWindow(t *testing.T) {
	store, _, clock := testSetup(t)
	ctx := context.Background()
	sb, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	store.MarkInitialized(ctx, sb.ID, Metadata{ExternalID: "x"})

	clock.Advance(40 * time.Minute)
	if _, err := store.Touch(ctx, sb.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	clock.Advance(40 * time.Minute)
	active, err := store.FindActive(ctx, "prj_A")
	if err != nil {
		t.Fatalf("touched sandbox should still be active: %v", err)
	}
	if active.ID != sb.ID {
		t.Errorf("expected %s, got %s", sb.ID, active.ID)
	}

	clock.Advance(10 * time.Minute)
	if _, err := store.Touch(ctx, sb.ID); !apperr.IsNotFound(err) {
		t.Errorf("touching a lapsed sandbox: expected not found, got %v", err)
	}
}

func TestFindActive_NotFoundInWindow(t *testing.T) {
	store, _, clock := testSetup(t)
	ctx := context.Background()

	_, err := store.FindActive(ctx, "prj_A")
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) || nf.Code != apperr.CodeSandboxNotFoundInTimeWindow {
		t.Fatalf("expected SANDBOX_NOT_FOUND_IN_TIME_WINDOW, got %v", err)
	}

	store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	if _, err := store.FindActive(ctx, "prj_A"); err != nil {
		t.Fatalf("find active: %v", err)
	}

	clock.Advance(46 * time.Minute)
	if _, err := store.FindActive(ctx, "prj_A"); !apperr.IsNotFound(err) {
		t.Errorf("lapsed sandbox must not be active, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	store, _, clock := testSetup(t)
	ctx := context.Background()

	initialized, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_A"})
	store.MarkInitialized(ctx, initialized.ID, Metadata{ExternalID: "x"})
	pending, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_B"})

	clock.Advance(30 * time.Minute)
	fresh, _ := store.Reserve(ctx, CreateRequest{ProjectID: "prj_C"})

	clock.Advance(20 * time.Minute)
	n, err := store.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}

	want := map[string]models.SandboxStatus{
		initialized.ID: models.SandboxStatusClosed,
		pending.ID:     models.SandboxStatusFailed,
		fresh.ID:       models.SandboxStatusInitializing,
	}
	for id, status := range want {
		got, _ := store.Get(ctx, id)
		if got.Status != status {
			t.Errorf("sandbox %s: got %s, want %s", id, got.Status, status)
		}
	}
}
