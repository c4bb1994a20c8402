package deployment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/config"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/gorm"
)

// testSetup opens a migrated SQLite database and returns a deployment store.
func testSetup(t *testing.T) (*Store, *gorm.DB) {
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
	return New(database, 45*time.Minute), database
}

// seed inserts a deployment row as-is.
func seed(t *testing.T, database *gorm.DB, d models.Deployment) *models.Deployment {
	t.Helper()
	if d.ProjectID == "" {
		d.ProjectID = "prj_A"
	}
	if len(d.ArtifactFiles) == 0 && d.ArtifactRef == "" {
		d.ArtifactRef = "ghcr.io/acme/site:v1"
	}
	if err := database.Create(&d).Error; err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	return &d
}

func readyPreview(t *testing.T, database *gorm.DB) *models.Deployment {
	t.Helper()
	return seed(t, database, models.Deployment{
		Type:   models.DeploymentTypePreview,
		Status: models.DeploymentStatusReady,
		Domain: "preview.example.dev",
	})
}

func TestCreatePreview(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	d, err := store.CreatePreview(ctx, "prj_A", Artifact{
		Files: []models.ArtifactFile{{Path: "index.html", SHA: "abc", Size: 12}},
	})
	if err != nil {
		t.Fatalf("create preview: %v", err)
	}
	if d.Type != models.DeploymentTypePreview || d.Status != models.DeploymentStatusQueued || d.IsActive {
		t.Errorf("unexpected deployment: %+v", d)
	}

	loaded, _ := store.Get(ctx, d.ID)
	if len(loaded.ArtifactFiles) != 1 || loaded.ArtifactFiles[0].Path != "index.html" {
		t.Errorf("artifact files not persisted: %+v", loaded.ArtifactFiles)
	}
}

func TestCreatePreview_Validation(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		projectID string
		artifact  Artifact
	}{
		{"missing project", "", Artifact{Ref: "ghcr.io/acme/site:v1"}},
		{"empty artifact", "prj_A", Artifact{}},
		{"bad ref", "prj_A", Artifact{Ref: "UPPER/Case::bad"}},
		{"bad digest", "prj_A", Artifact{Ref: "ghcr.io/acme/site:v1", Digest: "sha256:nothex"}},
		{"absolute path", "prj_A", Artifact{Files: []models.ArtifactFile{{Path: "/etc/passwd"}}}},
		{"escaping path", "prj_A", Artifact{Files: []models.ArtifactFile{{Path: "../secret"}}}},
		{"duplicate path", "prj_A", Artifact{Files: []models.ArtifactFile{{Path: "a"}, {Path: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.CreatePreview(ctx, tt.projectID, tt.artifact); !apperr.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestArtifact_ValidRefAndDigest(t *testing.T) {
	a := Artifact{
		Ref:    "ghcr.io/acme/site@sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Digest: "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("expected valid artifact, got %v", err)
	}
}

func TestAdvance_ForwardOnlyAndSkips(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()
	d, _ := store.CreatePreview(ctx, "prj_A", Artifact{Ref: "ghcr.io/acme/site:v1"})

	// Provider jumped straight to BUILDING
	got, err := store.Advance(ctx, d.ID, models.DeploymentStatusBuilding, Progress{ProviderID: "dpl_1", State: "BUILDING"})
	if err != nil {
		t.Fatalf("advance to building: %v", err)
	}
	if got.Status != models.DeploymentStatusBuilding || got.ProviderID != "dpl_1" {
		t.Errorf("unexpected deployment: %+v", got)
	}

	if _, err := store.Advance(ctx, d.ID, models.DeploymentStatusInitializing, Progress{}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("moving back: expected ErrInvalidTransition, got %v", err)
	}

	got, err = store.Advance(ctx, d.ID, models.DeploymentStatusReady, Progress{URL: "site-abc.example.dev", State: "READY"})
	if err != nil {
		t.Fatalf("advance to ready: %v", err)
	}
	if got.Status != models.DeploymentStatusReady || got.ReadyAt == nil || got.Domain != "site-abc.example.dev" {
		t.Errorf("unexpected ready deployment: %+v", got)
	}
	if got.IsActive {
		t.Error("preview deployments never become active")
	}

	// Re-applying the same terminal status is a no-op
	if _, err := store.Advance(ctx, d.ID, models.DeploymentStatusReady, Progress{}); err != nil {
		t.Errorf("repeated READY should be a no-op, got %v", err)
	}
	if _, err := store.Fail(ctx, d.ID, "late error"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("failing a READY deployment: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()
	d, _ := store.CreatePreview(ctx, "prj_A", Artifact{Ref: "ghcr.io/acme/site:v1"})

	canceled, err := store.Cancel(ctx, d.ID, "api")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != models.DeploymentStatusCanceled {
		t.Errorf("expected CANCELED, got %s", canceled.Status)
	}

	// A late provider result must not overwrite the cancellation
	got, err := store.Advance(ctx, d.ID, models.DeploymentStatusReady, Progress{URL: "late.example.dev"})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if got == nil || got.Status != models.DeploymentStatusCanceled {
		t.Errorf("canceled row must be returned untouched, got %+v", got)
	}

	if _, err := store.Cancel(ctx, d.ID, "api"); !apperr.IsConflict(err, apperr.CodeDeploymentNotCancelable) {
		t.Errorf("canceling twice: expected DEPLOYMENT_NOT_CANCELABLE, got %v", err)
	}
	if _, err := store.Cancel(ctx, "dep_missing", "api"); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPromote_ReplacesActiveProduction(t *testing.T) {
	store, database := testSetup(t)
	ctx := context.Background()

	dep0 := seed(t, database, models.Deployment{
		Type:     models.DeploymentTypeProduction,
		Status:   models.DeploymentStatusReady,
		IsActive: true,
	})
	dep1 := readyPreview(t, database)

	dep2, err := store.Promote(ctx, dep1.ID, "api")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	if dep2.ID == dep1.ID || dep2.ID == dep0.ID {
		t.Fatal("promotion must create a new row")
	}
	if dep2.Type != models.DeploymentTypeProduction || !dep2.IsActive || dep2.Status != models.DeploymentStatusReady {
		t.Errorf("unexpected promoted row: %+v", dep2)
	}
	if dep2.PromotedFrom == nil || *dep2.PromotedFrom != dep1.ID || dep2.PromotedAt == nil {
		t.Errorf("promotion lineage missing: %+v", dep2)
	}
	if dep2.ArtifactRef != dep1.ArtifactRef {
		t.Errorf("artifact not copied: %q", dep2.ArtifactRef)
	}

	old, _ := store.Get(ctx, dep0.ID)
	if old.IsActive {
		t.Error("previous production deployment must be deactivated")
	}
	source, _ := store.Get(ctx, dep1.ID)
	if source.Type != models.DeploymentTypePreview || source.IsActive {
		t.Errorf("preview row must be left untouched: %+v", source)
	}

	active, _ := store.ActiveProduction(ctx, "prj_A")
	if active == nil || active.ID != dep2.ID {
		t.Errorf("expected %s active, got %+v", dep2.ID, active)
	}
}

func TestPromote_Rejections(t *testing.T) {
	store, database := testSetup(t)
	ctx := context.Background()

	building := seed(t, database, models.Deployment{Type: models.DeploymentTypePreview, Status: models.DeploymentStatusBuilding})
	if _, err := store.Promote(ctx, building.ID, "api"); !apperr.IsConflict(err, apperr.CodePromotionSourceNotReady) {
		t.Errorf("expected PROMOTION_SOURCE_NOT_READY, got %v", err)
	}

	prod := seed(t, database, models.Deployment{Type: models.DeploymentTypeProduction, Status: models.DeploymentStatusReady})
	if _, err := store.Promote(ctx, prod.ID, "api"); !apperr.IsConflict(err, apperr.CodePromotionSourceNotPreview) {
		t.Errorf("expected PROMOTION_SOURCE_NOT_PREVIEW, got %v", err)
	}

	if _, err := store.Promote(ctx, "dep_missing", "api"); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRollback_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback to rollback", func(t *testing.T) {
		store, database := testSetup(t)
		target := seed(t, database, models.Deployment{
			Type:       models.DeploymentTypeProduction,
			Status:     models.DeploymentStatusReady,
			IsRollback: true,
		})
		before := countDeployments(t, database)
		if _, err := store.PrepareRollback(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackToRollbackNotAllowed) {
			t.Fatalf("expected ROLLBACK_TO_ROLLBACK_NOT_ALLOWED, got %v", err)
		}
		if countDeployments(t, database) != before {
			t.Error("no row may be created on rejection")
		}
	})

	t.Run("production target", func(t *testing.T) {
		store, database := testSetup(t)
		target := seed(t, database, models.Deployment{Type: models.DeploymentTypeProduction, Status: models.DeploymentStatusReady})
		if _, err := store.PrepareRollback(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackProductionNotAllowed) {
			t.Fatalf("expected ROLLBACK_PRODUCTION_NOT_ALLOWED, got %v", err)
		}
	})

	t.Run("target not ready", func(t *testing.T) {
		store, database := testSetup(t)
		target := seed(t, database, models.Deployment{Type: models.DeploymentTypePreview, Status: models.DeploymentStatusError})
		if _, err := store.PrepareRollback(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackTargetNotReady) {
			t.Fatalf("expected ROLLBACK_TARGET_NOT_READY, got %v", err)
		}
	})

	t.Run("live sandbox", func(t *testing.T) {
		for _, status := range models.LiveSandboxStatuses {
			store, database := testSetup(t)
			target := readyPreview(t, database)
			now := time.Now().UTC()
			database.Create(&models.Sandbox{
				ProjectID:      target.ProjectID,
				Status:         status,
				RequestedAt:    now,
				LastActivityAt: now,
			})
			if _, err := store.PrepareRollback(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackBlockedBySandbox) {
				t.Fatalf("%s: expected ROLLBACK_BLOCKED_BY_SANDBOX, got %v", status, err)
			}
		}
	})

	t.Run("lapsed unswept sandbox is expired first", func(t *testing.T) {
		want := map[models.SandboxStatus]models.SandboxStatus{
			models.SandboxStatusInitialized:  models.SandboxStatusClosed,
			models.SandboxStatusInitializing: models.SandboxStatusFailed,
		}
		for from, to := range want {
			store, database := testSetup(t)
			target := readyPreview(t, database)
			old := time.Now().UTC().Add(-2 * time.Hour)
			sb := models.Sandbox{
				ProjectID:      target.ProjectID,
				Status:         from,
				RequestedAt:    old,
				LastActivityAt: old,
			}
			if err := database.Create(&sb).Error; err != nil {
				t.Fatalf("seed sandbox: %v", err)
			}

			if _, err := store.PrepareRollback(ctx, target.ID, "api"); err != nil {
				t.Fatalf("%s: expected rollback to be accepted, got %v", from, err)
			}

			var got models.Sandbox
			database.First(&got, "id = ?", sb.ID)
			if got.Status != to {
				t.Errorf("lapsed %s sandbox status = %s, want %s", from, got.Status, to)
			}
		}
	})

	t.Run("rollback pending", func(t *testing.T) {
		store, database := testSetup(t)
		target := readyPreview(t, database)
		if _, err := store.PrepareRollback(ctx, target.ID, "api"); err != nil {
			t.Fatalf("first rollback: %v", err)
		}
		if _, err := store.PrepareRollback(ctx, target.ID, "api"); !apperr.IsConflict(err, apperr.CodeRollbackInProgress) {
			t.Fatalf("expected ROLLBACK_IN_PROGRESS, got %v", err)
		}

		// A different target of the same project is not serialized
		other := readyPreview(t, database)
		if _, err := store.PrepareRollback(ctx, other.ID, "api"); err != nil {
			t.Fatalf("rollback to another target: %v", err)
		}
	})
}

func TestRollback_LineageAndActivation(t *testing.T) {
	store, database := testSetup(t)
	ctx := context.Background()

	current := seed(t, database, models.Deployment{
		Type:     models.DeploymentTypeProduction,
		Status:   models.DeploymentStatusReady,
		IsActive: true,
	})
	target := readyPreview(t, database)

	row, err := store.PrepareRollback(ctx, target.ID, "api")
	if err != nil {
		t.Fatalf("prepare rollback: %v", err)
	}
	if !row.IsRollback || row.Type != models.DeploymentTypeProduction || row.Status != models.DeploymentStatusQueued || row.IsActive {
		t.Errorf("unexpected rollback row: %+v", row)
	}
	if row.RolledBackTo == nil || *row.RolledBackTo != target.ID {
		t.Errorf("rolledBackTo = %v, want %s", row.RolledBackTo, target.ID)
	}
	if row.RolledBackFrom == nil || *row.RolledBackFrom != current.ID {
		t.Errorf("rolledBackFrom = %v, want %s", row.RolledBackFrom, current.ID)
	}
	if row.ArtifactRef != target.ArtifactRef {
		t.Errorf("artifact not copied")
	}

	// Still the old production until the rollback is READY
	active, _ := store.ActiveProduction(ctx, "prj_A")
	if active.ID != current.ID {
		t.Fatalf("active production changed early: %s", active.ID)
	}

	if _, err := store.Advance(ctx, row.ID, models.DeploymentStatusReady, Progress{URL: "rb.example.dev"}); err != nil {
		t.Fatalf("advance rollback: %v", err)
	}
	active, _ = store.ActiveProduction(ctx, "prj_A")
	if active == nil || active.ID != row.ID {
		t.Errorf("rollback row should be active, got %+v", active)
	}
	old, _ := store.Get(ctx, current.ID)
	if old.IsActive {
		t.Error("previous production must be deactivated")
	}

	// Rollback finished, so the same target may be rolled back to again
	if _, err := store.PrepareRollback(ctx, target.ID, "api"); err != nil {
		t.Errorf("second rollback after completion: %v", err)
	}
}

func TestRollback_CanceledFreesTarget(t *testing.T) {
	store, database := testSetup(t)
	ctx := context.Background()
	target := readyPreview(t, database)

	row, _ := store.PrepareRollback(ctx, target.ID, "api")
	if _, err := store.Cancel(ctx, row.ID, "api"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.PrepareRollback(ctx, target.ID, "api"); err != nil {
		t.Fatalf("rollback after cancel: %v", err)
	}
}

func countDeployments(t *testing.T, database *gorm.DB) int64 {
	t.Helper()
	var n int64
	database.Model(&models.Deployment{}).Count(&n)
	return n
}
