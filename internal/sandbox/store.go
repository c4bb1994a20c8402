// Package sandbox owns the sandbox lifecycle: reservation under the
// per-project window, provider metadata, teardown and expiry.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/audit"
	"github.com/nebari-dev/launchpad/internal/db"
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/gorm"
)

// DefaultWindow is the rolling per-project uniqueness window
const DefaultWindow = 45 * time.Minute

// CreateRequest holds parameters for reserving a sandbox.
type CreateRequest struct {
	ProjectID      string
	TemplateRef    string
	VCPUs          int
	MemoryMB       int
	TimeoutSeconds int
	Region         string
	Runtime        string
}

// Metadata is what the provider reported for an initialized sandbox
type Metadata struct {
	ExternalID     string
	Domain         string
	VCPUs          int
	MemoryMB       int
	Region         string
	Runtime        string
	TimeoutSeconds int
	ProviderStatus string
}

// Store persists sandboxes and enforces their invariants
type Store struct {
	db     *gorm.DB
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a sandbox store. A non-positive window uses DefaultWindow.
func New(db *gorm.DB, window time.Duration, opts ...Option) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Store{
		db:     db,
		window: window,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the configured uniqueness window
func (s *Store) Window() time.Duration { return s.window }

// Now returns the store's current time
func (s *Store) Now() time.Time { return s.now() }

// Reserve creates an INITIALIZING sandbox for the project. Inside one
// transaction it expires live rows whose window lapsed and rejects the
// request when a live sandbox is still inside its window. The partial unique
// index on live rows catches requests racing past the check.
func (s *Store) Reserve(ctx context.Context, req CreateRequest) (*models.Sandbox, error) {
	if req.ProjectID == "" {
		return nil, apperr.Validationf("projectId is required")
	}

	now := s.now()
	sb := &models.Sandbox{
		ProjectID:      req.ProjectID,
		Status:         models.SandboxStatusInitializing,
		TemplateRef:    req.TemplateRef,
		RequestedAt:    now,
		LastActivityAt: now,
		VCPUs:          req.VCPUs,
		MemoryMB:       req.MemoryMB,
		TimeoutSeconds: req.TimeoutSeconds,
		Region:         req.Region,
		Runtime:        req.Runtime,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := ExpireLapsed(tx, req.ProjectID, now, s.window, s.logger)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict(apperr.CodeSandboxAlreadyExists,
				"project %s already has sandbox %s (%s)", req.ProjectID, existing.ID, existing.Status)
		}

		if err := tx.Create(sb).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict(apperr.CodeSandboxAlreadyExists,
					"project %s already has a live sandbox", req.ProjectID)
			}
			return fmt.Errorf("failed to create sandbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Sandbox reserved", "sandbox_id", sb.ID, "project_id", sb.ProjectID)
	return sb, nil
}

func (s *Store) expire(tx *gorm.DB, sb *models.Sandbox, now time.Time) (bool, error) {
	return expireRow(tx, sb, now, s.logger)
}

// ExpireLapsed expires the project's live sandboxes whose window lapsed at
// now and returns the newest live sandbox left, or nil. Run it inside the
// transaction whose writes depend on the answer.
func ExpireLapsed(tx *gorm.DB, projectID string, now time.Time, window time.Duration, logger *slog.Logger) (*models.Sandbox, error) {
	var live []models.Sandbox
	if err := tx.Where("project_id = ? AND status IN ?", projectID, models.LiveSandboxStatuses).
		Find(&live).Error; err != nil {
		return nil, fmt.Errorf("failed to load live sandboxes: %w", err)
	}
	for i := range live {
		if live[i].InWindow(now, window) {
			continue
		}
		if _, err := expireRow(tx, &live[i], now, logger); err != nil {
			return nil, err
		}
	}

	var remaining models.Sandbox
	err := tx.Where("project_id = ? AND status IN ?", projectID, models.LiveSandboxStatuses).
		Order("id DESC").First(&remaining).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live sandboxes: %w", err)
	}
	return &remaining, nil
}

// expireRow closes a lapsed live sandbox. It reports false when the row
// changed underneath.
func expireRow(tx *gorm.DB, sb *models.Sandbox, now time.Time, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	next := models.SandboxStatusClosed
	reason := ""
	if sb.Status == models.SandboxStatusInitializing {
		next = models.SandboxStatusFailed
		reason = "sandbox window expired before initialization"
	}

	res := tx.Model(&models.Sandbox{}).
		Where("id = ? AND status = ?", sb.ID, sb.Status).
		Updates(map[string]any{"status": next, "error": reason, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire sandbox %s: %w", sb.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	audit.Record(tx, audit.ActorSweeper, audit.ActionExpireSandbox, audit.SandboxResource(sb.ID), sb.ProjectID, map[string]interface{}{
		"from": sb.Status,
		"to":   next,
	})
	logger.Info("Sandbox expired", "sandbox_id", sb.ID, "project_id", sb.ProjectID, "status", next)
	return true, nil
}

// Get loads a sandbox by ID
func (s *Store) Get(ctx context.Context, id string) (*models.Sandbox, error) {
	var sb models.Sandbox
	if err := s.db.WithContext(ctx).First(&sb, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodeSandboxNotFound, id)
		}
		return nil, fmt.Errorf("failed to load sandbox: %w", err)
	}
	return &sb, nil
}

// List returns a project's sandboxes newest first
func (s *Store) List(ctx context.Context, projectID string) ([]models.Sandbox, error) {
	var out []models.Sandbox
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	return out, nil
}

// SetJobID links the sandbox to its creation job
func (s *Store) SetJobID(ctx context.Context, id, jobID string) error {
	return s.db.WithContext(ctx).Model(&models.Sandbox{}).Where("id = ?", id).Update("job_id", jobID).Error
}

// RecordProviderRef stores the provider's sandbox id as soon as it exists so
// a retried attempt can look it up instead of creating a second one.
func (s *Store) RecordProviderRef(ctx context.Context, id, externalID string) error {
	_, err := s.update(ctx, id, []models.SandboxStatus{models.SandboxStatusInitializing}, map[string]any{
		"external_id": externalID,
	})
	return err
}

// MarkInitialized applies provider metadata and moves INITIALIZING to INITIALIZED.
// On ErrInvalidTransition the current row is returned with the error.
func (s *Store) MarkInitialized(ctx context.Context, id string, meta Metadata) (*models.Sandbox, error) {
	updates := map[string]any{
		"status":          models.SandboxStatusInitialized,
		"external_id":     meta.ExternalID,
		"provider_status": meta.ProviderStatus,
		"error":           "",
	}
	if meta.Domain != "" {
		updates["domain"] = meta.Domain
	}
	if meta.VCPUs > 0 {
		updates["vcpus"] = meta.VCPUs
	}
	if meta.MemoryMB > 0 {
		updates["memory_mb"] = meta.MemoryMB
	}
	if meta.Region != "" {
		updates["region"] = meta.Region
	}
	if meta.Runtime != "" {
		updates["runtime"] = meta.Runtime
	}
	if meta.TimeoutSeconds > 0 {
		updates["timeout_seconds"] = meta.TimeoutSeconds
	}

	sb, err := s.update(ctx, id, []models.SandboxStatus{models.SandboxStatusInitializing}, updates)
	if err != nil {
		return sb, err
	}
	s.logger.Info("Sandbox initialized", "sandbox_id", id, "project_id", sb.ProjectID, "external_id", meta.ExternalID)
	return sb, nil
}

// MarkFailed moves INITIALIZING to FAILED
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*models.Sandbox, error) {
	sb, err := s.update(ctx, id, []models.SandboxStatus{models.SandboxStatusInitializing}, map[string]any{
		"status": models.SandboxStatusFailed,
		"error":  reason,
	})
	if err != nil {
		return sb, err
	}
	s.logger.Warn("Sandbox failed", "sandbox_id", id, "project_id", sb.ProjectID, "error", reason)
	return sb, nil
}

// Close tears a sandbox down. INITIALIZED becomes CLOSED; a sandbox closed
// while still INITIALIZING becomes FAILED.
func (s *Store) Close(ctx context.Context, id string) (*models.Sandbox, error) {
	sb, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updates map[string]any
	switch sb.Status {
	case models.SandboxStatusInitialized:
		updates = map[string]any{"status": models.SandboxStatusClosed}
	case models.SandboxStatusInitializing:
		updates = map[string]any{"status": models.SandboxStatusFailed, "error": "closed before initialization"}
	default:
		return nil, apperr.Conflict(apperr.CodeSandboxNotClosable, "sandbox %s is %s", id, sb.Status)
	}

	closed, err := s.update(ctx, id, []models.SandboxStatus{sb.Status}, updates)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return nil, apperr.Conflict(apperr.CodeSandboxNotClosable, "sandbox %s changed concurrently", id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("Sandbox closed", "sandbox_id", id, "project_id", closed.ProjectID, "status", closed.Status)
	return closed, nil
}

// Touch refreshes lastActivityAt of a live sandbox still inside its window
func (s *Store) Touch(ctx context.Context, id string) (*models.Sandbox, error) {
	sb, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !sb.InWindow(now, s.window) {
		return nil, apperr.NotFound(apperr.CodeSandboxNotFoundInTimeWindow, id)
	}
	return s.update(ctx, id, models.LiveSandboxStatuses, map[string]any{"last_activity_at": now})
}

// FindActive returns the project's live sandbox inside the window
func (s *Store) FindActive(ctx context.Context, projectID string) (*models.Sandbox, error) {
	sb, err := ActiveInWindow(s.db.WithContext(ctx), projectID, s.now(), s.window)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, apperr.NotFound(apperr.CodeSandboxNotFoundInTimeWindow, projectID)
	}
	return sb, nil
}

// ExpireStale closes every live sandbox whose window lapsed and returns how
// many were expired.
func (s *Store) ExpireStale(ctx context.Context) (int, error) {
	var live []models.Sandbox
	if err := s.db.WithContext(ctx).Where("status IN ?", models.LiveSandboxStatuses).Find(&live).Error; err != nil {
		return 0, fmt.Errorf("failed to load live sandboxes: %w", err)
	}

	now := s.now()
	expired := 0
	for i := range live {
		if live[i].InWindow(now, s.window) {
			continue
		}
		ok, err := s.expire(s.db.WithContext(ctx), &live[i], now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// ActiveInWindow returns the newest live sandbox of the project whose window
// has not lapsed at now, or nil. Pass a transaction to evaluate it against
// the state the caller is about to write.
func ActiveInWindow(tx *gorm.DB, projectID string, now time.Time, window time.Duration) (*models.Sandbox, error) {
	var live []models.Sandbox
	if err := tx.Where("project_id = ? AND status IN ?", projectID, models.LiveSandboxStatuses).
		Order("id DESC").Find(&live).Error; err != nil {
		return nil, fmt.Errorf("failed to load live sandboxes: %w", err)
	}
	for i := range live {
		if live[i].InWindow(now, window) {
			return &live[i], nil
		}
	}
	return nil, nil
}

// update applies updates when the row is in one of from, then reloads it.
func (s *Store) update(ctx context.Context, id string, from []models.SandboxStatus, updates map[string]any) (*models.Sandbox, error) {
	updates["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&models.Sandbox{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update sandbox: %w", res.Error)
	}

	sb, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return sb, fmt.Errorf("%w: sandbox %s is %s", apperr.ErrInvalidTransition, id, sb.Status)
	}
	return sb, nil
}
