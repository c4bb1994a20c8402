// Package ledger persists the lifecycle of every asynchronous job,
// independently of the broker that delivers it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAlreadyTerminal is returned by Claim when the job already reached
// COMPLETED or FAILED. Processors treat it as a re-delivery and skip.
var ErrAlreadyTerminal = errors.New("job already in a terminal status")

// Notifier is told about every persisted job transition.
type Notifier interface {
	JobChanged(job *models.Job)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	QueueName string
	Status    models.JobStatus
	Limit     int
}

// Ledger is the durable job record store
type Ledger struct {
	db       *gorm.DB
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithNotifier registers a transition listener
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger backed by db
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create writes a WAITING entry. An empty jobID is generated.
func (l *Ledger) Create(ctx context.Context, jobID string, jobType models.JobType, queueName string, payload any) (*models.Job, error) {
	data, err := toJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", apperr.ErrJobCreationFailed, err)
	}

	job := &models.Job{
		ID:        jobID,
		Name:      jobType,
		QueueName: queueName,
		Data:      data,
		Status:    models.JobStatusWaiting,
	}
	if err := l.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrJobCreationFailed, err)
	}

	l.logger.Debug("Job created", "job_id", job.ID, "job_type", jobType, "queue", queueName)
	l.notify(job)
	return job, nil
}

// Get loads a job by ID
func (l *Ledger) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := l.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(apperr.CodeJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// List returns jobs newest first
func (l *Ledger) List(ctx context.Context, f Filter) ([]models.Job, error) {
	query := l.db.WithContext(ctx).Order("id DESC")
	if f.QueueName != "" {
		query = query.Where("queue_name = ?", f.QueueName)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var jobs []models.Job
	if err := query.Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListStale returns up to limit WAITING or ACTIVE jobs untouched since
// olderThan, oldest first. Such jobs lost their broker message and nothing
// will settle them unless the caller does.
func (l *Ledger) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.Job
	err := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.JobStatus{models.JobStatusWaiting, models.JobStatusActive}, olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// Claim moves a job to ACTIVE, stamps startedAt and increments attempts.
// A re-delivered ACTIVE job may be claimed again. Terminal jobs return
// ErrAlreadyTerminal together with the stored job.
func (l *Ledger) Claim(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, ErrAlreadyTerminal
	}

	return l.transition(ctx, job, models.JobStatusActive, func(now time.Time) map[string]any {
		return map[string]any{
			"started_at": now,
			"attempts":   job.Attempts + 1,
		}
	})
}

// RecordAttemptError stores the error of a failed attempt that the broker
// will retry. The job stays ACTIVE.
func (l *Ledger) RecordAttemptError(ctx context.Context, jobID, errMsg string) error {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusActive {
		return fmt.Errorf("%w: job %s is %s", apperr.ErrInvalidTransition, jobID, job.Status)
	}

	res := l.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND attempts = ?", jobID, job.Status, job.Attempts).
		Updates(map[string]any{"error": errMsg, "updated_at": l.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to record attempt error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s changed concurrently", apperr.ErrInvalidTransition, jobID)
	}
	return nil
}

// Complete moves an ACTIVE job to COMPLETED with a normalized result.
// Completing an already COMPLETED job is a no-op.
func (l *Ledger) Complete(ctx context.Context, jobID string, result any) (*models.Job, error) {
	data, err := toJSON(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	job, err := l.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusCompleted {
		return job, nil
	}

	return l.transition(ctx, job, models.JobStatusCompleted, func(now time.Time) map[string]any {
		return map[string]any{
			"result":             data,
			"error":              "",
			"finished_at":        now,
			"processing_time_ms": processingTime(job, now),
		}
	})
}

// Fail moves a WAITING or ACTIVE job to FAILED. Failing an already FAILED
// job is a no-op.
func (l *Ledger) Fail(ctx context.Context, jobID, errMsg string) (*models.Job, error) {
	job, err := l.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusFailed {
		return job, nil
	}

	return l.transition(ctx, job, models.JobStatusFailed, func(now time.Time) map[string]any {
		return map[string]any{
			"error":              errMsg,
			"finished_at":        now,
			"processing_time_ms": processingTime(job, now),
		}
	})
}

// transition applies an optimistic status change guarded on the status and
// attempt count that were read.
func (l *Ledger) transition(ctx context.Context, job *models.Job, next models.JobStatus, mutate func(now time.Time) map[string]any) (*models.Job, error) {
	if !job.Status.CanTransition(next) {
		return job, fmt.Errorf("%w: job %s is %s, cannot move to %s", apperr.ErrInvalidTransition, job.ID, job.Status, next)
	}

	now := l.now()
	updates := mutate(now)
	updates["status"] = next
	updates["updated_at"] = now

	res := l.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND attempts = ?", job.ID, job.Status, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %s changed concurrently", apperr.ErrInvalidTransition, job.ID)
	}

	updated, err := l.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Job status updated",
		"job_id", job.ID,
		"from", job.Status,
		"status", next,
		"attempts", updated.Attempts)
	l.notify(updated)
	return updated, nil
}

func (l *Ledger) notify(job *models.Job) {
	if l.notifier != nil {
		l.notifier.JobChanged(job)
	}
}

func processingTime(job *models.Job, now time.Time) int64 {
	if job.StartedAt == nil {
		return 0
	}
	return now.Sub(*job.StartedAt).Milliseconds()
}

func toJSON(v any) (datatypes.JSON, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return t, nil
	case json.RawMessage:
		return datatypes.JSON(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
