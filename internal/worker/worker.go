package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/metrics"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/queue"
	"golang.org/x/sync/errgroup"
)

// Processor runs one job type
type Processor interface {
	// Process handles one delivery. A nil error acknowledges the message;
	// a queue.Permanent error dead-letters it; anything else is retried
	// while attempts remain.
	Process(ctx context.Context, msg *queue.Message) error

	// Exhausted is called once the broker gave up on the message so the
	// ledger and the domain row end in a terminal failed state.
	Exhausted(ctx context.Context, msg *queue.Message, cause error)
}

// Sweeper expires stale resources on a fixed interval
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// JobLedger settles jobs that no processor will finish
type JobLedger interface {
	Fail(ctx context.Context, jobID, errMsg string) (*models.Job, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
}

// Options tunes a Worker
type Options struct {
	Concurrency   int           // Jobs processed in parallel across all queues
	JobTimeout    time.Duration // Used when the message policy carries none
	Sweeper       Sweeper       // Optional
	SweepInterval time.Duration
	Ledger        JobLedger     // Optional; enables stale job reconciliation
	StaleAfter    time.Duration // Idle time after which a pending job counts as lost
}

// Worker consumes job messages from the broker
type Worker struct {
	broker        queue.Broker
	logger        *slog.Logger
	processors    map[models.JobType]Processor
	queues        map[string]bool
	maxWorkers    int
	semaphore     chan struct{}
	jobTimeout    time.Duration
	sweeper       Sweeper
	sweepInterval time.Duration
	ledger        JobLedger
	staleAfter    time.Duration
	now           func() time.Time
	wg            sync.WaitGroup
}

// New creates a new worker instance
func New(b queue.Broker, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	maxWorkers := opts.Concurrency
	if maxWorkers <= 0 {
		maxWorkers = 10 // Allow up to 10 concurrent jobs
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 15 * time.Minute
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * jobTimeout
	}
	return &Worker{
		broker:        b,
		logger:        logger,
		processors:    make(map[models.JobType]Processor),
		queues:        make(map[string]bool),
		maxWorkers:    maxWorkers,
		semaphore:     make(chan struct{}, maxWorkers),
		jobTimeout:    jobTimeout,
		sweeper:       opts.Sweeper,
		sweepInterval: sweepInterval,
		ledger:        opts.Ledger,
		staleAfter:    staleAfter,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a job type arriving on queueName to p. Call before Start.
func (w *Worker) Register(queueName string, jobType models.JobType, p Processor) {
	w.processors[jobType] = p
	w.queues[queueName] = true
}

// Start consumes every registered queue until ctx is canceled, then waits for
// running jobs to finish.
func (w *Worker) Start(ctx context.Context) error {
	queues := make([]string, 0, len(w.queues))
	for name := range w.queues {
		queues = append(queues, name)
	}
	sort.Strings(queues)
	w.logger.Info("Worker started", "max_concurrent_jobs", w.maxWorkers, "queues", queues)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range queues {
		g.Go(func() error { return w.consume(gctx, name) })
	}
	if w.sweeper != nil {
		g.Go(func() error { return w.sweep(gctx) })
	}
	if w.ledger != nil {
		g.Go(func() error { return w.reconcileLoop(gctx) })
	}

	err := g.Wait()
	w.logger.Info("Worker shutting down, waiting for jobs to complete")
	w.wg.Wait()
	w.logger.Info("All jobs completed, worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, queueName string) error {
	for {
		// Acquire semaphore slot (blocks if max workers reached)
		select {
		case w.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d, err := w.broker.Receive(ctx, queueName)
		if err != nil {
			<-w.semaphore
			switch {
			case errors.Is(err, queue.ErrNoMessage):
				continue
			case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
				return nil
			}
			w.logger.Error("Failed to receive job", "queue", queueName, "error", err)
			select {
			case <-time.After(time.Second): // Backoff on real errors
			case <-ctx.Done():
				return nil
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.semaphore }() // Release slot when done
			w.handle(ctx, d)
		}()
	}
}

// handle runs one delivery and applies exactly one outcome to it
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	started := time.Now()
	jobType := string(msg.JobType)
	metrics.JobsInFlight.WithLabelValues(msg.Queue).Inc()
	defer metrics.JobsInFlight.WithLabelValues(msg.Queue).Dec()

	// Outcomes are written even while shutting down
	octx := context.WithoutCancel(ctx)

	p, ok := w.processors[msg.JobType]
	if !ok {
		reason := "no processor registered for " + jobType
		w.logger.Error("No processor registered", "job_id", msg.JobID, "job_type", jobType, "queue", msg.Queue)
		if err := d.DeadLetter(octx, reason); err != nil {
			w.logger.Error("Failed to dead-letter job", "job_id", msg.JobID, "error", err)
		}
		w.failJob(octx, msg.JobID, reason)
		metrics.ObserveJob(msg.Queue, jobType, metrics.OutcomeFailed, started)
		return
	}

	w.logger.Info("Processing job", "job_id", msg.JobID, "job_type", jobType, "attempt", msg.Attempt)
	err := w.run(ctx, p, msg)

	switch {
	case err == nil:
		if aerr := d.Ack(octx); aerr != nil {
			w.logger.Error("Failed to ack job", "job_id", msg.JobID, "error", aerr)
		}
		w.logger.Info("Job completed", "job_id", msg.JobID, "job_type", jobType, "duration", time.Since(started))
		metrics.ObserveJob(msg.Queue, jobType, metrics.OutcomeCompleted, started)

	case queue.IsPermanent(err) || msg.LastAttempt():
		w.logger.Error("Job failed",
			"job_id", msg.JobID,
			"job_type", jobType,
			"attempt", msg.Attempt,
			"permanent", queue.IsPermanent(err),
			"error", err)
		if derr := d.DeadLetter(octx, err.Error()); derr != nil {
			w.logger.Error("Failed to dead-letter job", "job_id", msg.JobID, "error", derr)
		}
		p.Exhausted(octx, msg, err)
		metrics.ObserveJob(msg.Queue, jobType, metrics.OutcomeFailed, started)

	default:
		delay := msg.Policy.Delay(msg.Attempt)
		w.logger.Warn("Job attempt failed, retrying",
			"job_id", msg.JobID,
			"job_type", jobType,
			"attempt", msg.Attempt,
			"retry_in", delay,
			"error", err)
		if rerr := d.Retry(octx, delay); rerr != nil {
			w.logger.Error("Failed to schedule retry", "job_id", msg.JobID, "error", rerr)
		}
		metrics.ObserveJob(msg.Queue, jobType, metrics.OutcomeRetried, started)
	}
}

// run invokes the processor under the attempt timeout. A panic fails the
// job for good.
func (w *Worker) run(ctx context.Context, p Processor, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic recovered in job processing", "job_id", msg.JobID, "panic", r)
			err = queue.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()

	timeout := msg.Policy.Timeout
	if timeout <= 0 {
		timeout = w.jobTimeout
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.Process(jctx, msg)
}

func (w *Worker) sweep(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.sweeper.ExpireStale(ctx)
			if err != nil {
				w.logger.Error("Sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.SandboxesExpired.Add(float64(n))
				w.logger.Info("Expired stale sandboxes", "count", n)
			}
		}
	}
}

// failJob moves the ledger entry to FAILED when the worker has a ledger
func (w *Worker) failJob(ctx context.Context, jobID, reason string) {
	if w.ledger == nil {
		return
	}
	if _, err := w.ledger.Fail(ctx, jobID, reason); err != nil &&
		!errors.Is(err, apperr.ErrInvalidTransition) && !apperr.IsNotFound(err) {
		w.logger.Error("Failed to mark job as failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.reconcile(ctx)
			if err != nil {
				w.logger.Error("Job reconciliation failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("Failed abandoned jobs", "count", n)
			}
		}
	}
}

// reconcile fails WAITING or ACTIVE jobs of this worker's queues that have
// not moved for staleAfter. Their broker message was lost, for example when
// a worker died between receiving it and settling it. The registered
// processor settles the domain row as well.
func (w *Worker) reconcile(ctx context.Context) (int, error) {
	stale, err := w.ledger.ListStale(ctx, w.now().Add(-w.staleAfter), 100)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		job := &stale[i]
		if !w.queues[job.QueueName] {
			continue
		}
		cause := queue.Permanent(fmt.Errorf("job abandoned: no progress since %s", job.UpdatedAt.Format(time.RFC3339)))
		w.logger.Warn("Failing abandoned job",
			"job_id", job.ID,
			"job_type", job.Name,
			"queue", job.QueueName,
			"status", job.Status,
			"attempts", job.Attempts)

		p, ok := w.processors[job.Name]
		if !ok {
			w.failJob(ctx, job.ID, cause.Error())
		} else {
			p.Exhausted(ctx, &queue.Message{
				JobID:   job.ID,
				Queue:   job.QueueName,
				JobType: job.Name,
				Payload: json.RawMessage(job.Data),
				Attempt: job.Attempts,
			}, cause)
		}
		metrics.JobsAbandoned.WithLabelValues(job.QueueName, string(job.Name)).Inc()
		n++
	}
	return n, nil
}
