// Package scheduler drains the durable per-target retry queues: it claims
// due tasks, invokes the delivery transport, and on failure reschedules
// through the backoff policy or dead-letters the task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/store"
)

// Config holds scheduler tuning.
type Config struct {
	// PollInterval bounds how long an enqueued task waits when no wakeup
	// arrives. Enqueue also wakes the loop directly.
	PollInterval time.Duration
	// DeliveryTimeout bounds one transport call; expiry is a failure.
	DeliveryTimeout time.Duration
	// InFlightTimeout is the liveness window: tasks claimed longer ago than
	// this at startup are treated as failed attempts and rescheduled.
	InFlightTimeout time.Duration
	// MaxConcurrent bounds parallel delivery attempts across targets.
	MaxConcurrent int64
	// ClaimBatch bounds how many due tasks one loop iteration claims.
	ClaimBatch int
}

// Scheduler is the delivery loop over the durable retry queues.
type Scheduler struct {
	store     *store.Store
	transport Transport
	logger    *slog.Logger
	cfg       Config

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	now func() time.Time

	attempts    metric.Int64Counter
	deadLetters metric.Int64Counter
}

// New creates a scheduler. Call Start to begin delivering.
func New(st *store.Store, transport Transport, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 256
	}

	meter := otel.Meter("github.com/ashita-ai/nagare/internal/scheduler")
	attempts, _ := meter.Int64Counter("nagare.delivery.attempts",
		metric.WithDescription("Delivery attempts by outcome"))
	deadLetters, _ := meter.Int64Counter("nagare.delivery.dead_letters",
		metric.WithDescription("Tasks moved to the dead-letter record"))

	return &Scheduler{
		store:       st,
		transport:   transport,
		logger:      logger,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		wake:        make(chan struct{}, 1),
		now:         time.Now,
		attempts:    attempts,
		deadLetters: deadLetters,
	}
}

// Enqueue durably adds a task and wakes the delivery loop.
func (s *Scheduler) Enqueue(task model.RetryableEvent) error {
	if err := s.store.Enqueue(task); err != nil {
		return fmt.Errorf("scheduler: enqueue task %s: %w", task.ID, err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the delivery loop until ctx is cancelled. It blocks, so call it
// in a goroutine. On entry it reclaims tasks a previous process left
// in-flight past the liveness timeout and runs them through the normal
// failure path.
func (s *Scheduler) Start(ctx context.Context) {
	s.recoverInFlight()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.dispatchDue(ctx)

		select {
		case <-ctx.Done():
			s.wg.Wait() // Let in-flight deliveries finish or time out.
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// recoverInFlight treats tasks stranded in-flight by a crash as failed
// attempts: they re-enter the queue through the backoff path rather than
// being retried immediately, so a crash loop cannot hammer a target.
func (s *Scheduler) recoverInFlight() {
	cutoff := s.now().Add(-s.cfg.InFlightTimeout)
	stale, err := s.store.ReclaimStale(cutoff)
	if err != nil {
		s.logger.Error("scheduler: reclaim stale in-flight tasks", "error", err)
		return
	}
	for _, task := range stale {
		s.handleFailure(task, fmt.Errorf("scheduler: in-flight past liveness timeout %s", s.cfg.InFlightTimeout))
	}
	if len(stale) > 0 {
		s.logger.Info("scheduler: recovered stale in-flight tasks", "count", len(stale))
	}
}

// dispatchDue claims every due task and attempts delivery, each in its own
// goroutine bounded by the concurrency semaphore. Per-target ordering is
// preserved at claim time (the store returns tasks in NextRetryTime order);
// delivery itself is parallel per spec — no cross-target ordering exists.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	tasks, err := s.store.ClaimDue(s.now(), s.cfg.ClaimBatch)
	if err != nil {
		s.logger.Error("scheduler: claim due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for a slot: the claim stays in-flight
			// and is reclaimed after the liveness timeout on next start.
			return
		}
		s.wg.Add(1)
		go func(task model.RetryableEvent) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.deliver(ctx, task)
		}(task)
	}
}

func (s *Scheduler) deliver(ctx context.Context, task model.RetryableEvent) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	err := s.transport.Deliver(attemptCtx, task.TargetAgent, task.Event)
	if err == nil {
		s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		if err := s.store.Complete(task.TargetAgent, task.ID); err != nil {
			s.logger.Error("scheduler: complete task", "task_id", task.ID, "error", err)
		}
		return
	}

	s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
	s.handleFailure(task, &model.DeliveryError{TargetAgent: task.TargetAgent, Err: err})
}

// handleFailure runs one failed attempt through the backoff policy: the
// delay is computed from the pre-increment attempt count, then the count is
// incremented; at MaxAttempts the task becomes terminal and is
// dead-lettered, never re-enqueued.
func (s *Scheduler) handleFailure(task model.RetryableEvent, cause error) {
	delay := nextDelay(task.RetryPolicy, task.AttemptCount)
	task.AttemptCount++
	task.LastError = cause.Error()

	if task.AttemptCount >= task.RetryPolicy.MaxAttempts {
		dl := model.DeadLetter{
			Task:           task,
			Reason:         fmt.Sprintf("max attempts (%d) exceeded: %v", task.RetryPolicy.MaxAttempts, cause),
			DeadLetteredAt: s.now(),
		}
		if err := s.store.DeadLetter(dl); err != nil {
			s.logger.Error("scheduler: dead-letter task", "task_id", task.ID, "error", err)
			return
		}
		s.deadLetters.Add(context.Background(), 1)
		s.logger.Error("scheduler: task dead-lettered",
			"task_id", task.ID, "target", task.TargetAgent,
			"event_id", task.Event.ID, "attempts", task.AttemptCount, "error", cause)
		return
	}

	task.NextRetryTime = s.now().Add(delay)
	if err := s.store.Reschedule(task); err != nil {
		s.logger.Error("scheduler: reschedule task", "task_id", task.ID, "error", err)
		return
	}
	s.logger.Warn("scheduler: delivery failed, rescheduled",
		"task_id", task.ID, "target", task.TargetAgent,
		"attempt", task.AttemptCount, "next_retry_in", delay, "error", cause)
}

// DeadLetters lists dead-lettered tasks for the administrative surface.
func (s *Scheduler) DeadLetters() ([]model.DeadLetter, error) {
	return s.store.ListDeadLetters()
}

// RequeueDeadLetter returns a dead-lettered task to its queue with a fresh
// retry budget and wakes the loop.
func (s *Scheduler) RequeueDeadLetter(taskID string) (model.RetryableEvent, error) {
	task, err := s.store.RequeueDeadLetter(taskID, s.now())
	if err != nil {
		return model.RetryableEvent{}, err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task, nil
}

// PurgeDeadLetter removes a dead-letter record.
func (s *Scheduler) PurgeDeadLetter(taskID string) error {
	return s.store.PurgeDeadLetter(taskID)
}
