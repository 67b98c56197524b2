package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/events"
	"coursepay/internal/common/middleware"
	"coursepay/internal/payment"
)

// Config holds re-drive worker configuration.
type Config struct {
	Enabled           bool          `envconfig:"RECONCILER_ENABLED" default:"true"`
	Interval          time.Duration `envconfig:"RECONCILER_INTERVAL" default:"1m"`
	Workers           int           `envconfig:"RECONCILER_WORKERS" default:"4"`
	BatchSize         int           `envconfig:"RECONCILER_BATCH_SIZE" default:"50"`
	MaxAttempts       int           `envconfig:"RECONCILER_MAX_ATTEMPTS" default:"10"`
	StalePendingAfter time.Duration `envconfig:"RECONCILER_STALE_PENDING_AFTER" default:"30m"`
}

// Payments is the part of the payment service the worker drives.
type Payments interface {
	GetPayment(ctx context.Context, reference string) (*payment.Record, error)
	VerifyPayment(ctx context.Context, reference string) (*payment.VerifyResponse, error)
	ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*payment.Record, error)
}

// Worker re-drives parked plan updates and re-verifies payments stuck in
// pending. Both are safe to repeat.
type Worker struct {
	payments  Payments
	confirmer payment.Confirmer
	tasks     TaskStore
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a new worker.
func NewWorker(payments Payments, confirmer payment.Confirmer, tasks TaskStore, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Worker{
		payments:  payments,
		confirmer: confirmer,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs a sweep every interval until ctx is cancelled. Blocking.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("reconciler started",
		"interval", w.cfg.Interval,
		"workers", w.cfg.Workers,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep re-drives due tasks, then re-verifies stale pending payments.
func (w *Worker) Sweep(ctx context.Context) {
	ctx = middleware.WithCorrelationID(ctx, "reconciler-"+w.now().UTC().Format("20060102T150405"))

	due, err := w.tasks.ListDue(ctx, w.now().UTC(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to list reconciliation tasks", "error", err)
	} else if len(due) > 0 {
		refs := make([]string, len(due))
		for i, t := range due {
			refs[i] = t.Reference
		}
		w.logger.Info("re-driving reconciliation tasks", "count", len(refs))
		w.fanOut(ctx, refs, w.Redrive)
	}

	if w.cfg.StalePendingAfter <= 0 {
		return
	}
	stale, err := w.payments.ListStalePending(ctx, w.cfg.StalePendingAfter, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to list stale pending payments", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	refs := make([]string, len(stale))
	for i, r := range stale {
		refs[i] = r.Reference
	}
	w.logger.Info("re-verifying stale pending payments", "count", len(refs))
	w.fanOut(ctx, refs, func(ctx context.Context, ref string) error {
		_, err := w.payments.VerifyPayment(ctx, ref)
		return err
	})
}

// fanOut runs fn over refs on a bounded pool of goroutines.
func (w *Worker) fanOut(ctx context.Context, refs []string, fn func(context.Context, string) error) {
	jobs := make(chan string, len(refs))
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for ref := range jobs {
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, ref); err != nil {
					w.logger.Warn("reconciler job failed", "worker", id, "reference", ref, "error", err)
				}
			}
		}(i)
	}

	for _, ref := range refs {
		jobs <- ref
	}
	close(jobs)
	wg.Wait()
}

// Redrive retries the plan update for one parked payment. Tasks that keep
// failing are marked failed after MaxAttempts.
func (w *Worker) Redrive(ctx context.Context, reference string) error {
	task, err := w.tasks.Get(ctx, reference)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return nil
	}

	now := w.now().UTC()

	record, err := w.payments.GetPayment(ctx, reference)
	if err != nil {
		if apperr.IsNotFound(err) {
			return w.tasks.MarkFailed(ctx, reference, err.Error(), now)
		}
		return err
	}
	if record.Status != payment.StatusSuccess {
		return w.tasks.MarkFailed(ctx, reference, "payment is "+string(record.Status), now)
	}

	err = w.confirmer.OnPaymentConfirmed(ctx, record)
	if err == nil {
		w.logger.Info("reconciliation completed", "reference", reference, "attempts", task.Attempts+1)
		return w.tasks.MarkDone(ctx, reference, now)
	}

	attempts := task.Attempts + 1
	if attempts >= w.cfg.MaxAttempts {
		w.logger.Error("reconciliation abandoned",
			"reference", reference,
			"attempts", attempts,
			"error", err,
		)
		return w.tasks.MarkFailed(ctx, reference, err.Error(), now)
	}

	next := now.Add(time.Duration(attempts) * w.cfg.Interval)
	w.logger.Warn("reconciliation still pending",
		"reference", reference,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", err,
	)
	return w.tasks.MarkRetry(ctx, reference, err.Error(), next, now)
}

// HandleEvent re-drives a task as soon as its reconciliation_pending event
// arrives, storing the task first if the publisher could not. Other event
// types are acknowledged and ignored.
func (w *Worker) HandleEvent(ctx context.Context, event *events.Event) error {
	if event.Type != events.EventPaymentReconciliationPending {
		return nil
	}

	var data events.ReconciliationPendingData
	if err := event.DecodeData(&data); err != nil {
		w.logger.Warn("dropping malformed reconciliation event", "event_id", event.ID, "error", err)
		return nil
	}

	ctx = middleware.WithCorrelationID(ctx, event.CorrelationID)

	// The event can outlive a failed task write. Store the task from it so the
	// credit is not lost; a failed write here naks the event for redelivery.
	_, err := w.tasks.Get(ctx, data.Reference)
	if apperr.IsNotFound(err) {
		w.logger.Warn("storing reconciliation task from event", "reference", data.Reference)
		err = w.tasks.Enqueue(ctx, data.Reference, data.Reason, w.now().UTC())
	}
	if err != nil {
		return err
	}
	return w.Redrive(ctx, data.Reference)
}
