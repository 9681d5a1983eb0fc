// Package scheduler runs the periodic billing jobs: invoice generation,
// overdue-rent detection, the pending-payment timeout sweep and the
// entitlement expiry sweep. The jobs cooperate with callback reconciliation
// through per-row conditional updates, so several instances may run them
// concurrently without double effects.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hostelpay/internal/billing"
	"hostelpay/internal/entitlement"
	"hostelpay/internal/payment"
)

// Config holds scheduler settings.
type Config struct {
	InvoiceInterval time.Duration `envconfig:"SCHEDULER_INVOICE_INTERVAL" default:"24h"`
	OverdueInterval time.Duration `envconfig:"SCHEDULER_OVERDUE_INTERVAL" default:"24h"`
	ExpiryInterval  time.Duration `envconfig:"SCHEDULER_EXPIRY_INTERVAL" default:"1h"`
	TimeoutInterval time.Duration `envconfig:"SCHEDULER_TIMEOUT_INTERVAL" default:"1h"`

	// PaymentPendingTimeout is how long a payment may sit pending before the
	// sweep fails it. The gateway never calls back for some prompts.
	PaymentPendingTimeout time.Duration `envconfig:"PAYMENT_PENDING_TIMEOUT" default:"24h"`

	BatchSize int `envconfig:"SCHEDULER_BATCH_SIZE" default:"500"`
}

// Scheduler drives the periodic jobs.
type Scheduler struct {
	cfg          Config
	billing      *billing.Service
	payments     *payment.Service
	entitlements *entitlement.Service
	logger       *slog.Logger
}

// New creates a new scheduler.
func New(cfg Config, billingSvc *billing.Service, payments *payment.Service, entitlements *entitlement.Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		billing:      billingSvc,
		payments:     payments,
		entitlements: entitlements,
		logger:       logger,
	}
}

// Start launches the job loops and blocks until the context is cancelled.
// Every job runs once at startup, then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"invoice_generation", s.cfg.InvoiceInterval, s.generateInvoices},
		{"overdue_detection", s.cfg.OverdueInterval, s.markOverdue},
		{"entitlement_expiry", s.cfg.ExpiryInterval, s.expireEntitlements},
		{"payment_timeout", s.cfg.TimeoutInterval, s.timeOutPayments},
	}

	for _, job := range jobs {
		wg.Add(1)
		go func(name string, interval time.Duration, run func(context.Context) error) {
			defer wg.Done()
			s.loop(ctx, name, interval, run)
		}(job.name, job.interval, job.run)
	}

	wg.Wait()
}

// loop runs one job on its interval. A failing run is logged and retried on
// the next tick; one job's failure never blocks the others.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	s.logger.Info("scheduler job started", "job", name, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := run(ctx); err != nil {
			s.logger.Error("scheduler job failed", "job", name, "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler job stopped", "job", name)
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) generateInvoices(ctx context.Context) error {
	n, err := s.billing.GenerateInvoices(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("invoices generated", "count", n)
	}
	return nil
}

func (s *Scheduler) markOverdue(ctx context.Context) error {
	n, err := s.billing.MarkOverdue(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("rent ledgers marked overdue", "count", n)
	}
	return nil
}

func (s *Scheduler) expireEntitlements(ctx context.Context) error {
	n, err := s.entitlements.ExpireDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("entitlements expired", "count", n)
	}
	return nil
}

func (s *Scheduler) timeOutPayments(ctx context.Context) error {
	n, err := s.payments.FailStalePending(ctx, s.cfg.PaymentPendingTimeout, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("stale pending payments timed out", "count", n)
	}
	return nil
}
