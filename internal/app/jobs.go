/**
 * @description
 * Scheduled job implementations for the disbursement-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerline/disbursement-service/internal/config"
	"github.com/ledgerline/disbursement-service/internal/domain"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	coordinator *Coordinator
	reconciler  *Reconciler
	logger      *slog.Logger
	config      config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(coordinator *Coordinator, reconciler *Reconciler, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		coordinator: coordinator,
		reconciler:  reconciler,
		logger:      logger,
		config:      cfg,
	}
}

// ReconcilePendingPayouts re-drives payouts whose backend outcome was ambiguous.
func (j *Jobs) ReconcilePendingPayouts() {
	j.logger.Info("starting pending payout reconciliation job")
	ctx := context.Background()

	result, err := j.reconciler.ReconcilePendingPayouts(ctx)
	if err != nil {
		j.logger.Error("pending payout reconciliation failed", "error", err)
		return
	}

	j.logger.Info("pending payout reconciliation job finished",
		"processed", result.Processed,
		"confirmed", result.Confirmed,
		"rejected", result.ExplicitRejects,
		"still_ambiguous", result.AmbiguousFailures,
	)
}

// RunScheduledDisbursement starts the recurring disbursement over all eligible
// recipients. The run key is derived from the date, so a re-fired trigger for
// the same period is rejected by the idempotency claims instead of double-paying.
func (j *Jobs) RunScheduledDisbursement() {
	j.logger.Info("starting scheduled disbursement job")
	ctx := context.Background()

	req := domain.StartDisbursementRequest{
		RunKey:             "scheduled-" + time.Now().UTC().Format("2006-01-02"),
		AmountPerRecipient: j.config.ScheduledRunAmount,
		Region:             j.config.ScheduledRunRegion,
	}

	run, err := j.coordinator.DistributeEligible(ctx, req)
	if err != nil {
		j.logger.Error("scheduled disbursement failed", "run_key", req.RunKey, "error", err)
		return
	}

	j.logger.Info("scheduled disbursement job finished",
		"run_id", run.ID,
		"run_key", run.RunKey,
		"status", run.Status,
		"total_distributed", run.TotalDistributed,
	)
}
