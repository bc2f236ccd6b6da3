/**
 * @description
 * Reconciliation for payouts whose backend outcome was ambiguous. A payout is
 * ambiguous when the backend was reached at least once but never answered
 * decisively (timeout, connection reset mid-call); its transaction stays
 * pending and its idempotency claim is kept. The reconciler re-drives those
 * payouts against the backend with the original idempotency key, which makes
 * the resubmission safe: the backend either reports the earlier success or
 * processes the payout exactly once.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/paymentclient: For backend error classification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/paymentclient"
)

const (
	defaultReconcileBatchLimit = 200
	defaultReconcileMinAge     = 10 * time.Minute
)

// Reconciler re-drives pending payouts left behind by ambiguous backend calls.
type Reconciler struct {
	repo       store.Repository
	backend    PaymentBackend
	guard      IdempotencyGuard
	batchLimit int
	minAge     time.Duration
}

// NewReconciler creates a reconciler with default batch limit and minimum
// pending age.
func NewReconciler(repo store.Repository, backend PaymentBackend) *Reconciler {
	return &Reconciler{
		repo:       repo,
		backend:    backend,
		batchLimit: defaultReconcileBatchLimit,
		minAge:     defaultReconcileMinAge,
	}
}

// SetIdempotencyGuard installs the optional distributed guard so decisive
// rejections release both claim layers.
func (r *Reconciler) SetIdempotencyGuard(guard IdempotencyGuard) {
	r.guard = guard
}

// SetPolicy overrides the batch limit and minimum pending age. Non-positive
// values keep the current setting.
func (r *Reconciler) SetPolicy(batchLimit int, minAge time.Duration) {
	if batchLimit > 0 {
		r.batchLimit = batchLimit
	}
	if minAge > 0 {
		r.minAge = minAge
	}
}

// ReconcilePendingPayouts runs one reconciliation pass and reports what it did.
func (r *Reconciler) ReconcilePendingPayouts(ctx context.Context) (*domain.ReconcileResult, error) {
	cutoff := time.Now().UTC().Add(-r.minAge)
	payouts, err := r.repo.ListPendingPayouts(ctx, r.batchLimit, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payouts: %w", err)
	}

	result := &domain.ReconcileResult{}
	for _, payout := range payouts {
		if ctx.Err() != nil {
			break
		}

		claimed, err := r.repo.MarkPayoutReconcileInFlight(ctx, payout.TransactionID)
		if err != nil {
			log.Printf("level=warn component=reconciler msg=\"in-flight claim failed\" transaction_id=%s err=%v", payout.TransactionID, err)
			continue
		}
		if !claimed {
			// Another reconciler instance or the status consumer got there first.
			continue
		}

		result.Processed++
		r.reconcileOne(ctx, payout, result)
	}

	log.Printf("level=info component=reconciler msg=\"reconcile pass finished\" processed=%d confirmed=%d rejected=%d still_ambiguous=%d",
		result.Processed, result.Confirmed, result.ExplicitRejects, result.AmbiguousFailures)
	return result, nil
}

// reconcileOne resubmits a single payout with its original idempotency key.
func (r *Reconciler) reconcileOne(ctx context.Context, payout *domain.PendingPayout, result *domain.ReconcileResult) {
	idemKey := payoutIdempotencyKey(payout.RunKey, payout.RecipientID)
	reason := fmt.Sprintf("Disbursement %s", payout.RunKey)

	resp, err := r.backend.SubmitPayout(ctx, payout.PayoutAddress, payout.Amount, idemKey, reason)

	switch {
	case err == nil && resp.Data.Attributes.Accepted:
		reference := resp.Data.Attributes.Reference
		if err := r.repo.MarkTransactionConfirmed(ctx, payout.TransactionID, reference); err != nil {
			log.Printf("level=warn component=reconciler msg=\"confirm persistence failed\" transaction_id=%s err=%v", payout.TransactionID, err)
			return
		}
		if err := r.repo.UpdateRecipientLastPayment(ctx, payout.RecipientID, time.Now().UTC()); err != nil {
			log.Printf("level=warn component=reconciler msg=\"last payment update failed\" recipient_id=%s err=%v", payout.RecipientID, err)
		}
		result.Confirmed++
		log.Printf("level=info component=reconciler msg=\"ambiguous payout confirmed\" transaction_id=%s reference=%s", payout.TransactionID, reference)

	case err == nil:
		r.failDecisively(ctx, payout, "payout not accepted by backend")
		result.ExplicitRejects++

	default:
		var backendErr *paymentclient.ErrorResponse
		if errors.As(err, &backendErr) && backendErr.IsExplicitRejection() {
			r.failDecisively(ctx, payout, err.Error())
			result.ExplicitRejects++
			return
		}
		// Still ambiguous. Release the in-flight claim so the next pass retries.
		if clearErr := r.repo.ClearPayoutReconcileInFlight(ctx, payout.TransactionID); clearErr != nil {
			log.Printf("level=warn component=reconciler msg=\"in-flight release failed\" transaction_id=%s err=%v", payout.TransactionID, clearErr)
		}
		result.AmbiguousFailures++
		log.Printf("level=warn component=reconciler msg=\"payout still ambiguous\" transaction_id=%s err=%v", payout.TransactionID, err)
	}
}

func (r *Reconciler) failDecisively(ctx context.Context, payout *domain.PendingPayout, reason string) {
	if err := r.repo.MarkTransactionFailed(ctx, payout.TransactionID, reason); err != nil {
		log.Printf("level=warn component=reconciler msg=\"failure persistence failed\" transaction_id=%s err=%v", payout.TransactionID, err)
		return
	}
	if err := r.repo.ReleasePayout(ctx, payout.RecipientID, payout.RunKey); err != nil {
		log.Printf("level=warn component=reconciler msg=\"claim release failed\" recipient_id=%s run_key=%s err=%v", payout.RecipientID, payout.RunKey, err)
	}
	if r.guard != nil {
		if err := r.guard.Release(ctx, payoutIdempotencyKey(payout.RunKey, payout.RecipientID)); err != nil {
			log.Printf("level=warn component=reconciler msg=\"guard release failed\" recipient_id=%s run_key=%s err=%v", payout.RecipientID, payout.RunKey, err)
		}
	}
}
