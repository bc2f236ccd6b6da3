/**
 * @description
 * The TransactionFactory creates exactly one payment transaction per
 * (recipient, batch) pairing and attempts to realize the payment against the
 * external payment backend.
 *
 * Key behaviors:
 * - Enforces the eligibility and positive-amount preconditions explicitly.
 * - Claims a (recipient, run key) idempotency pair before any backend call, so
 *   re-running a distribution over the same recipients cannot double-pay.
 * - Applies a per-call timeout and bounded retry with fixed backoff for
 *   transient backend failures; explicit business rejections are never retried.
 * - Encodes backend-level failures in the Transaction rather than returning an
 *   error: partial failure is the expected steady state of a mass disbursement.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For transaction ids.
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

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/paymentclient"
)

const (
	defaultPayoutTimeout  = 15 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryBackoff   = 200 * time.Millisecond
	defaultIdempotencyTTL = 24 * time.Hour
)

var (
	ErrIneligibleRecipient = errors.New("recipient is not eligible for payment")
	ErrNonPositiveAmount   = errors.New("amount must be greater than zero")
)

// PaymentBackend is the external system that actually moves value. Production
// wiring uses paymentclient.Client; tests inject deterministic doubles.
type PaymentBackend interface {
	SubmitPayout(ctx context.Context, payoutAddress string, amount int64, idempotencyKey, reason string) (*paymentclient.PayoutResponse, error)
}

// IdempotencyGuard is an optional distributed fast path (Redis) in front of the
// repository's authoritative payout claim.
type IdempotencyGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// TransactionFactory creates and settles payment transactions.
type TransactionFactory struct {
	repo           store.Repository
	backend        PaymentBackend
	guard          IdempotencyGuard
	payoutTimeout  time.Duration
	retryAttempts  int
	retryBackoff   time.Duration
	idempotencyTTL time.Duration
}

// NewTransactionFactory creates a factory with default payout policy.
func NewTransactionFactory(repo store.Repository, backend PaymentBackend) *TransactionFactory {
	return &TransactionFactory{
		repo:           repo,
		backend:        backend,
		payoutTimeout:  defaultPayoutTimeout,
		retryAttempts:  defaultRetryAttempts,
		retryBackoff:   defaultRetryBackoff,
		idempotencyTTL: defaultIdempotencyTTL,
	}
}

// SetIdempotencyGuard installs the optional distributed claim fast path.
func (f *TransactionFactory) SetIdempotencyGuard(guard IdempotencyGuard) {
	f.guard = guard
}

// ConfigurePayoutPolicy overrides timeout and retry behavior. Non-positive
// values keep the current setting.
func (f *TransactionFactory) ConfigurePayoutPolicy(timeout time.Duration, retryAttempts int, retryBackoff time.Duration, idempotencyTTL time.Duration) {
	if timeout > 0 {
		f.payoutTimeout = timeout
	}
	if retryAttempts >= 0 {
		f.retryAttempts = retryAttempts
	}
	if retryBackoff > 0 {
		f.retryBackoff = retryBackoff
	}
	if idempotencyTTL > 0 {
		f.idempotencyTTL = idempotencyTTL
	}
}

func payoutIdempotencyKey(runKey, recipientID string) string {
	return fmt.Sprintf("%s:%s", runKey, recipientID)
}

// CreateTransaction produces exactly one Transaction for the recipient and
// attempts the payout. Backend failures and duplicate claims are encoded in the
// returned Transaction; an error is returned only for violated preconditions.
func (f *TransactionFactory) CreateTransaction(ctx context.Context, runKey string, batchID uuid.UUID, recipient *domain.Recipient, amount int64) (*domain.Transaction, error) {
	if recipient == nil {
		return nil, store.ErrRecipientNotFound
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if !recipient.Eligible {
		return nil, ErrIneligibleRecipient
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		RecipientID: recipient.ID,
		Amount:      amount,
		Status:      domain.TransactionStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	claimed, err := f.claimPayout(ctx, runKey, recipient.ID, tx.ID)
	if err != nil {
		log.Printf("level=error component=factory msg=\"payout claim failed\" recipient_id=%s run_key=%s err=%v", recipient.ID, runKey, err)
		return f.recordImmediateFailure(ctx, batchID, tx, fmt.Sprintf("payout claim failed: %v", err)), nil
	}
	if !claimed {
		return f.recordImmediateFailure(ctx, batchID, tx, store.ErrDuplicatePayout.Error()), nil
	}

	if err := f.repo.CreateTransaction(ctx, batchID, tx); err != nil {
		log.Printf("level=warn component=factory msg=\"transaction persistence failed; continuing\" transaction_id=%s err=%v", tx.ID, err)
	}

	resp, attempted, callErr := f.submitWithRetry(ctx, runKey, recipient, amount)

	switch {
	case callErr == nil && resp.Data.Attributes.Accepted:
		reference := resp.Data.Attributes.Reference
		confirmedAt := time.Now().UTC()
		if err := f.repo.MarkTransactionConfirmed(ctx, tx.ID, reference); err != nil {
			log.Printf("level=warn component=factory msg=\"confirm persistence failed\" transaction_id=%s err=%v", tx.ID, err)
		}
		tx.Status = domain.TransactionStatusConfirmed
		tx.BackendReference = &reference
		if err := f.repo.UpdateRecipientLastPayment(ctx, recipient.ID, confirmedAt); err != nil {
			log.Printf("level=warn component=factory msg=\"last payment update failed\" recipient_id=%s err=%v", recipient.ID, err)
		}
		recipient.LastPaymentAt = &confirmedAt
		return tx, nil

	case callErr == nil:
		// Backend answered but did not accept the payout: decisive rejection.
		f.failTransaction(ctx, runKey, recipient.ID, tx, "payout not accepted by backend")
		return tx, nil

	default:
		var backendErr *paymentclient.ErrorResponse
		if errors.As(callErr, &backendErr) && backendErr.IsExplicitRejection() {
			f.failTransaction(ctx, runKey, recipient.ID, tx, callErr.Error())
			return tx, nil
		}
		if !attempted {
			// The backend was never reached, so failing and releasing the claim is safe.
			f.failTransaction(ctx, runKey, recipient.ID, tx, fmt.Sprintf("payout not attempted: %v", callErr))
			return tx, nil
		}
		// Ambiguous outcome: the payout may have gone through. The claim is kept to
		// prevent a double payment and the transaction stays pending for the
		// reconciliation job.
		log.Printf("level=warn component=factory msg=\"payout outcome ambiguous; leaving transaction pending for reconciliation\" transaction_id=%s recipient_id=%s err=%v", tx.ID, recipient.ID, callErr)
		return tx, nil
	}
}

// claimPayout runs the optional distributed fast path, then the authoritative
// repository claim.
func (f *TransactionFactory) claimPayout(ctx context.Context, runKey, recipientID string, transactionID uuid.UUID) (bool, error) {
	key := payoutIdempotencyKey(runKey, recipientID)
	if f.guard != nil {
		ok, err := f.guard.Claim(ctx, key, f.idempotencyTTL)
		if err != nil {
			// Guard unavailability must not block payouts; the repository claim decides.
			log.Printf("level=warn component=factory msg=\"idempotency guard unavailable; falling back to store claim\" key=%s err=%v", key, err)
		} else if !ok {
			return false, nil
		}
	}
	return f.repo.ClaimPayout(ctx, recipientID, runKey, transactionID)
}

// submitWithRetry drives the backend call with the configured timeout and
// bounded retry. attempted reports whether at least one call reached the wire.
func (f *TransactionFactory) submitWithRetry(ctx context.Context, runKey string, recipient *domain.Recipient, amount int64) (resp *paymentclient.PayoutResponse, attempted bool, err error) {
	idemKey := payoutIdempotencyKey(runKey, recipient.ID)
	reason := fmt.Sprintf("Disbursement %s", runKey)

	for attempt := 0; attempt <= f.retryAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return resp, attempted, err
		}

		callCtx, cancel := context.WithTimeout(ctx, f.payoutTimeout)
		resp, err = f.backend.SubmitPayout(callCtx, recipient.PayoutAddress, amount, idemKey, reason)
		cancel()
		attempted = true
		if err == nil {
			return resp, attempted, nil
		}

		var backendErr *paymentclient.ErrorResponse
		if errors.As(err, &backendErr) && backendErr.IsExplicitRejection() {
			return resp, attempted, err
		}

		if attempt < f.retryAttempts {
			log.Printf("level=warn component=factory msg=\"transient payout failure; retrying\" recipient_id=%s attempt=%d err=%v", recipient.ID, attempt+1, err)
			select {
			case <-ctx.Done():
				return resp, attempted, err
			case <-time.After(f.retryBackoff):
			}
		}
	}
	return resp, attempted, err
}

// recordImmediateFailure persists a transaction that failed before any backend
// call was made (duplicate claim, claim infrastructure error).
func (f *TransactionFactory) recordImmediateFailure(ctx context.Context, batchID uuid.UUID, tx *domain.Transaction, reason string) *domain.Transaction {
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &reason
	if err := f.repo.CreateTransaction(ctx, batchID, tx); err != nil {
		log.Printf("level=warn component=factory msg=\"failed-transaction persistence failed\" transaction_id=%s err=%v", tx.ID, err)
	}
	return tx
}

// failTransaction marks a decisive failure and releases the idempotency claim
// so a later run may retry the recipient.
func (f *TransactionFactory) failTransaction(ctx context.Context, runKey, recipientID string, tx *domain.Transaction, reason string) {
	if err := f.repo.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
		log.Printf("level=warn component=factory msg=\"failure persistence failed\" transaction_id=%s err=%v", tx.ID, err)
	}
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &reason
	if err := f.repo.ReleasePayout(ctx, recipientID, runKey); err != nil {
		log.Printf("level=warn component=factory msg=\"claim release failed\" recipient_id=%s run_key=%s err=%v", recipientID, runKey, err)
	}
	if f.guard != nil {
		if err := f.guard.Release(ctx, payoutIdempotencyKey(runKey, recipientID)); err != nil {
			log.Printf("level=warn component=factory msg=\"guard release failed\" recipient_id=%s run_key=%s err=%v", recipientID, runKey, err)
		}
	}
}
