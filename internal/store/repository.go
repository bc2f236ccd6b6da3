/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the disbursement-service. By defining an interface,
 * we decouple the engine's business logic from the specific storage implementation
 * (PostgreSQL in production, in-memory for tests and single-process runs).
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
)

var (
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicatePayout     = errors.New("duplicate payout for run key")
)

// Repository defines the set of methods for interacting with persistent state.
type Repository interface {
	// Recipient store methods. ListEligibleRecipients is the read-only iteration
	// surface the coordinator uses to source a run; region "" means all regions.
	ListEligibleRecipients(ctx context.Context, region string) ([]*domain.Recipient, error)
	FindRecipientByID(ctx context.Context, recipientID string) (*domain.Recipient, error)
	UpdateRecipientLastPayment(ctx context.Context, recipientID string, paidAt time.Time) error

	// Idempotency methods. ClaimPayout atomically claims the (recipientID, runKey)
	// pair for a transaction; a false return means another transaction already
	// holds the claim and the payout must not be attempted again.
	ClaimPayout(ctx context.Context, recipientID, runKey string, transactionID uuid.UUID) (bool, error)
	ReleasePayout(ctx context.Context, recipientID, runKey string) error

	// Run and batch persistence methods.
	CreateRun(ctx context.Context, run *domain.Run) error
	FinalizeRun(ctx context.Context, runID uuid.UUID, status string, totalDistributed int64, completedAt time.Time) error
	CreateBatch(ctx context.Context, runID uuid.UUID, batch *domain.Batch) error
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, status string, totalAmount int64) error

	// Transaction methods.
	CreateTransaction(ctx context.Context, batchID uuid.UUID, tx *domain.Transaction) error
	MarkTransactionConfirmed(ctx context.Context, transactionID uuid.UUID, backendReference string) error
	MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) error
	FindTransactionByBackendReference(ctx context.Context, backendReference string) (*domain.Transaction, error)

	// Reconciliation methods. Candidates are transactions still pending past the
	// cutoff; MarkPayoutReconcileInFlight guards against concurrent reconcilers.
	ListPendingPayouts(ctx context.Context, limit int, olderThan time.Time) ([]*domain.PendingPayout, error)
	MarkPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) (bool, error)
	ClearPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) error
}
