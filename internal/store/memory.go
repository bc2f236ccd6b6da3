/**
 * @description
 * In-memory implementation of the `Repository` interface. It backs the engine in
 * tests and in single-process deployments where durability is delegated to the
 * payment backend's own ledger. All methods are safe for concurrent use.
 *
 * @dependencies
 * - context, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
)

// MemoryRepository is a concrete implementation of the Repository interface backed
// by process memory.
type MemoryRepository struct {
	mu sync.Mutex

	recipients     map[string]*domain.Recipient
	recipientOrder []string

	claims map[string]uuid.UUID // recipientID|runKey -> transactionID

	runs     map[uuid.UUID]*domain.Run
	batches  map[uuid.UUID]*domain.Batch
	batchRun map[uuid.UUID]uuid.UUID // batchID -> runID

	transactions map[uuid.UUID]*domain.Transaction
	txBatch      map[uuid.UUID]uuid.UUID // transactionID -> batchID
	byReference  map[string]uuid.UUID    // backendReference -> transactionID

	reconcileInFlight map[uuid.UUID]bool
}

// NewMemoryRepository creates a new in-memory repository seeded with the given
// recipient set. The seed slice is not copied deeply; callers hand over ownership.
func NewMemoryRepository(recipients []*domain.Recipient) *MemoryRepository {
	repo := &MemoryRepository{
		recipients:        make(map[string]*domain.Recipient, len(recipients)),
		recipientOrder:    make([]string, 0, len(recipients)),
		claims:            make(map[string]uuid.UUID),
		runs:              make(map[uuid.UUID]*domain.Run),
		batches:           make(map[uuid.UUID]*domain.Batch),
		batchRun:          make(map[uuid.UUID]uuid.UUID),
		transactions:      make(map[uuid.UUID]*domain.Transaction),
		txBatch:           make(map[uuid.UUID]uuid.UUID),
		byReference:       make(map[string]uuid.UUID),
		reconcileInFlight: make(map[uuid.UUID]bool),
	}
	for _, recipient := range recipients {
		if recipient == nil {
			continue
		}
		repo.recipients[recipient.ID] = recipient
		repo.recipientOrder = append(repo.recipientOrder, recipient.ID)
	}
	return repo
}

func claimKey(recipientID, runKey string) string {
	return recipientID + "|" + runKey
}

// ListEligibleRecipients returns eligible recipients in insertion order,
// optionally filtered by region.
func (r *MemoryRepository) ListEligibleRecipients(ctx context.Context, region string) ([]*domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.Recipient, 0, len(r.recipientOrder))
	for _, id := range r.recipientOrder {
		recipient := r.recipients[id]
		if recipient == nil || !recipient.Eligible {
			continue
		}
		if region != "" && recipient.Region != region {
			continue
		}
		result = append(result, recipient)
	}
	return result, nil
}

func (r *MemoryRepository) FindRecipientByID(ctx context.Context, recipientID string) (*domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipient, ok := r.recipients[recipientID]
	if !ok {
		return nil, ErrRecipientNotFound
	}
	return recipient, nil
}

func (r *MemoryRepository) UpdateRecipientLastPayment(ctx context.Context, recipientID string, paidAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipient, ok := r.recipients[recipientID]
	if !ok {
		return ErrRecipientNotFound
	}
	recipient.LastPaymentAt = &paidAt
	return nil
}

// ClaimPayout claims the (recipientID, runKey) pair for the given transaction.
// Returns false when another transaction already holds the claim.
func (r *MemoryRepository) ClaimPayout(ctx context.Context, recipientID, runKey string, transactionID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := claimKey(recipientID, runKey)
	if _, exists := r.claims[key]; exists {
		return false, nil
	}
	r.claims[key] = transactionID
	return true, nil
}

func (r *MemoryRepository) ReleasePayout(ctx context.Context, recipientID, runKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.claims, claimKey(recipientID, runKey))
	return nil
}

func (r *MemoryRepository) CreateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[run.ID] = run
	return nil
}

func (r *MemoryRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, status string, totalDistributed int64, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.TotalDistributed = totalDistributed
	run.CompletedAt = &completedAt
	return nil
}

func (r *MemoryRepository) CreateBatch(ctx context.Context, runID uuid.UUID, batch *domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[runID]; !ok {
		return ErrRunNotFound
	}
	r.batches[batch.BatchID] = batch
	r.batchRun[batch.BatchID] = runID
	return nil
}

func (r *MemoryRepository) FinalizeBatch(ctx context.Context, batchID uuid.UUID, status string, totalAmount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.Status = status
	batch.TotalAmount = totalAmount
	return nil
}

func (r *MemoryRepository) CreateTransaction(ctx context.Context, batchID uuid.UUID, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transactions[tx.ID] = tx
	r.txBatch[tx.ID] = batchID
	return nil
}

// MarkTransactionConfirmed moves a transaction to its confirmed terminal state.
// Terminal states never revert; non-pending transactions are reported as not
// found, matching the Postgres status guard.
func (r *MemoryRepository) MarkTransactionConfirmed(ctx context.Context, transactionID uuid.UUID, backendReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return ErrTransactionNotFound
	}
	tx.Status = domain.TransactionStatusConfirmed
	tx.BackendReference = &backendReference
	r.byReference[backendReference] = transactionID
	delete(r.reconcileInFlight, transactionID)
	return nil
}

func (r *MemoryRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return ErrTransactionNotFound
	}
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &failureReason
	delete(r.reconcileInFlight, transactionID)
	return nil
}

func (r *MemoryRepository) FindTransactionByBackendReference(ctx context.Context, backendReference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txID, ok := r.byReference[backendReference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	tx, ok := r.transactions[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// ListPendingPayouts returns transactions still pending past the cutoff that are
// not already claimed by a reconciler pass.
func (r *MemoryRepository) ListPendingPayouts(ctx context.Context, limit int, olderThan time.Time) ([]*domain.PendingPayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.PendingPayout, 0)
	for txID, tx := range r.transactions {
		if tx.Status != domain.TransactionStatusPending {
			continue
		}
		if !tx.CreatedAt.Before(olderThan) {
			continue
		}
		if r.reconcileInFlight[txID] {
			continue
		}

		payout := &domain.PendingPayout{
			TransactionID: txID,
			RecipientID:   tx.RecipientID,
			Amount:        tx.Amount,
			CreatedAt:     tx.CreatedAt,
		}
		if recipient, ok := r.recipients[tx.RecipientID]; ok {
			payout.PayoutAddress = recipient.PayoutAddress
		}
		if batchID, ok := r.txBatch[txID]; ok {
			if runID, ok := r.batchRun[batchID]; ok {
				if run, ok := r.runs[runID]; ok {
					payout.RunKey = run.RunKey
				}
			}
		}

		result = append(result, payout)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *MemoryRepository) MarkPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[transactionID]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.Status != domain.TransactionStatusPending || r.reconcileInFlight[transactionID] {
		return false, nil
	}
	r.reconcileInFlight[transactionID] = true
	return true, nil
}

// ClearPayoutReconcileInFlight releases the reconciler claim so a later pass
// may retry a payout whose outcome stayed ambiguous.
func (r *MemoryRepository) ClearPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reconcileInFlight, transactionID)
	return nil
}
