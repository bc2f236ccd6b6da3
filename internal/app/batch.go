/**
 * @description
 * The BatchProcessor drives the TransactionFactory over one batch of recipients
 * and produces a completed Batch record. A batch tolerates individual payout
 * failures: it completes with every transaction accounted for regardless of
 * outcome, and only an unrecoverable processor error marks it failed.
 *
 * @dependencies
 * - context, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For batch ids.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
)

// DefaultMaxBatchSize bounds how many recipients one batch may carry, which in
// turn bounds memory and outstanding backend load for a run.
const DefaultMaxBatchSize = 10000

var (
	ErrEmptyBatch        = errors.New("batch must contain at least one recipient")
	ErrBatchSizeExceeded = errors.New("batch exceeds the configured maximum size")
)

// BatchProcessor processes one batch of recipients against the factory.
type BatchProcessor struct {
	repo         store.Repository
	factory      *TransactionFactory
	maxBatchSize int
	concurrency  int
}

// NewBatchProcessor creates a processor. maxBatchSize <= 0 selects the default;
// batches run sequentially until SetConcurrency raises the worker count.
func NewBatchProcessor(repo store.Repository, factory *TransactionFactory, maxBatchSize int) *BatchProcessor {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &BatchProcessor{
		repo:         repo,
		factory:      factory,
		maxBatchSize: maxBatchSize,
		concurrency:  1,
	}
}

// SetConcurrency bounds how many payouts may be in flight within one batch.
// Transaction order in the batch always matches recipient input order; only
// completion order differs under concurrency.
func (p *BatchProcessor) SetConcurrency(n int) {
	if n >= 1 {
		p.concurrency = n
	}
}

// MaxBatchSize returns the configured per-batch recipient bound.
func (p *BatchProcessor) MaxBatchSize() int {
	return p.maxBatchSize
}

// ProcessBatch processes one batch of recipients and returns the completed
// Batch. A non-nil error is returned only for invalid input or an unrecoverable
// processor failure, in which case the batch carries status failed.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, runID uuid.UUID, runKey string, recipients []*domain.Recipient, amountPerRecipient int64, batchIndex, totalBatches int) (batch *domain.Batch, err error) {
	if len(recipients) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(recipients) > p.maxBatchSize {
		return nil, ErrBatchSizeExceeded
	}
	if amountPerRecipient <= 0 {
		return nil, ErrNonPositiveAmount
	}

	batch = &domain.Batch{
		BatchID:            uuid.New(),
		BatchIndex:         batchIndex,
		RecipientCount:     len(recipients),
		AmountPerRecipient: amountPerRecipient,
		CreatedAt:          time.Now().UTC(),
		Status:             domain.BatchStatusPending,
		Transactions:       make([]*domain.Transaction, len(recipients)),
	}
	if persistErr := p.repo.CreateBatch(ctx, runID, batch); persistErr != nil {
		log.Printf("level=warn component=batch_processor msg=\"batch persistence failed; continuing\" batch_id=%s err=%v", batch.BatchID, persistErr)
	}

	defer func() {
		if r := recover(); r != nil {
			batch.Status = domain.BatchStatusFailed
			batch.TotalAmount = sumConfirmed(batch)
			err = fmt.Errorf("batch %d processing aborted: %v", batchIndex, r)
			if persistErr := p.repo.FinalizeBatch(ctx, batch.BatchID, batch.Status, batch.TotalAmount); persistErr != nil {
				log.Printf("level=warn component=batch_processor msg=\"failed-batch persistence failed\" batch_id=%s err=%v", batch.BatchID, persistErr)
			}
		}
	}()

	batch.Status = domain.BatchStatusProcessing
	log.Printf("level=info component=batch_processor msg=\"batch started\" batch=%d total_batches=%d recipients=%d", batchIndex+1, totalBatches, len(recipients))

	if p.concurrency > 1 {
		p.processConcurrently(ctx, runKey, batch, recipients)
	} else {
		p.processSequentially(ctx, runKey, batch, recipients)
	}

	batch.TotalAmount = sumConfirmed(batch)
	batch.Status = domain.BatchStatusComplete
	if persistErr := p.repo.FinalizeBatch(ctx, batch.BatchID, batch.Status, batch.TotalAmount); persistErr != nil {
		log.Printf("level=warn component=batch_processor msg=\"batch finalize persistence failed\" batch_id=%s err=%v", batch.BatchID, persistErr)
	}

	return batch, nil
}

func (p *BatchProcessor) processSequentially(ctx context.Context, runKey string, batch *domain.Batch, recipients []*domain.Recipient) {
	for i, recipient := range recipients {
		// Cooperative stop between individual payouts: remaining recipients are
		// recorded as failed without touching the backend or any claim.
		if ctx.Err() != nil {
			p.fillStopped(ctx, batch, recipients, i)
			return
		}
		batch.Transactions[i] = p.createTransaction(ctx, runKey, batch, recipient)
	}
}

func (p *BatchProcessor) processConcurrently(ctx context.Context, runKey string, batch *domain.Batch, recipients []*domain.Recipient) {
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		if ctx.Err() != nil {
			wg.Wait()
			p.fillStopped(ctx, batch, recipients, i)
			return
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, recipient *domain.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					batch.Transactions[i] = p.recordPreconditionFailure(ctx, batch, recipient, fmt.Errorf("payout worker panic: %v", r))
				}
			}()
			batch.Transactions[i] = p.createTransaction(ctx, runKey, batch, recipient)
		}(i, recipient)
	}
	wg.Wait()
}

func (p *BatchProcessor) createTransaction(ctx context.Context, runKey string, batch *domain.Batch, recipient *domain.Recipient) *domain.Transaction {
	tx, err := p.factory.CreateTransaction(ctx, runKey, batch.BatchID, recipient, batch.AmountPerRecipient)
	if err != nil {
		// Precondition violations (ineligible recipient, canceled context) still
		// produce a transaction record so the batch accounts for every recipient.
		return p.recordPreconditionFailure(ctx, batch, recipient, err)
	}
	return tx
}

func (p *BatchProcessor) fillStopped(ctx context.Context, batch *domain.Batch, recipients []*domain.Recipient, from int) {
	for i := from; i < len(recipients); i++ {
		if batch.Transactions[i] != nil {
			continue
		}
		batch.Transactions[i] = p.recordPreconditionFailure(ctx, batch, recipients[i], errors.New("disbursement stopped before payout"))
	}
}

func (p *BatchProcessor) recordPreconditionFailure(ctx context.Context, batch *domain.Batch, recipient *domain.Recipient, cause error) *domain.Transaction {
	reason := cause.Error()
	tx := &domain.Transaction{
		ID:            uuid.New(),
		Amount:        batch.AmountPerRecipient,
		Status:        domain.TransactionStatusFailed,
		CreatedAt:     time.Now().UTC(),
		FailureReason: &reason,
	}
	if recipient != nil {
		tx.RecipientID = recipient.ID
	}
	if err := p.repo.CreateTransaction(ctx, batch.BatchID, tx); err != nil {
		log.Printf("level=warn component=batch_processor msg=\"failed-transaction persistence failed\" transaction_id=%s err=%v", tx.ID, err)
	}
	return tx
}

func sumConfirmed(batch *domain.Batch) int64 {
	var total int64
	for _, tx := range batch.Transactions {
		if tx != nil && tx.Status == domain.TransactionStatusConfirmed {
			total += tx.Amount
		}
	}
	return total
}
