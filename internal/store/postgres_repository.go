/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to recipients, runs, batches, transactions, and payout claims.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/disbursement-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListEligibleRecipients retrieves eligible recipients, optionally filtered by region.
// Ordering by id keeps batch partitioning stable across identical runs.
func (r *PostgresRepository) ListEligibleRecipients(ctx context.Context, region string) ([]*domain.Recipient, error) {
	query := `
		SELECT id, display_name, payout_address, region, eligible, last_payment_at
		FROM recipients
		WHERE eligible = TRUE AND ($1 = '' OR region = $1)
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []*domain.Recipient
	for rows.Next() {
		var recipient domain.Recipient
		if err := rows.Scan(
			&recipient.ID,
			&recipient.DisplayName,
			&recipient.PayoutAddress,
			&recipient.Region,
			&recipient.Eligible,
			&recipient.LastPaymentAt,
		); err != nil {
			return nil, err
		}
		recipients = append(recipients, &recipient)
	}
	return recipients, rows.Err()
}

// FindRecipientByID retrieves a recipient by its stable identifier.
func (r *PostgresRepository) FindRecipientByID(ctx context.Context, recipientID string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	query := `
		SELECT id, display_name, payout_address, region, eligible, last_payment_at
		FROM recipients WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, recipientID).Scan(
		&recipient.ID,
		&recipient.DisplayName,
		&recipient.PayoutAddress,
		&recipient.Region,
		&recipient.Eligible,
		&recipient.LastPaymentAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// UpdateRecipientLastPayment records the confirmation time of the latest payout.
func (r *PostgresRepository) UpdateRecipientLastPayment(ctx context.Context, recipientID string, paidAt time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE recipients SET last_payment_at = $2 WHERE id = $1`, recipientID, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

// ClaimPayout atomically claims the (recipient, run key) pair. The unique
// constraint on payout_claims(recipient_id, run_key) is the idempotency authority.
func (r *PostgresRepository) ClaimPayout(ctx context.Context, recipientID, runKey string, transactionID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO payout_claims (recipient_id, run_key, transaction_id, claimed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (recipient_id, run_key) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, recipientID, runKey, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleasePayout removes a claim after a decisive payout failure so a later run
// may legitimately retry the recipient.
func (r *PostgresRepository) ReleasePayout(ctx context.Context, recipientID, runKey string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM payout_claims WHERE recipient_id = $1 AND run_key = $2`, recipientID, runKey)
	return err
}

func (r *PostgresRepository) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (id, run_key, status, amount_per_recipient, recipient_count, total_batches, total_distributed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		run.ID, run.RunKey, run.Status, run.AmountPerRecipient,
		run.RecipientCount, run.TotalBatches, run.TotalDistributed, run.StartedAt,
	)
	return err
}

func (r *PostgresRepository) FinalizeRun(ctx context.Context, runID uuid.UUID, status string, totalDistributed int64, completedAt time.Time) error {
	query := `UPDATE runs SET status = $2, total_distributed = $3, completed_at = $4 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, runID, status, totalDistributed, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateBatch(ctx context.Context, runID uuid.UUID, batch *domain.Batch) error {
	query := `
		INSERT INTO batches (id, run_id, batch_index, recipient_count, total_amount, amount_per_recipient, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		batch.BatchID, runID, batch.BatchIndex, batch.RecipientCount,
		batch.TotalAmount, batch.AmountPerRecipient, batch.Status, batch.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) FinalizeBatch(ctx context.Context, batchID uuid.UUID, status string, totalAmount int64) error {
	query := `UPDATE batches SET status = $2, total_amount = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, batchID, status, totalAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateTransaction(ctx context.Context, batchID uuid.UUID, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, batch_id, recipient_id, amount, status, created_at, backend_reference, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID, batchID, tx.RecipientID, tx.Amount, tx.Status, tx.CreatedAt,
		tx.BackendReference, tx.FailureReason,
	)
	return err
}

// MarkTransactionConfirmed moves a transaction to its confirmed terminal state.
// The status guard in the WHERE clause enforces that terminal states never revert.
func (r *PostgresRepository) MarkTransactionConfirmed(ctx context.Context, transactionID uuid.UUID, backendReference string) error {
	query := `
		UPDATE transactions
		SET status = 'confirmed', backend_reference = $2, failure_reason = NULL, reconcile_in_flight = FALSE
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, transactionID, backendReference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	query := `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, reconcile_in_flight = FALSE
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, transactionID, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) FindTransactionByBackendReference(ctx context.Context, backendReference string) (*domain.Transaction, error) {
	var tx domain.Transaction
	query := `
		SELECT id, recipient_id, amount, status, created_at, backend_reference, failure_reason
		FROM transactions WHERE backend_reference = $1
	`
	err := r.db.QueryRow(ctx, query, backendReference).Scan(
		&tx.ID, &tx.RecipientID, &tx.Amount, &tx.Status, &tx.CreatedAt,
		&tx.BackendReference, &tx.FailureReason,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// ListPendingPayouts returns reconciliation candidates: transactions still pending
// past the cutoff that no reconciler pass has claimed yet.
func (r *PostgresRepository) ListPendingPayouts(ctx context.Context, limit int, olderThan time.Time) ([]*domain.PendingPayout, error) {
	query := `
		SELECT t.id, t.recipient_id, rec.payout_address, t.amount, runs.run_key, t.created_at
		FROM transactions t
		JOIN batches b ON b.id = t.batch_id
		JOIN runs ON runs.id = b.run_id
		JOIN recipients rec ON rec.id = t.recipient_id
		WHERE t.status = 'pending' AND t.reconcile_in_flight = FALSE AND t.created_at < $2
		ORDER BY t.created_at
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []*domain.PendingPayout
	for rows.Next() {
		var payout domain.PendingPayout
		if err := rows.Scan(
			&payout.TransactionID, &payout.RecipientID, &payout.PayoutAddress,
			&payout.Amount, &payout.RunKey, &payout.CreatedAt,
		); err != nil {
			return nil, err
		}
		payouts = append(payouts, &payout)
	}
	return payouts, rows.Err()
}

func (r *PostgresRepository) MarkPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	query := `
		UPDATE transactions SET reconcile_in_flight = TRUE
		WHERE id = $1 AND status = 'pending' AND reconcile_in_flight = FALSE
	`
	tag, err := r.db.Exec(ctx, query, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearPayoutReconcileInFlight releases the reconciler claim so a later pass may
// retry a payout whose outcome stayed ambiguous.
func (r *PostgresRepository) ClearPayoutReconcileInFlight(ctx context.Context, transactionID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE transactions SET reconcile_in_flight = FALSE WHERE id = $1`, transactionID)
	return err
}
