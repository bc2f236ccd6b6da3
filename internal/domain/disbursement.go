/**
 * @description
 * This file defines the core domain models for the disbursement-service.
 * These structs represent the main entities used throughout the engine's
 * business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (minor units), which avoids floating-point inaccuracies with financial data.
 * - A Transaction is created exactly once per (recipient, batch) pairing and never
 *   transitions from a terminal state back to `pending`.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. `pending` is the only non-terminal state.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusConfirmed = "confirmed"
	TransactionStatusFailed    = "failed"
)

// Batch statuses. Transitions are strictly pending -> processing -> {complete|failed};
// `failed` is reachable only on an unrecoverable processor error, never from
// individual payout failures.
const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusComplete   = "complete"
	BatchStatusFailed     = "failed"
)

// Run statuses.
const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusStopped    = "stopped"
	RunStatusFailed     = "failed"
)

// Recipient is an entity eligible to receive a payment. Only `LastPaymentAt` is
// mutated during a run; recipients are never deleted while a run is in flight.
type Recipient struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	PayoutAddress string     `json:"payout_address"`
	Region        string     `json:"region"` // reporting only, never control flow
	Eligible      bool       `json:"eligible"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
}

// Transaction is the record of one attempted payment to one recipient.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	RecipientID      string    `json:"recipient_id"`
	Amount           int64     `json:"amount"` // minor units
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	BackendReference *string   `json:"backend_reference,omitempty"`
	FailureReason    *string   `json:"failure_reason,omitempty"`
}

// Batch is a contiguous subset of recipients processed together in one pass.
// TotalAmount sums only confirmed transactions: payouts that never happened
// must not inflate the distributed total.
type Batch struct {
	BatchID            uuid.UUID      `json:"batch_id"`
	BatchIndex         int            `json:"batch_index"`
	RecipientCount     int            `json:"recipient_count"`
	TotalAmount        int64          `json:"total_amount"`
	AmountPerRecipient int64          `json:"amount_per_recipient"`
	CreatedAt          time.Time      `json:"created_at"`
	Status             string         `json:"status"`
	Transactions       []*Transaction `json:"transactions"`
}

// ConfirmedCount returns the number of transactions in the batch that reached
// the confirmed state.
func (b *Batch) ConfirmedCount() int {
	count := 0
	for _, tx := range b.Transactions {
		if tx != nil && tx.Status == TransactionStatusConfirmed {
			count++
		}
	}
	return count
}

// Run aggregates all batches produced by one invocation of the distribution
// operation. TotalDistributed is monotonically non-decreasing during a run and
// covers completed batches only.
type Run struct {
	ID                 uuid.UUID  `json:"id"`
	RunKey             string     `json:"run_key"`
	Status             string     `json:"status"`
	AmountPerRecipient int64      `json:"amount_per_recipient"`
	RecipientCount     int        `json:"recipient_count"`
	TotalBatches       int        `json:"total_batches"`
	TotalDistributed   int64      `json:"total_distributed"`
	Batches            []*Batch   `json:"batches"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// RunStats is the derived statistics surface for a run. All fields are computed
// by scanning stored batches; TotalDistributed is the only running counter.
type RunStats struct {
	TotalBatches           int     `json:"total_batches"`
	TotalDistributed       int64   `json:"total_distributed"`
	TotalTransactions      int     `json:"total_transactions"`
	SuccessfulTransactions int     `json:"successful_transactions"`
	SuccessRate            float64 `json:"success_rate"` // percent, 0 when no transactions
	AverageBatchSize       float64 `json:"average_batch_size"`
}

// StartDisbursementRequest is the DTO for initiating a run via the API.
type StartDisbursementRequest struct {
	RunKey             string `json:"run_key"`
	AmountPerRecipient int64  `json:"amount_per_recipient"` // minor units
	Region             string `json:"region,omitempty"`
	Wait               bool   `json:"wait,omitempty"`
}

// PendingPayout is a reconciliation candidate: a transaction left pending because
// the backend outcome was ambiguous (timeout, connection reset mid-call).
type PendingPayout struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	RecipientID   string    `json:"recipient_id"`
	PayoutAddress string    `json:"payout_address"`
	Amount        int64     `json:"amount"`
	RunKey        string    `json:"run_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconcileResult summarizes one pass of the pending-payout reconciliation job.
type ReconcileResult struct {
	Processed         int `json:"processed"`
	Confirmed         int `json:"confirmed"`
	ExplicitRejects   int `json:"explicit_rejects"`
	AmbiguousFailures int `json:"ambiguous_failures"`
}
