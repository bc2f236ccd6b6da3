/**
 * @description
 * Event payloads emitted by the distribution coordinator and consumed from the
 * message broker by the payout status consumer.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchCompletedEvent is published after every batch reaches a terminal state.
type BatchCompletedEvent struct {
	RunID              uuid.UUID `json:"run_id"`
	RunKey             string    `json:"run_key"`
	BatchID            uuid.UUID `json:"batch_id"`
	BatchIndex         int       `json:"batch_index"`
	TotalBatches       int       `json:"total_batches"`
	RecipientCount     int       `json:"recipient_count"`
	ConfirmedCount     int       `json:"confirmed_count"`
	TotalAmount        int64     `json:"total_amount"`
	AmountPerRecipient int64     `json:"amount_per_recipient"`
	Timestamp          time.Time `json:"timestamp"`
}

// RunCompletedEvent is published once after the last batch of a run.
type RunCompletedEvent struct {
	RunID                  uuid.UUID `json:"run_id"`
	RunKey                 string    `json:"run_key"`
	Status                 string    `json:"status"`
	TotalBatches           int       `json:"total_batches"`
	TotalDistributed       int64     `json:"total_distributed"`
	TotalTransactions      int       `json:"total_transactions"`
	SuccessfulTransactions int       `json:"successful_transactions"`
	Timestamp              time.Time `json:"timestamp"`
}

// PayoutStatusEvent is the message payload the payment backend (or its webhook
// bridge) publishes when a previously ambiguous payout settles asynchronously.
type PayoutStatusEvent struct {
	BackendReference string `json:"backend_reference"`
	Status           string `json:"status"` // confirmed | failed
	Reason           string `json:"reason,omitempty"`
}
