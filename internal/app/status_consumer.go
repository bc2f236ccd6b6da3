/**
 * @description
 * Consumer-side handler for asynchronous payout status events. Some backends
 * settle payouts after the synchronous API call returns; the webhook bridge
 * publishes the settlement as a message, and this handler resolves the matching
 * transaction by its backend reference.
 *
 * @dependencies
 * - context, encoding/json, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
)

const statusEventTimeout = 10 * time.Second

// PayoutStatusConsumer applies asynchronous payout settlement events to stored
// transactions.
type PayoutStatusConsumer struct {
	repo store.Repository
}

// NewPayoutStatusConsumer creates a consumer over the repository.
func NewPayoutStatusConsumer(repo store.Repository) *PayoutStatusConsumer {
	return &PayoutStatusConsumer{repo: repo}
}

// HandleMessage processes one payout status message. The returned bool drives
// the broker ack: true acknowledges, false re-queues for another attempt.
func (c *PayoutStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PayoutStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=status_consumer msg=\"unparsable payout status event; dropping\" err=%v", err)
		return true // malformed messages never become parsable; drop them
	}
	if event.BackendReference == "" {
		log.Printf("level=warn component=status_consumer msg=\"payout status event without reference; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusEventTimeout)
	defer cancel()

	tx, err := c.repo.FindTransactionByBackendReference(ctx, event.BackendReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// The reference may belong to a payout confirmed on another instance
			// whose write has not landed yet; re-queue and let redelivery retry.
			log.Printf("level=warn component=status_consumer msg=\"no transaction for reference; re-queuing\" reference=%s", event.BackendReference)
			return false
		}
		log.Printf("level=error component=status_consumer msg=\"transaction lookup failed; re-queuing\" reference=%s err=%v", event.BackendReference, err)
		return false
	}

	switch event.Status {
	case domain.TransactionStatusConfirmed:
		if tx.Status != domain.TransactionStatusPending {
			return true // terminal states never revert
		}
		if err := c.repo.MarkTransactionConfirmed(ctx, tx.ID, event.BackendReference); err != nil {
			log.Printf("level=error component=status_consumer msg=\"confirm failed; re-queuing\" transaction_id=%s err=%v", tx.ID, err)
			return false
		}
		if err := c.repo.UpdateRecipientLastPayment(ctx, tx.RecipientID, time.Now().UTC()); err != nil {
			log.Printf("level=warn component=status_consumer msg=\"last payment update failed\" recipient_id=%s err=%v", tx.RecipientID, err)
		}
		log.Printf("level=info component=status_consumer msg=\"payout settled via status event\" transaction_id=%s reference=%s", tx.ID, event.BackendReference)
		return true

	case domain.TransactionStatusFailed:
		if tx.Status != domain.TransactionStatusPending {
			return true // terminal states never revert
		}
		reason := event.Reason
		if reason == "" {
			reason = "payout failed per backend status event"
		}
		if err := c.repo.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
			log.Printf("level=error component=status_consumer msg=\"fail transition failed; re-queuing\" transaction_id=%s err=%v", tx.ID, err)
			return false
		}
		log.Printf("level=info component=status_consumer msg=\"payout failed via status event\" transaction_id=%s reason=%q", tx.ID, reason)
		return true

	default:
		log.Printf("level=warn component=status_consumer msg=\"unknown payout status; dropping\" status=%s reference=%s", event.Status, event.BackendReference)
		return true
	}
}
