package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
)

type statusConsumerRepoStub struct {
	store.Repository

	tx *domain.Transaction

	confirmedCalled   bool
	confirmedRef      string
	failedCalled      bool
	failedReason      string
	lastPaymentCalled bool
}

func (s *statusConsumerRepoStub) FindTransactionByBackendReference(ctx context.Context, backendReference string) (*domain.Transaction, error) {
	if s.tx == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *statusConsumerRepoStub) MarkTransactionConfirmed(ctx context.Context, transactionID uuid.UUID, backendReference string) error {
	s.confirmedCalled = true
	s.confirmedRef = backendReference
	return nil
}

func (s *statusConsumerRepoStub) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) error {
	s.failedCalled = true
	s.failedReason = failureReason
	return nil
}

func (s *statusConsumerRepoStub) UpdateRecipientLastPayment(ctx context.Context, recipientID string, paidAt time.Time) error {
	s.lastPaymentCalled = true
	return nil
}

func pendingTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:          uuid.New(),
		RecipientID: "r1",
		Amount:      500,
		Status:      domain.TransactionStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestHandleMessage_ConfirmsPendingTransaction(t *testing.T) {
	repo := &statusConsumerRepoStub{tx: pendingTransaction()}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-1","status":"confirmed"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack")
	}
	if !repo.confirmedCalled || repo.confirmedRef != "ref-1" {
		t.Fatalf("expected confirmation with ref-1, got %+v", repo)
	}
	if !repo.lastPaymentCalled {
		t.Fatal("expected last payment update")
	}
}

func TestHandleMessage_FailsPendingTransactionWithReason(t *testing.T) {
	repo := &statusConsumerRepoStub{tx: pendingTransaction()}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-1","status":"failed","reason":"account closed"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack")
	}
	if !repo.failedCalled || repo.failedReason != "account closed" {
		t.Fatalf("expected failure with reason, got %+v", repo)
	}
}

func TestHandleMessage_TerminalStatesNeverRevert(t *testing.T) {
	confirmed := pendingTransaction()
	confirmed.Status = domain.TransactionStatusConfirmed
	repo := &statusConsumerRepoStub{tx: confirmed}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-1","status":"failed","reason":"late failure replay"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a replayed event")
	}
	if repo.failedCalled {
		t.Fatal("a confirmed transaction must not be failed by a replay")
	}
}

func TestHandleMessage_LateConfirmationNeverRevertsFailure(t *testing.T) {
	failed := pendingTransaction()
	failed.Status = domain.TransactionStatusFailed
	repo := &statusConsumerRepoStub{tx: failed}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-1","status":"confirmed"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a late confirmation")
	}
	if repo.confirmedCalled {
		t.Fatal("a failed transaction must not be confirmed by a late event")
	}
	if repo.lastPaymentCalled {
		t.Fatal("no last payment update for a dropped event")
	}
}

func TestHandleMessage_ConfirmedReplayIsIdempotent(t *testing.T) {
	confirmed := pendingTransaction()
	confirmed.Status = domain.TransactionStatusConfirmed
	repo := &statusConsumerRepoStub{tx: confirmed}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-1","status":"confirmed"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack")
	}
	if repo.confirmedCalled {
		t.Fatal("no repeated write for an already-confirmed transaction")
	}
}

func TestHandleMessage_UnknownReferenceRequeues(t *testing.T) {
	repo := &statusConsumerRepoStub{}
	consumer := NewPayoutStatusConsumer(repo)

	body := []byte(`{"backend_reference":"ref-unknown","status":"confirmed"}`)
	if consumer.HandleMessage(body) {
		t.Fatal("expected nack for an unknown reference")
	}
}

func TestHandleMessage_MalformedPayloadsAreDropped(t *testing.T) {
	repo := &statusConsumerRepoStub{tx: pendingTransaction()}
	consumer := NewPayoutStatusConsumer(repo)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "invalid json", body: []byte(`{not json`)},
		{name: "missing reference", body: []byte(`{"status":"confirmed"}`)},
		{name: "unknown status", body: []byte(`{"backend_reference":"ref-1","status":"sideways"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !consumer.HandleMessage(tt.body) {
				t.Fatal("malformed payloads must be acknowledged to drop")
			}
			if repo.confirmedCalled || repo.failedCalled {
				t.Fatalf("no state change expected: %+v", repo)
			}
		})
	}
}
