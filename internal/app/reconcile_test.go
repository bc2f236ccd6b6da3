package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/paymentclient"
)

// seedAmbiguousPayout creates a pending transaction with a held claim, the
// state the factory leaves behind after an ambiguous backend outcome.
func seedAmbiguousPayout(t *testing.T, repo *store.MemoryRepository, recipient *domain.Recipient, runKey string, age time.Duration) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	runID := uuid.New()
	run := &domain.Run{ID: runID, RunKey: runKey, Status: domain.RunStatusProcessing, StartedAt: time.Now().UTC()}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	batchID := uuid.New()
	batch := &domain.Batch{BatchID: batchID, Status: domain.BatchStatusProcessing, CreatedAt: time.Now().UTC()}
	if err := repo.CreateBatch(ctx, runID, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	txID := uuid.New()
	tx := &domain.Transaction{
		ID:          txID,
		RecipientID: recipient.ID,
		Amount:      500,
		Status:      domain.TransactionStatusPending,
		CreatedAt:   time.Now().UTC().Add(-age),
	}
	if err := repo.CreateTransaction(ctx, batchID, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if _, err := repo.ClaimPayout(ctx, recipient.ID, runKey, txID); err != nil {
		t.Fatalf("claim payout: %v", err)
	}
	return txID
}

func newTestReconciler(repo *store.MemoryRepository, backend PaymentBackend) *Reconciler {
	reconciler := NewReconciler(repo, backend)
	reconciler.SetPolicy(100, time.Minute)
	return reconciler
}

func TestReconcile_ConfirmsSettledPayout(t *testing.T) {
	recipient := testRecipient("r1")
	repo := store.NewMemoryRepository([]*domain.Recipient{recipient})
	txID := seedAmbiguousPayout(t, repo, recipient, "run-key", time.Hour)

	backend := &scriptedBackend{script: func(call int, payoutAddress, idempotencyKey string) (*paymentclient.PayoutResponse, error) {
		// The backend recognizes the idempotency key and reports the payout done.
		if idempotencyKey != payoutIdempotencyKey("run-key", recipient.ID) {
			t.Errorf("unexpected idempotency key %q", idempotencyKey)
		}
		return acceptedResponse("ref-settled"), nil
	}}
	reconciler := newTestReconciler(repo, backend)

	result, err := reconciler.ReconcilePendingPayouts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Confirmed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	tx, err := repo.FindTransactionByBackendReference(context.Background(), "ref-settled")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tx.ID != txID || tx.Status != domain.TransactionStatusConfirmed {
		t.Fatalf("expected transaction confirmed, got %+v", tx)
	}
	if recipient.LastPaymentAt == nil {
		t.Fatal("expected last payment timestamp to be set")
	}
}

func TestReconcile_ExplicitRejectionFailsAndReleasesClaim(t *testing.T) {
	recipient := testRecipient("r1")
	repo := store.NewMemoryRepository([]*domain.Recipient{recipient})
	seedAmbiguousPayout(t, repo, recipient, "run-key", time.Hour)

	backend := &scriptedBackend{script: func(call int, payoutAddress, idempotencyKey string) (*paymentclient.PayoutResponse, error) {
		return nil, rejectionError()
	}}
	reconciler := newTestReconciler(repo, backend)

	result, err := reconciler.ReconcilePendingPayouts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.ExplicitRejects != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The claim is released so a later run may retry the recipient.
	claimed, err := repo.ClaimPayout(context.Background(), recipient.ID, "run-key", uuid.New())
	if err != nil || !claimed {
		t.Fatalf("expected claim released, claimed=%t err=%v", claimed, err)
	}
}

func TestReconcile_StillAmbiguousStaysPendingForNextPass(t *testing.T) {
	recipient := testRecipient("r1")
	repo := store.NewMemoryRepository([]*domain.Recipient{recipient})
	seedAmbiguousPayout(t, repo, recipient, "run-key", time.Hour)

	backend := &scriptedBackend{script: func(call int, payoutAddress, idempotencyKey string) (*paymentclient.PayoutResponse, error) {
		if call == 1 {
			return nil, transientError()
		}
		return acceptedResponse("ref-eventually"), nil
	}}
	reconciler := newTestReconciler(repo, backend)

	first, err := reconciler.ReconcilePendingPayouts(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.AmbiguousFailures != 1 || first.Confirmed != 0 {
		t.Fatalf("unexpected first pass: %+v", first)
	}

	// The in-flight marker was cleared, so the next pass picks it up again.
	second, err := reconciler.ReconcilePendingPayouts(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Processed != 1 || second.Confirmed != 1 {
		t.Fatalf("unexpected second pass: %+v", second)
	}
}

func TestReconcile_RespectsMinimumPendingAge(t *testing.T) {
	recipient := testRecipient("r1")
	repo := store.NewMemoryRepository([]*domain.Recipient{recipient})
	// Transaction created just now: younger than the one-minute cutoff.
	seedAmbiguousPayout(t, repo, recipient, "run-key", 0)

	backend := acceptingBackend()
	reconciler := newTestReconciler(repo, backend)

	result, err := reconciler.ReconcilePendingPayouts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("recent pending payouts must be left alone, got %+v", result)
	}
	if backend.callCount() != 0 {
		t.Fatalf("backend must not be called, got %d calls", backend.callCount())
	}
}
