package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/app"
	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/paymentclient"
)

const (
	testJWTSecret      = "test-operator-secret"
	testInternalAPIKey = "test-internal-key"
)

type alwaysAcceptBackend struct{}

func (alwaysAcceptBackend) SubmitPayout(ctx context.Context, payoutAddress string, amount int64, idempotencyKey, reason string) (*paymentclient.PayoutResponse, error) {
	resp := &paymentclient.PayoutResponse{}
	resp.Data.ID = "ref-" + payoutAddress
	resp.Data.Attributes.Accepted = true
	resp.Data.Attributes.Reference = "ref-" + payoutAddress
	resp.Data.Attributes.Status = "completed"
	return resp, nil
}

func newTestServer(t *testing.T, recipientCount int) (http.Handler, *app.Coordinator) {
	t.Helper()
	recipients := make([]*domain.Recipient, 0, recipientCount)
	for i := 0; i < recipientCount; i++ {
		recipients = append(recipients, &domain.Recipient{
			ID:            fmt.Sprintf("r%03d", i),
			DisplayName:   fmt.Sprintf("Recipient %d", i),
			PayoutAddress: fmt.Sprintf("addr-%03d", i),
			Region:        "east",
			Eligible:      true,
		})
	}
	repo := store.NewMemoryRepository(recipients)

	factory := app.NewTransactionFactory(repo, alwaysAcceptBackend{})
	factory.ConfigurePayoutPolicy(time.Second, 0, time.Millisecond, time.Hour)
	processor := app.NewBatchProcessor(repo, factory, 10)
	coordinator := app.NewCoordinator(repo, processor)
	reconciler := app.NewReconciler(repo, alwaysAcceptBackend{})

	handlers := NewDisbursementHandlers(coordinator, reconciler, repo)
	return DisbursementRoutes(handlers, testJWTSecret, testInternalAPIKey), coordinator
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authedRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartDisbursement_RequiresAuth(t *testing.T) {
	router, _ := newTestServer(t, 5)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/disbursements", bytes.NewBufferString(`{"amount_per_recipient":100}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestStartDisbursement_RejectsBadToken(t *testing.T) {
	router, _ := newTestServer(t, 5)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator-1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/disbursements", bytes.NewBufferString(`{"amount_per_recipient":100}`))
	req.Header.Set("Authorization", "Bearer "+signed)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", rec.Code)
	}
}

func TestStartDisbursement_SynchronousRun(t *testing.T) {
	router, _ := newTestServer(t, 25)

	rec := httptest.NewRecorder()
	req := authedRequest(t, "POST", "/disbursements", domain.StartDisbursementRequest{
		RunKey:             "api-sync",
		AmountPerRecipient: 100,
		Wait:               true,
	})
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID            string `json:"run_id"`
		Status           string `json:"status"`
		TotalBatches     int    `json:"total_batches"`
		TotalDistributed int64  `json:"total_distributed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
	if resp.TotalBatches != 3 || resp.TotalDistributed != 2500 {
		t.Fatalf("unexpected totals: %+v", resp)
	}

	// The stats surface agrees with the run response.
	statsRec := httptest.NewRecorder()
	router.ServeHTTP(statsRec, authedRequest(t, "GET", "/disbursements/"+resp.RunID+"/stats", nil))
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", statsRec.Code)
	}
	var stats domain.RunStats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.SuccessfulTransactions != 25 || stats.SuccessRate != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStartDisbursement_AsyncReturnsAccepted(t *testing.T) {
	router, _ := newTestServer(t, 5)

	rec := httptest.NewRecorder()
	req := authedRequest(t, "POST", "/disbursements", domain.StartDisbursementRequest{
		RunKey:             "api-async",
		AmountPerRecipient: 100,
	})
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID == "" {
		t.Fatal("expected a run id in the accepted response")
	}
}

func TestStartDisbursement_Validation(t *testing.T) {
	router, _ := newTestServer(t, 5)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "invalid json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "zero amount", body: `{"amount_per_recipient":0}`, wantCode: http.StatusBadRequest},
		{name: "no matching recipients", body: `{"amount_per_recipient":100,"region":"nowhere","wait":true}`, wantCode: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/disbursements", bytes.NewBufferString(tt.body))
			req.Header.Set("Authorization", "Bearer "+operatorToken(t))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	router, _ := newTestServer(t, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "GET", "/disbursements/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "GET", "/disbursements/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func TestGetBatch_ByEventIDAndByPosition(t *testing.T) {
	router, coordinator := newTestServer(t, 25)

	run, err := coordinator.DistributeEligible(context.Background(), domain.StartDisbursementRequest{
		RunKey:             "batch-lookup",
		AmountPerRecipient: 100,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(run.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(run.Batches))
	}

	// Lookup by the batch id carried in batch-completed events.
	batchID := run.Batches[1].BatchID
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "GET", "/disbursements/"+run.ID.String()+"/batches/"+batchID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch domain.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.BatchID != batchID || batch.BatchIndex != 1 {
		t.Fatalf("unexpected batch: id=%s index=%d", batch.BatchID, batch.BatchIndex)
	}

	// Positional lookup still works.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "GET", "/disbursements/"+run.ID.String()+"/batches/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for positional lookup, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "GET", "/disbursements/"+run.ID.String()+"/batches/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown batch id, got %d", rec.Code)
	}
}

func TestStopRun_FinishedRunConflicts(t *testing.T) {
	router, coordinator := newTestServer(t, 5)

	run, err := coordinator.DistributeEligible(context.Background(), domain.StartDisbursementRequest{
		RunKey:             "finished",
		AmountPerRecipient: 100,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, "POST", "/disbursements/"+run.ID.String()+"/stop", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a finished run, got %d", rec.Code)
	}
}

func TestInternalReconcile_RequiresAPIKey(t *testing.T) {
	router, _ := newTestServer(t, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/internal/reconcile", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set(InternalAPIKeyHeader, "wrong-key")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/internal/reconcile", nil)
	req.Header.Set(InternalAPIKeyHeader, testInternalAPIKey)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the key, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.ReconcileResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
