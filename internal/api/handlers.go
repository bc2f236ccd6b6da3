/**
 * @description
 * This file contains the HTTP handlers for the disbursement-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the coordinator, and writing the HTTP response. They act
 * as the bridge between the web layer and the engine.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - github.com/google/uuid: For run id parsing.
 * - internal/app, internal/domain, internal/store: For engine logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/app"
	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
)

// DisbursementHandlers holds the engine components that handlers will use.
type DisbursementHandlers struct {
	coordinator *app.Coordinator
	reconciler  *app.Reconciler
	repo        store.Repository
}

// runResponse is the API shape of a run without its full batch payload; batch
// details are fetched per batch to keep large run responses bounded.
type runResponse struct {
	RunID              string  `json:"run_id"`
	RunKey             string  `json:"run_key"`
	Status             string  `json:"status"`
	AmountPerRecipient int64   `json:"amount_per_recipient"`
	RecipientCount     int     `json:"recipient_count"`
	TotalBatches       int     `json:"total_batches"`
	BatchesProcessed   int     `json:"batches_processed"`
	TotalDistributed   int64   `json:"total_distributed"`
	StartedAt          string  `json:"started_at"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

func buildRunResponse(run *domain.Run) runResponse {
	resp := runResponse{
		RunID:              run.ID.String(),
		RunKey:             run.RunKey,
		Status:             run.Status,
		AmountPerRecipient: run.AmountPerRecipient,
		RecipientCount:     run.RecipientCount,
		TotalBatches:       run.TotalBatches,
		BatchesProcessed:   len(run.Batches),
		TotalDistributed:   run.TotalDistributed,
		StartedAt:          run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if run.CompletedAt != nil {
		completed := run.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		resp.CompletedAt = &completed
	}
	return resp
}

// NewDisbursementHandlers creates a new instance of DisbursementHandlers.
func NewDisbursementHandlers(coordinator *app.Coordinator, reconciler *app.Reconciler, repo store.Repository) *DisbursementHandlers {
	return &DisbursementHandlers{coordinator: coordinator, reconciler: reconciler, repo: repo}
}

// StartDisbursementHandler handles requests to start a new disbursement run.
// By default the run executes asynchronously and a 202 is returned immediately;
// setting "wait" in the request body blocks until the run finishes.
func (h *DisbursementHandlers) StartDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := GetOperatorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get operator ID from context")
		return
	}

	var req domain.StartDisbursementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AmountPerRecipient <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount_per_recipient must be greater than zero")
		return
	}

	log.Printf("level=info component=api msg=\"disbursement requested\" operator_id=%s run_key=%s amount_per_recipient=%d region=%q wait=%t",
		operatorID, req.RunKey, req.AmountPerRecipient, req.Region, req.Wait)

	recipients, err := h.repo.ListEligibleRecipients(r.Context(), req.Region)
	if err != nil {
		log.Printf("level=error component=api msg=\"recipient listing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list eligible recipients")
		return
	}
	// Operators triggering a run that would pay nobody almost always mistyped
	// the region; refuse it here rather than record an empty run.
	if len(recipients) == 0 {
		h.writeDistributeError(w, app.ErrNoRecipients)
		return
	}

	if req.Wait {
		run, err := h.coordinator.Distribute(r.Context(), req, recipients)
		if err != nil {
			h.writeDistributeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, buildRunResponse(run))
		return
	}

	run, err := h.coordinator.NewRun(r.Context(), req, recipients)
	if err != nil {
		h.writeDistributeError(w, err)
		return
	}

	// Detach from the request context so the run outlives this HTTP exchange.
	go func() {
		if err := h.coordinator.Execute(context.Background(), run.ID); err != nil {
			log.Printf("level=error component=api msg=\"async run execution failed\" run_id=%s err=%v", run.ID, err)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, buildRunResponse(run))
}

// ListRunsHandler returns all registered runs in creation order.
func (h *DisbursementHandlers) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs := h.coordinator.Runs()
	response := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, buildRunResponse(run))
	}
	h.writeJSON(w, http.StatusOK, response)
}

// GetRunHandler returns one run by id.
func (h *DisbursementHandlers) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.parseRunID(w, r)
	if !ok {
		return
	}
	run, err := h.coordinator.Run(runID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	h.writeJSON(w, http.StatusOK, buildRunResponse(run))
}

// GetRunStatsHandler returns the derived statistics for a run.
func (h *DisbursementHandlers) GetRunStatsHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.parseRunID(w, r)
	if !ok {
		return
	}
	stats, err := h.coordinator.RunStats(runID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// GetBatchHandler returns one batch of a run, including its transactions. The
// batch is addressed either by the batch id carried in batch-completed events
// or by its 0-based position in the run.
func (h *DisbursementHandlers) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.parseRunID(w, r)
	if !ok {
		return
	}

	ref := chi.URLParam(r, "batchRef")
	var batch *domain.Batch
	var err error
	if batchID, parseErr := uuid.Parse(ref); parseErr == nil {
		batch, err = h.coordinator.BatchByID(runID, batchID)
	} else if index, parseErr := strconv.Atoi(ref); parseErr == nil {
		batch, err = h.coordinator.Batch(runID, index)
	} else {
		h.writeError(w, http.StatusBadRequest, "Invalid batch reference")
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.writeError(w, http.StatusNotFound, "Batch not found")
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// StopRunHandler requests cooperative cancellation of a processing run.
func (h *DisbursementHandlers) StopRunHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, _ := GetOperatorID(r.Context())
	runID, ok := h.parseRunID(w, r)
	if !ok {
		return
	}

	if err := h.coordinator.Stop(runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		if errors.Is(err, app.ErrRunNotRunning) {
			h.writeError(w, http.StatusConflict, "Run is not in a stoppable state")
			return
		}
		log.Printf("level=error component=api msg=\"stop request failed\" run_id=%s err=%v", runID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to stop run")
		return
	}

	log.Printf("level=info component=api msg=\"run stop accepted\" run_id=%s operator_id=%s", runID, operatorID)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// TriggerReconcileHandler runs one reconciliation pass on demand. It backs the
// internal surface used by operations tooling; the cron job covers steady state.
func (h *DisbursementHandlers) TriggerReconcileHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.ReconcilePendingPayouts(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"manual reconcile failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *DisbursementHandlers) parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid run ID format")
		return uuid.Nil, false
	}
	return runID, true
}

func (h *DisbursementHandlers) writeDistributeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNonPositiveAmount):
		h.writeError(w, http.StatusBadRequest, "amount_per_recipient must be greater than zero")
	case errors.Is(err, app.ErrNoRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "No eligible recipients match the request")
	default:
		log.Printf("level=error component=api msg=\"disbursement start failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to start disbursement")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *DisbursementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *DisbursementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
