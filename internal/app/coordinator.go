/**
 * @description
 * The Coordinator is the top-level orchestrator for mass disbursement runs. It
 * splits the recipient set into ordered fixed-size batches, drives them through
 * the BatchProcessor one at a time, keeps per-run aggregates, and exposes the
 * run registry to the API layer.
 *
 * Key behaviors:
 * - Each run is isolated: its recipients, batches, and counters belong to one
 *   runState and never bleed into other runs.
 * - TotalDistributed only ever grows, and only by amounts from completed batches.
 * - Stop is cooperative: it cancels the run context, which is honored at batch
 *   boundaries here and between payouts inside the processor.
 * - Lifecycle events fan out to an injected RunObserver, the AMQP publisher,
 *   and structured logs.
 *
 * @dependencies
 * - context, errors, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For run ids.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For lifecycle event publishing.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/disbursement-service/internal/domain"
	"github.com/ledgerline/disbursement-service/internal/store"
	"github.com/ledgerline/disbursement-service/pkg/rabbitmq"
)

var (
	// ErrNoRecipients is used by callers that refuse to start a run over an
	// empty recipient set. The coordinator itself accepts one and produces an
	// empty completed run.
	ErrNoRecipients  = errors.New("no eligible recipients to disburse to")
	ErrRunNotRunning = errors.New("run is not in a stoppable state")
)

// RunObserver receives lifecycle notifications for a run. Implementations must
// not block; the coordinator calls them synchronously between batches.
type RunObserver interface {
	OnBatchCompleted(run *domain.Run, batch *domain.Batch)
	OnRunCompleted(run *domain.Run)
}

type runState struct {
	run        *domain.Run
	recipients []*domain.Recipient
	cancel     context.CancelFunc
	stopped    bool
}

// Coordinator orchestrates disbursement runs.
type Coordinator struct {
	repo      store.Repository
	processor *BatchProcessor
	publisher rabbitmq.Publisher
	observer  RunObserver

	maxRunDuration      time.Duration
	abortOnBatchFailure bool

	mu    sync.Mutex
	runs  map[uuid.UUID]*runState
	order []uuid.UUID
}

// NewCoordinator creates a coordinator over the given repository and processor.
func NewCoordinator(repo store.Repository, processor *BatchProcessor) *Coordinator {
	return &Coordinator{
		repo:      repo,
		processor: processor,
		runs:      make(map[uuid.UUID]*runState),
	}
}

// SetPublisher installs the AMQP publisher for lifecycle events. A nil
// publisher disables publishing.
func (c *Coordinator) SetPublisher(publisher rabbitmq.Publisher) {
	c.publisher = publisher
}

// SetObserver installs the lifecycle observer.
func (c *Coordinator) SetObserver(observer RunObserver) {
	c.observer = observer
}

// SetMaxRunDuration caps the wall-clock time of a run. Zero disables the cap.
func (c *Coordinator) SetMaxRunDuration(d time.Duration) {
	c.maxRunDuration = d
}

// SetAbortOnBatchFailure makes a failed batch abort the whole run instead of
// continuing with the remaining batches.
func (c *Coordinator) SetAbortOnBatchFailure(abort bool) {
	c.abortOnBatchFailure = abort
}

// NewRun validates the request, registers a pending run over the given
// recipients, and persists it. Execution starts separately via Execute.
func (c *Coordinator) NewRun(ctx context.Context, req domain.StartDisbursementRequest, recipients []*domain.Recipient) (*domain.Run, error) {
	if req.AmountPerRecipient <= 0 {
		return nil, ErrNonPositiveAmount
	}

	runID := uuid.New()
	runKey := req.RunKey
	if runKey == "" {
		runKey = runID.String()
	}

	batchSize := c.processor.MaxBatchSize()
	totalBatches := (len(recipients) + batchSize - 1) / batchSize

	run := &domain.Run{
		ID:                 runID,
		RunKey:             runKey,
		Status:             domain.RunStatusPending,
		AmountPerRecipient: req.AmountPerRecipient,
		RecipientCount:     len(recipients),
		TotalBatches:       totalBatches,
		Batches:            make([]*domain.Batch, 0, totalBatches),
		StartedAt:          time.Now().UTC(),
	}
	if err := c.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runs[runID] = &runState{run: run, recipients: recipients}
	c.order = append(c.order, runID)
	c.mu.Unlock()

	log.Printf("level=info component=coordinator msg=\"run created\" run_id=%s run_key=%s recipients=%d amount_per_recipient=%d total_amount=%d total_batches=%d",
		runID, runKey, len(recipients), req.AmountPerRecipient, req.AmountPerRecipient*int64(len(recipients)), totalBatches)
	return run, nil
}

// Execute drives a registered run to a terminal state. It blocks until the run
// finishes; callers wanting async behavior run it in a goroutine.
func (c *Coordinator) Execute(ctx context.Context, runID uuid.UUID) error {
	c.mu.Lock()
	state, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return store.ErrRunNotFound
	}
	if state.run.Status != domain.RunStatusPending {
		c.mu.Unlock()
		return errors.New("run has already been executed")
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if c.maxRunDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.maxRunDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	state.cancel = cancel
	state.run.Status = domain.RunStatusProcessing
	recipients := state.recipients
	run := state.run
	c.mu.Unlock()

	batchSize := c.processor.MaxBatchSize()
	finalStatus := domain.RunStatusCompleted

	for index := 0; index*batchSize < len(recipients); index++ {
		if c.stopRequested(runID) || runCtx.Err() != nil {
			finalStatus = domain.RunStatusStopped
			break
		}

		start := index * batchSize
		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		batch, err := c.processor.ProcessBatch(runCtx, run.ID, run.RunKey, recipients[start:end], run.AmountPerRecipient, index, run.TotalBatches)
		if batch != nil {
			c.recordBatch(run, batch)
		}
		if err != nil {
			log.Printf("level=error component=coordinator msg=\"batch failed\" run_id=%s batch=%d err=%v", run.ID, index+1, err)
			if c.abortOnBatchFailure {
				finalStatus = domain.RunStatusFailed
				break
			}
			continue
		}

		c.emitBatchCompleted(runCtx, run, batch)
	}

	if finalStatus == domain.RunStatusStopped && runCtx.Err() == context.DeadlineExceeded {
		log.Printf("level=warn component=coordinator msg=\"run exceeded max duration\" run_id=%s max_duration=%s", run.ID, c.maxRunDuration)
	}

	c.finalizeRun(ctx, runID, finalStatus)
	return nil
}

// Distribute creates a run over the given recipients and executes it to
// completion. This is the synchronous entry point.
func (c *Coordinator) Distribute(ctx context.Context, req domain.StartDisbursementRequest, recipients []*domain.Recipient) (*domain.Run, error) {
	run, err := c.NewRun(ctx, req, recipients)
	if err != nil {
		return nil, err
	}
	if err := c.Execute(ctx, run.ID); err != nil {
		return nil, err
	}
	return c.Run(run.ID)
}

// DistributeEligible sources the recipient set from the repository (optionally
// filtered by region) and distributes to it.
func (c *Coordinator) DistributeEligible(ctx context.Context, req domain.StartDisbursementRequest) (*domain.Run, error) {
	recipients, err := c.repo.ListEligibleRecipients(ctx, req.Region)
	if err != nil {
		return nil, err
	}
	return c.Distribute(ctx, req, recipients)
}

// Stop requests cooperative cancellation of a processing run. In-flight payouts
// finish; no new payout starts afterward.
func (c *Coordinator) Stop(runID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	if state.run.Status != domain.RunStatusPending && state.run.Status != domain.RunStatusProcessing {
		return ErrRunNotRunning
	}
	state.stopped = true
	if state.cancel != nil {
		state.cancel()
	}
	log.Printf("level=info component=coordinator msg=\"stop requested\" run_id=%s", runID)
	return nil
}

// Run returns a snapshot of the run with the given id.
func (c *Coordinator) Run(runID uuid.UUID) (*domain.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return snapshotRun(state.run), nil
}

// Runs returns snapshots of all registered runs in creation order.
func (c *Coordinator) Runs() []*domain.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Run, 0, len(c.order))
	for _, id := range c.order {
		if state, ok := c.runs[id]; ok {
			out = append(out, snapshotRun(state.run))
		}
	}
	return out
}

// Batch returns a batch of a run by its position (0-based).
func (c *Coordinator) Batch(runID uuid.UUID, index int) (*domain.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	if index < 0 || index >= len(state.run.Batches) {
		return nil, store.ErrBatchNotFound
	}
	return state.run.Batches[index], nil
}

// BatchByID returns a batch of a run by the batch id carried in batch-completed
// events.
func (c *Coordinator) BatchByID(runID, batchID uuid.UUID) (*domain.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	for _, batch := range state.run.Batches {
		if batch.BatchID == batchID {
			return batch, nil
		}
	}
	return nil, store.ErrBatchNotFound
}

// RunStats derives the statistics surface for a run by scanning its batches.
func (c *Coordinator) RunStats(runID uuid.UUID) (domain.RunStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	if !ok {
		return domain.RunStats{}, store.ErrRunNotFound
	}

	run := state.run
	stats := domain.RunStats{
		TotalBatches:     len(run.Batches),
		TotalDistributed: run.TotalDistributed,
	}
	for _, batch := range run.Batches {
		stats.TotalTransactions += len(batch.Transactions)
		stats.SuccessfulTransactions += batch.ConfirmedCount()
	}
	if stats.TotalTransactions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulTransactions) / float64(stats.TotalTransactions) * 100
	}
	if stats.TotalBatches > 0 {
		stats.AverageBatchSize = float64(stats.TotalTransactions) / float64(stats.TotalBatches)
	}
	return stats, nil
}

func (c *Coordinator) stopRequested(runID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[runID]
	return ok && state.stopped
}

// recordBatch appends the batch to the run and, for completed batches, adds its
// confirmed total to the running distributed counter.
func (c *Coordinator) recordBatch(run *domain.Run, batch *domain.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.Batches = append(run.Batches, batch)
	if batch.Status == domain.BatchStatusComplete {
		run.TotalDistributed += batch.TotalAmount
	}
}

func (c *Coordinator) finalizeRun(ctx context.Context, runID uuid.UUID, status string) {
	c.mu.Lock()
	state, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return
	}
	run := state.run
	completedAt := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &completedAt
	totalDistributed := run.TotalDistributed
	snapshot := snapshotRun(run)
	c.mu.Unlock()

	if err := c.repo.FinalizeRun(ctx, runID, status, totalDistributed, completedAt); err != nil {
		log.Printf("level=warn component=coordinator msg=\"run finalize persistence failed\" run_id=%s err=%v", runID, err)
	}

	successful := 0
	for _, batch := range snapshot.Batches {
		successful += batch.ConfirmedCount()
	}
	log.Printf("level=info component=coordinator msg=\"run finished\" run_id=%s run_key=%s status=%s total_distributed=%d successful_payments=%d total_batches=%d duration=%s",
		runID, snapshot.RunKey, status, totalDistributed, successful, len(snapshot.Batches), completedAt.Sub(snapshot.StartedAt))

	// A run over zero recipients emits no lifecycle events.
	if snapshot.RecipientCount == 0 {
		return
	}

	if c.observer != nil {
		c.observer.OnRunCompleted(snapshot)
	}
	if c.publisher != nil {
		totalTransactions := 0
		for _, batch := range snapshot.Batches {
			totalTransactions += len(batch.Transactions)
		}
		event := domain.RunCompletedEvent{
			RunID:                  snapshot.ID,
			RunKey:                 snapshot.RunKey,
			Status:                 status,
			TotalBatches:           len(snapshot.Batches),
			TotalDistributed:       totalDistributed,
			TotalTransactions:      totalTransactions,
			SuccessfulTransactions: successful,
			Timestamp:              completedAt,
		}
		if err := c.publisher.Publish(ctx, rabbitmq.DisbursementExchange, rabbitmq.RoutingKeyRunCompleted, event); err != nil {
			log.Printf("level=warn component=coordinator msg=\"run event publish failed\" run_id=%s err=%v", runID, err)
		}
	}
}

func (c *Coordinator) emitBatchCompleted(ctx context.Context, run *domain.Run, batch *domain.Batch) {
	c.mu.Lock()
	snapshot := snapshotRun(run)
	c.mu.Unlock()

	log.Printf("level=info component=coordinator msg=\"batch completed\" run_id=%s batch=%d total_batches=%d recipients_processed=%d confirmed=%d batch_amount=%d",
		run.ID, batch.BatchIndex+1, run.TotalBatches, batch.RecipientCount, batch.ConfirmedCount(), batch.TotalAmount)

	if c.observer != nil {
		c.observer.OnBatchCompleted(snapshot, batch)
	}
	if c.publisher != nil {
		event := domain.BatchCompletedEvent{
			RunID:              run.ID,
			RunKey:             run.RunKey,
			BatchID:            batch.BatchID,
			BatchIndex:         batch.BatchIndex,
			TotalBatches:       run.TotalBatches,
			RecipientCount:     batch.RecipientCount,
			ConfirmedCount:     batch.ConfirmedCount(),
			TotalAmount:        batch.TotalAmount,
			AmountPerRecipient: batch.AmountPerRecipient,
			Timestamp:          time.Now().UTC(),
		}
		if err := c.publisher.Publish(ctx, rabbitmq.DisbursementExchange, rabbitmq.RoutingKeyBatchCompleted, event); err != nil {
			log.Printf("level=warn component=coordinator msg=\"batch event publish failed\" run_id=%s batch_id=%s err=%v", run.ID, batch.BatchID, err)
		}
	}
}

// snapshotRun copies the run header and batch list so callers can read it
// without holding the coordinator lock. Batches themselves are not deep-copied;
// they are immutable once finalized.
func snapshotRun(run *domain.Run) *domain.Run {
	out := *run
	out.Batches = make([]*domain.Batch, len(run.Batches))
	copy(out.Batches, run.Batches)
	return &out
}
