// Package batch drives explicit lists of URLs through the Processor with
// bounded concurrency, bounded retry, and JSON-persisted status tracking.
// Batch jobs bypass the priority queue entirely.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/pipeline"
)

// Config controls Orchestrator behavior.
type Config struct {
	// MaxConcurrentJobs sizes the batch permit set.
	MaxConcurrentJobs int
	// MaxRetries bounds per-job retry attempts.
	MaxRetries int
	// RetryEnabled toggles retry entirely; disabled means one attempt.
	RetryEnabled bool
	// OutputDir is the root under which per-job output directories live.
	OutputDir string
	// backoffUnit scales the exponential retry delay. Tests shrink it.
	backoffUnit time.Duration
}

// Orchestrator owns JobRecords for its batches; nothing else mutates them.
type Orchestrator struct {
	processor pipeline.Processor
	store     pipeline.BatchStore
	idGen     pipeline.IDGenerator
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. Configuration errors fail fast.
func New(
	processor pipeline.Processor,
	store pipeline.BatchStore,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if store == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if idGen == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be > 0, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if cfg.backoffUnit <= 0 {
		cfg.backoffUnit = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		processor: processor,
		store:     store,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// ProcessBatch builds one JobRecord and isolated output sub-directory per
// URL, persists an initial snapshot, runs every job concurrently under the
// batch permit set, then recomputes aggregates and persists the final
// snapshot. No individual job error ever propagates to the caller.
func (o *Orchestrator) ProcessBatch(ctx context.Context, urls []string, batchID string, priority int) (pipeline.BatchSnapshot, error) {
	if len(urls) == 0 {
		return pipeline.BatchSnapshot{}, fmt.Errorf("batch needs at least one url")
	}
	if batchID == "" {
		id, err := o.idGen.NewID()
		if err != nil {
			return pipeline.BatchSnapshot{}, fmt.Errorf("generate batch id: %w", err)
		}
		batchID = id
	}

	batchDir := filepath.Join(o.cfg.OutputDir, batchID)
	jobs := make([]pipeline.JobRecord, 0, len(urls))
	now := o.clock.Now()
	for _, url := range urls {
		jobID, err := o.idGen.NewID()
		if err != nil {
			return pipeline.BatchSnapshot{}, fmt.Errorf("generate job id: %w", err)
		}
		jobDir := filepath.Join(batchDir, jobID)
		if err := os.MkdirAll(jobDir, 0o750); err != nil {
			return pipeline.BatchSnapshot{}, fmt.Errorf("create job dir %s: %w", jobDir, err)
		}
		jobs = append(jobs, pipeline.JobRecord{
			JobID:      jobID,
			SourceURL:  url,
			Priority:   priority,
			Status:     pipeline.JobStatusPending,
			CreatedAt:  now,
			OutputPath: jobDir,
		})
	}

	snap := pipeline.BatchSnapshot{
		BatchID:         batchID,
		TotalJobs:       len(jobs),
		CreatedAt:       now,
		OutputDirectory: batchDir,
		Jobs:            jobs,
	}
	if err := o.store.SaveSnapshot(ctx, snap); err != nil {
		return pipeline.BatchSnapshot{}, fmt.Errorf("persist initial snapshot: %w", err)
	}

	o.runJobs(ctx, snap.Jobs)

	// The final snapshot is written even when the batch was cut short by
	// cancellation, so the last-known state survives shutdown.
	finalized := o.finalize(snap)
	if err := o.store.SaveSnapshot(context.WithoutCancel(ctx), finalized); err != nil {
		return finalized, fmt.Errorf("persist final snapshot: %w", err)
	}
	return finalized, nil
}

// runJobs executes every job under the batch permit set and waits for all of
// them to settle.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []pipeline.JobRecord) {
	permits := make(chan struct{}, o.cfg.MaxConcurrentJobs)
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(rec *pipeline.JobRecord) {
			defer wg.Done()
			permits <- struct{}{}
			defer func() { <-permits }()
			o.runJob(ctx, rec)
		}(&jobs[i])
	}
	wg.Wait()
}

// runJob drives one job through a bounded retry loop with exponential
// backoff. Terminal failures always carry RetryCount == MaxRetries exactly
// (or 0 when retry is disabled). Cancellation is not a failure: an
// interrupted job reverts to pending so the snapshot shows it never settled.
func (o *Orchestrator) runJob(ctx context.Context, rec *pipeline.JobRecord) {
	started := o.clock.Now()
	rec.Status = pipeline.JobStatusRunning
	rec.StartedAt = &started

	item := pipeline.WorkItem{
		ID:         rec.JobID,
		SourceURL:  rec.SourceURL,
		Priority:   rec.Priority,
		MaxRetries: o.cfg.MaxRetries,
	}

	for {
		result, err := o.processor.Process(ctx, item)
		if err == nil && result != nil {
			o.completeJob(rec, started, result)
			return
		}
		if err == nil {
			err = fmt.Errorf("processor returned no result")
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			o.cancelJob(rec, err)
			return
		}
		rec.ErrorMessage = err.Error()

		if !o.cfg.RetryEnabled || rec.RetryCount >= o.cfg.MaxRetries {
			o.failJob(rec, started)
			return
		}
		rec.RetryCount++
		item.RetryCount = rec.RetryCount
		o.logger.Warn("job attempt failed, backing off",
			zap.String("job_id", rec.JobID),
			zap.Int("retry_count", rec.RetryCount),
			zap.Error(err),
		)
		backoff := time.Duration(1<<uint(rec.RetryCount)) * o.cfg.backoffUnit
		if !sleepCtx(ctx, backoff) {
			o.cancelJob(rec, ctx.Err())
			return
		}
	}
}

// cancelJob reverts an interrupted job to pending. It is never counted as
// failed and keeps whatever retry budget it had left.
func (o *Orchestrator) cancelJob(rec *pipeline.JobRecord, err error) {
	rec.Status = pipeline.JobStatusPending
	rec.CompletedAt = nil
	if err != nil {
		rec.ErrorMessage = fmt.Sprintf("interrupted: %v", err)
	}
	o.logger.Info("job interrupted before settling",
		zap.String("job_id", rec.JobID),
		zap.Int("retry_count", rec.RetryCount),
	)
}

func (o *Orchestrator) completeJob(rec *pipeline.JobRecord, started time.Time, result *pipeline.Result) {
	finished := o.clock.Now()
	rec.Status = pipeline.JobStatusCompleted
	rec.CompletedAt = &finished
	rec.ProcessingTime = finished.Sub(started).Seconds()
	rec.ErrorMessage = ""
	if result.Metadata != nil {
		rec.Metadata = result.Metadata
	}
	if result.Cost > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata["cost"] = strconv.FormatFloat(result.Cost, 'f', -1, 64)
	}
	if result.OutputPath != "" {
		rec.OutputPath = result.OutputPath
	}
	if err := o.writeArtifact(rec, result); err != nil {
		o.logger.Warn("result artifact write failed", zap.String("job_id", rec.JobID), zap.Error(err))
	}
	metrics.ObserveBatchJob(string(pipeline.JobStatusCompleted))
	o.logger.Info("job completed",
		zap.String("job_id", rec.JobID),
		zap.Float64("processing_time", rec.ProcessingTime),
	)
}

func (o *Orchestrator) failJob(rec *pipeline.JobRecord, started time.Time) {
	finished := o.clock.Now()
	rec.Status = pipeline.JobStatusFailed
	rec.CompletedAt = &finished
	rec.ProcessingTime = finished.Sub(started).Seconds()
	metrics.ObserveBatchJob(string(pipeline.JobStatusFailed))
	o.logger.Error("job failed",
		zap.String("job_id", rec.JobID),
		zap.Int("retry_count", rec.RetryCount),
		zap.String("error", rec.ErrorMessage),
	)
}

// writeArtifact persists the job's result JSON inside its output directory.
func (o *Orchestrator) writeArtifact(rec *pipeline.JobRecord, result *pipeline.Result) error {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	target := filepath.Join(rec.OutputPath, "result.json")
	if err := os.WriteFile(target, payload, 0o600); err != nil {
		return fmt.Errorf("write result %s: %w", target, err)
	}
	return nil
}

// finalize recomputes aggregate counts, timings, and cost once every job has
// settled.
func (o *Orchestrator) finalize(snap pipeline.BatchSnapshot) pipeline.BatchSnapshot {
	var (
		completed int
		failed    int
		totalTime float64
		totalCost float64
	)
	for _, job := range snap.Jobs {
		switch job.Status {
		case pipeline.JobStatusCompleted:
			completed++
		case pipeline.JobStatusFailed:
			failed++
		}
		totalTime += job.ProcessingTime
		if cost, ok := job.Metadata["cost"]; ok {
			if c, err := strconv.ParseFloat(cost, 64); err == nil {
				totalCost += c
			}
		}
	}
	snap.CompletedJobs = completed
	snap.FailedJobs = failed
	snap.TotalProcessingTime = totalTime
	if snap.TotalJobs > 0 {
		snap.AverageProcessingTime = totalTime / float64(snap.TotalJobs)
	}
	snap.TotalCost = totalCost
	finished := o.clock.Now()
	snap.CompletedAt = &finished
	return snap
}

// GetBatchStatus is a pure read of the persisted snapshot summary. A missing
// batch surfaces ErrBatchNotFound, distinct from a batch with zero jobs.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, batchID string) (pipeline.BatchStatus, error) {
	snap, err := o.store.LoadSnapshot(ctx, batchID)
	if err != nil {
		return pipeline.BatchStatus{}, err
	}
	return pipeline.BatchStatus{
		BatchID:               snap.BatchID,
		TotalJobs:             snap.TotalJobs,
		CompletedJobs:         snap.CompletedJobs,
		FailedJobs:            snap.FailedJobs,
		TotalProcessingTime:   snap.TotalProcessingTime,
		AverageProcessingTime: snap.AverageProcessingTime,
		TotalCost:             snap.TotalCost,
		CreatedAt:             snap.CreatedAt,
		CompletedAt:           snap.CompletedAt,
	}, nil
}

// GetBatchResults returns the full persisted snapshot including job records.
func (o *Orchestrator) GetBatchResults(ctx context.Context, batchID string) (pipeline.BatchSnapshot, error) {
	return o.store.LoadSnapshot(ctx, batchID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
