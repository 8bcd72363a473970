// Package worker implements the fixed-size pool that drains the priority
// queue and delegates items to the Processor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/pipeline"
	"github.com/streamherd/vodmon/internal/ratelimit"
)

// Config controls Pool behavior.
type Config struct {
	// MaxWorkers is both the loop count and the size of the permit set.
	MaxWorkers int
	// FailureSleep is the pause after a non-cancellation loop error.
	FailureSleep time.Duration
}

// Pool consumes queue items and executes the processing pipeline. Concurrency
// is bounded twice: by the number of worker loops and by an independent
// permit set, so either ceiling can change without the other.
type Pool struct {
	queue     pipeline.Queue
	processor pipeline.Processor
	limiter   *ratelimit.Limiter
	cfg       Config
	logger    *zap.Logger

	permits chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a Pool. Configuration errors fail fast.
func New(
	queue pipeline.Queue,
	processor pipeline.Processor,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) (*Pool, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be > 0, got %d", cfg.MaxWorkers)
	}
	if cfg.FailureSleep <= 0 {
		cfg.FailureSleep = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		permits:   make(chan struct{}, cfg.MaxWorkers),
	}, nil
}

// Start spawns the worker loops. It errors if the pool is already running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go func(index int) {
			defer p.wg.Done()
			p.runLoop(runCtx, p.logger.With(zap.Int("worker", index)))
		}(i)
	}
	return nil
}

// Stop cancels all worker loops and awaits their completion. Cancellation is
// cooperative: a loop never exits holding its permit, but an item already
// marked processing stays in the processing state and is not requeued.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, logger *zap.Logger) {
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			p.pause(ctx)
			continue
		}
		p.processItem(ctx, item, logger)
	}
}

func (p *Pool) processItem(ctx context.Context, item pipeline.WorkItem, logger *zap.Logger) {
	// Admission gate: the daily cap and ban check apply when work is
	// initiated, never to work already in flight. A source that is not
	// admissible gets its item deferred, not failed.
	if p.limiter != nil {
		if err := p.limiter.Admit(item.Source); err != nil {
			logger.Warn("source not admitted, deferring item",
				zap.String("item_id", item.ID),
				zap.String("source", item.Source),
				zap.Error(err),
			)
			if deferErr := p.queue.Defer(item.ID); deferErr != nil && ctx.Err() == nil {
				logger.Error("defer item", zap.String("item_id", item.ID), zap.Error(deferErr))
			}
			p.pause(ctx)
			return
		}
	}

	p.queue.MarkProcessing(item.ID)

	select {
	case <-ctx.Done():
		return
	case p.permits <- struct{}{}:
	}
	defer func() { <-p.permits }()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, item.Source); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("rate limit wait failed", zap.String("item_id", item.ID), zap.Error(err))
			p.failItem(ctx, item, logger)
			p.pause(ctx)
			return
		}
	}

	result, err := p.processor.Process(ctx, item)
	if err != nil || result == nil {
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("processor returned no result")
		}
		logger.Warn("processing failed",
			zap.String("item_id", item.ID),
			zap.String("url", item.SourceURL),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(err),
		)
		p.recordRequest(item.Source, false)
		p.failItem(ctx, item, logger)
		p.pause(ctx)
		return
	}

	p.recordRequest(item.Source, true)
	p.queue.MarkCompleted(item.ID)
	metrics.ObserveJob(string(pipeline.JobStatusCompleted))
	logger.Debug("item processed",
		zap.String("item_id", item.ID),
		zap.String("output", result.OutputPath),
	)
}

func (p *Pool) failItem(ctx context.Context, item pipeline.WorkItem, logger *zap.Logger) {
	metrics.ObserveJob(string(pipeline.JobStatusFailed))
	if err := p.queue.MarkFailed(ctx, item.ID, nil); err != nil && ctx.Err() == nil {
		logger.Error("mark failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (p *Pool) recordRequest(source string, success bool) {
	if p.limiter != nil {
		p.limiter.RecordRequest(source, success)
	}
}

// pause sleeps for the configured failure backoff so one bad item never
// turns into a hot loop.
func (p *Pool) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.FailureSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
