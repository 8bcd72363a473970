// Package orchestrator wires the source monitor, priority queue, and worker
// pool into the long-running discovery/processing loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/monitor"
	"github.com/streamherd/vodmon/internal/pipeline"
	"github.com/streamherd/vodmon/internal/worker"
)

// Config controls Orchestrator behavior.
type Config struct {
	// CheckInterval is the sleep between discovery polls.
	CheckInterval time.Duration
	// FallbackSleep is the longer pause after a failed iteration.
	FallbackSleep time.Duration
	// MaxRetries is the retry budget stamped onto discovered work items.
	MaxRetries int
}

// Orchestrator has two states, stopped and running. Cancellation is only
// user-initiated, never time-based.
type Orchestrator struct {
	mon    *monitor.Monitor
	queue  pipeline.Queue
	pool   *worker.Pool
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs an Orchestrator. Configuration errors fail fast.
func New(
	mon *monitor.Monitor,
	queue pipeline.Queue,
	pool *worker.Pool,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if mon == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("check interval must be > 0, got %s", cfg.CheckInterval)
	}
	if cfg.FallbackSleep <= 0 {
		cfg.FallbackSleep = 5 * cfg.CheckInterval
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		mon:    mon,
		queue:  queue,
		pool:   pool,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start launches the worker pool and the discovery loop. It errors if the
// orchestrator is already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := o.pool.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}

	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	go o.runLoop(runCtx)
	return nil
}

// Stop flips the state back to stopped and awaits worker pool shutdown.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	cancel()
	<-done
	o.pool.Stop()
}

// Running reports whether the discovery loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status exposes the queue's point-in-time counts.
func (o *Orchestrator) Status() pipeline.QueueStatus {
	return o.queue.Status()
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.done)
	for {
		if err := o.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("discovery iteration failed", zap.Error(err))
			if !sleepCtx(ctx, o.cfg.FallbackSleep) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, o.cfg.CheckInterval) {
			return
		}
	}
}

// iterate runs one poll-and-enqueue cycle. Discovered items enter the queue
// at the highest normal priority.
func (o *Orchestrator) iterate(ctx context.Context) error {
	videos, err := o.mon.CheckForNewVideos(ctx)
	if err != nil {
		return fmt.Errorf("poll sources: %w", err)
	}

	for _, video := range videos {
		item := pipeline.WorkItem{
			ID:         video.ID,
			SourceURL:  video.URL,
			Source:     video.Channel,
			Title:      video.Title,
			Priority:   pipeline.PriorityHigh,
			EnqueuedAt: o.clock.Now(),
			MaxRetries: o.cfg.MaxRetries,
		}
		if err := o.queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue discovery %s: %w", video.ID, err)
		}
		o.logger.Info("video enqueued",
			zap.String("video_id", video.ID),
			zap.String("channel", video.Channel),
			zap.String("title", video.Title),
		)
	}

	status := o.queue.Status()
	o.logger.Info("monitor cycle complete",
		zap.Int("discovered", len(videos)),
		zap.Int("queued", status.Queued),
		zap.Int("processing", status.Processing),
		zap.Int("completed", status.Completed),
		zap.Int("failed", status.Failed),
	)
	return nil
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
