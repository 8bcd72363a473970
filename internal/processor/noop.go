// Package processor provides stand-in Processor implementations. The real
// content-understanding pipeline is an external collaborator wired in at
// build time; the noop variant keeps the scheduler runnable without it.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/pipeline"
)

// Noop acknowledges every item without doing any work.
type Noop struct {
	logger *zap.Logger
}

// NewNoop constructs a Noop processor.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Process logs the item and reports success.
func (n *Noop) Process(ctx context.Context, item pipeline.WorkItem) (*pipeline.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.logger.Info("noop processor invoked",
		zap.String("item_id", item.ID),
		zap.String("url", item.SourceURL),
	)
	return &pipeline.Result{
		Metadata: map[string]string{
			"processor":    "noop",
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}
