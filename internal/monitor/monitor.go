package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/pipeline"
)

// Config controls Monitor behavior.
type Config struct {
	// Channels lists the channel IDs whose feeds are polled.
	Channels []string
	// StatePath is where the seen-set JSON lives.
	StatePath string
	// FallbackSleep is the pause after a failed poll iteration.
	FallbackSleep time.Duration
}

// Monitor polls channel feeds, filters out already-seen videos and Shorts,
// and returns the remainder as discoveries. The seen-set is owned
// exclusively by the Monitor.
type Monitor struct {
	fetcher FeedFetcher
	seen    *SeenSet
	clock   pipeline.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Monitor, loading the persisted seen-set from StatePath.
func New(fetcher FeedFetcher, clock pipeline.Clock, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("feed fetcher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if cfg.StatePath == "" {
		return nil, fmt.Errorf("seen-set state path is required")
	}
	if cfg.FallbackSleep <= 0 {
		cfg.FallbackSleep = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, err := LoadSeenSet(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load seen set: %w", err)
	}
	return &Monitor{
		fetcher: fetcher,
		seen:    seen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// CheckForNewVideos polls every configured channel once. All examined
// entries join the seen-set whether kept or excluded; only kept entries are
// returned. The seen-set is persisted after any poll that keeps at least one
// video — best effort, a save failure is logged and the discoveries still
// returned.
func (m *Monitor) CheckForNewVideos(ctx context.Context) ([]pipeline.DiscoveredVideo, error) {
	var discovered []pipeline.DiscoveredVideo

	for _, channel := range m.cfg.Channels {
		if err := ctx.Err(); err != nil {
			return discovered, fmt.Errorf("poll canceled: %w", err)
		}
		entries, err := m.fetcher.Fetch(ctx, channel)
		if err != nil {
			// One bad channel never aborts the poll of the rest.
			m.logger.Warn("feed fetch failed", zap.String("channel", channel), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if m.seen.Contains(entry.VideoID) {
				continue
			}
			m.seen.Add(entry.VideoID)
			if reason := excludeReason(entry); reason != "" {
				m.logger.Debug("entry excluded",
					zap.String("video_id", entry.VideoID),
					zap.String("reason", reason),
				)
				continue
			}
			discovered = append(discovered, pipeline.DiscoveredVideo{
				ID:        entry.VideoID,
				URL:       entry.URL,
				Title:     entry.Title,
				Published: entry.Published,
				Channel:   channel,
			})
			metrics.ObserveDiscovery(channel)
		}
	}

	if len(discovered) > 0 {
		if err := m.seen.Save(m.clock.Now(), m.cfg.Channels); err != nil {
			m.logger.Warn("seen set save failed", zap.Error(err))
		}
	}
	return discovered, nil
}

// SeenCount reports the size of the in-memory seen-set.
func (m *Monitor) SeenCount() int {
	return m.seen.Len()
}

// Run loops forever: poll, invoke the callback per discovery, sleep
// interval. Callback errors are caught and logged and never abort the loop;
// an unexpected poll error is followed by the longer fallback sleep instead
// of terminating. Run returns only when the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onNewVideo func(context.Context, pipeline.DiscoveredVideo) error) error {
	for {
		videos, err := m.CheckForNewVideos(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("poll iteration failed", zap.Error(err))
			if !sleepCtx(ctx, m.cfg.FallbackSleep) {
				return ctx.Err()
			}
			continue
		}

		for _, video := range videos {
			if onNewVideo == nil {
				break
			}
			if err := onNewVideo(ctx, video); err != nil {
				m.logger.Error("discovery callback failed",
					zap.String("video_id", video.ID),
					zap.Error(err),
				)
			}
		}

		if !sleepCtx(ctx, interval) {
			return ctx.Err()
		}
	}
}

// excludeReason applies the Shorts heuristic: URL shape first, then title
// hashtag, then description hashtag. First match wins; empty means keep.
func excludeReason(entry FeedEntry) string {
	if strings.Contains(entry.URL, "/shorts/") {
		return "shorts url"
	}
	if containsShortsTag(entry.Title) {
		return "shorts title tag"
	}
	if containsShortsTag(entry.Description) {
		return "shorts description tag"
	}
	return ""
}

func containsShortsTag(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "#shorts") || strings.Contains(lowered, "#short ") ||
		strings.HasSuffix(lowered, "#short")
}

// sleepCtx pauses for d, returning false if the context ended first.
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
