// Package monitor polls channel feeds, de-duplicates against a persisted
// seen-set, and emits newly discovered videos.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
)

// feedURLTemplate is the public Atom feed for a channel's uploads.
const feedURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"

// FeedEntry is one video entry parsed out of a channel feed.
type FeedEntry struct {
	VideoID     string
	URL         string
	Title       string
	Description string
	Published   time.Time
}

// FeedFetcher retrieves the current entries for one channel.
type FeedFetcher interface {
	Fetch(ctx context.Context, channelID string) ([]FeedEntry, error)
}

// CollyFetcher implements FeedFetcher using the Colly collector.
type CollyFetcher struct {
	userAgent     string
	timeout       time.Duration
	baseCollector *colly.Collector
}

// FetcherConfig controls collector behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// NewCollyFetcher builds a CollyFetcher.
func NewCollyFetcher(cfg FetcherConfig) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CollyFetcher{
		userAgent:     cfg.UserAgent,
		timeout:       cfg.Timeout,
		baseCollector: c,
	}
}

// Fetch downloads and parses the channel's Atom feed.
func (f *CollyFetcher) Fetch(ctx context.Context, channelID string) ([]FeedEntry, error) {
	var (
		body     []byte
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	if f.userAgent != "" {
		collector.UserAgent = f.userAgent
	}
	collector.SetRequestTimeout(f.timeout)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	url := fmt.Sprintf(feedURLTemplate, channelID)
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("feed fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("feed visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("feed response failed: %w", fetchErr)
		}
	}

	entries, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed for %s: %w", channelID, err)
	}
	return entries, nil
}

// parseFeed extracts video entries from an Atom feed document.
func parseFeed(body []byte) ([]FeedEntry, error) {
	doc, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}

	nodes := xmlquery.Find(doc, "//entry")
	entries := make([]FeedEntry, 0, len(nodes))
	for _, node := range nodes {
		entry := FeedEntry{
			VideoID:     childText(node, "videoId"),
			Title:       childText(node, "title"),
			Description: childText(node, "description"),
		}
		if link := xmlquery.FindOne(node, "link"); link != nil {
			entry.URL = link.SelectAttr("href")
		}
		if entry.URL == "" && entry.VideoID != "" {
			entry.URL = "https://www.youtube.com/watch?v=" + entry.VideoID
		}
		if published := childText(node, "published"); published != "" {
			if ts, perr := time.Parse(time.RFC3339, published); perr == nil {
				entry.Published = ts
			}
		}
		if entry.VideoID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// childText returns the text of the first descendant element with the given
// local name, ignoring namespace prefixes (yt:videoId, media:description).
func childText(node *xmlquery.Node, local string) string {
	if n := xmlquery.FindOne(node, ".//*[local-name()='"+local+"']"); n != nil {
		return strings.TrimSpace(n.InnerText())
	}
	return ""
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
