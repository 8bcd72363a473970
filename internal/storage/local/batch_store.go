// Package local implements a filesystem-backed batch snapshot store.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/streamherd/vodmon/internal/pipeline"
)

// BatchStore persists batch snapshots as one JSON file per batch.
type BatchStore struct {
	baseDir string
}

// NewBatchStore creates the store, ensuring the base directory exists and is
// writable.
func NewBatchStore(baseDir string) (*BatchStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create batch dir %s: %w", baseDir, err)
	}
	probe := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("batch dir not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &BatchStore{baseDir: baseDir}, nil
}

// SaveSnapshot writes the snapshot atomically (temp file + rename) so the
// file always reflects last-known-good state.
func (s *BatchStore) SaveSnapshot(ctx context.Context, snap pipeline.BatchSnapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save snapshot canceled: %w", err)
	}
	if snap.BatchID == "" {
		return fmt.Errorf("snapshot batch id is required")
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	target := s.snapshotPath(snap.BatchID)
	tmp, err := os.CreateTemp(s.baseDir, ".batch-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot reads one batch by id. Absence is ErrBatchNotFound so callers
// can distinguish a missing batch from one with zero jobs.
func (s *BatchStore) LoadSnapshot(ctx context.Context, batchID string) (pipeline.BatchSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.BatchSnapshot{}, fmt.Errorf("load snapshot canceled: %w", err)
	}
	data, err := os.ReadFile(s.snapshotPath(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return pipeline.BatchSnapshot{}, fmt.Errorf("batch %s: %w", batchID, pipeline.ErrBatchNotFound)
		}
		return pipeline.BatchSnapshot{}, fmt.Errorf("read snapshot %s: %w", batchID, err)
	}
	var snap pipeline.BatchSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.BatchSnapshot{}, fmt.Errorf("decode snapshot %s: %w", batchID, err)
	}
	return snap, nil
}

func (s *BatchStore) snapshotPath(batchID string) string {
	return filepath.Join(s.baseDir, sanitizeID(batchID)+".json")
}

// sanitizeID keeps snapshot filenames flat even if an id contains path
// separators.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(id)
}
