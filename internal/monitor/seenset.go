package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// seenFile is the on-disk shape of the de-duplication record. It stays
// human-inspectable: sorted IDs, ISO-8601 timestamp, monitored channel list.
type seenFile struct {
	SeenVideos  []string  `json:"seen_videos"`
	LastUpdated time.Time `json:"last_updated"`
	Channels    []string  `json:"channels"`
}

// SeenSet is the persisted identifier set used for discovery de-duplication.
// It is owned and mutated only by the Monitor.
type SeenSet struct {
	path string
	ids  map[string]struct{}
}

// LoadSeenSet reads the seen-set from path. A missing file yields an empty
// set; a corrupt file is an error so history is never silently discarded.
func LoadSeenSet(path string) (*SeenSet, error) {
	s := &SeenSet{
		path: path,
		ids:  make(map[string]struct{}),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read seen set %s: %w", path, err)
	}
	var file seenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode seen set %s: %w", path, err)
	}
	for _, id := range file.SeenVideos {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

// Contains reports whether id was examined before.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records an examined identifier.
func (s *SeenSet) Add(id string) {
	s.ids[id] = struct{}{}
}

// Len returns the number of recorded identifiers.
func (s *SeenSet) Len() int {
	return len(s.ids)
}

// Save writes the set atomically (temp file + rename) together with the
// update timestamp and the channel list it covers.
func (s *SeenSet) Save(now time.Time, channels []string) error {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payload, err := json.MarshalIndent(seenFile{
		SeenVideos:  ids,
		LastUpdated: now,
		Channels:    channels,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seen set: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create seen set dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".seen-*.json")
	if err != nil {
		return fmt.Errorf("create temp seen set: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp seen set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp seen set: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename seen set into place: %w", err)
	}
	return nil
}
