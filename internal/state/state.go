package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrCursorRegress is returned when an advance would move the cursor backwards.
var ErrCursorRegress = errors.New("cursor must not regress")

// document is the on-disk shape: one JSON object holding the cursor and the
// dedup record in insertion order.
type document struct {
	LastProcessedBlock uint64   `json:"last_processed_block"`
	ProcessedKeys      []string `json:"processed_event_keys"`
}

// Store tracks durable scan progress: the last fully processed block and a
// bounded FIFO record of relayed event keys. The orchestrator is the sole
// writer; nothing here is safe for concurrent use.
type Store struct {
	path     string
	capacity int
	log      *slog.Logger

	cursor uint64
	keys   []string
	index  map[string]struct{}
}

// Load reads the backing document. A missing or malformed file yields a
// zero-valued store and a warning; it never fails the caller.
func Load(path string, capacity int, log *slog.Logger) *Store {
	s := &Store{
		path:     path,
		capacity: capacity,
		log:      log,
		index:    map[string]struct{}{},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("state file unreadable, starting fresh", "path", path, "error", err)
		} else {
			log.Warn("state file not found, starting fresh", "path", path)
		}
		return s
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Warn("state file malformed, starting fresh", "path", path, "error", err)
		return s
	}

	s.cursor = doc.LastProcessedBlock
	for _, k := range doc.ProcessedKeys {
		if _, ok := s.index[k]; ok {
			continue
		}
		s.keys = append(s.keys, k)
		s.index[k] = struct{}{}
	}
	s.evict()
	return s
}

// LastProcessedBlock returns the current cursor.
func (s *Store) LastProcessedBlock() uint64 {
	return s.cursor
}

// AdvanceTo moves the cursor forward. The cursor is monotonic: moving it
// backwards is an invariant violation.
func (s *Store) AdvanceTo(block uint64) error {
	if block < s.cursor {
		return fmt.Errorf("%w: %d < %d", ErrCursorRegress, block, s.cursor)
	}
	s.cursor = block
	return nil
}

// Checkpoint advances the cursor and persists the document in one step. The
// in-memory cursor reverts when the write fails, so the cursor is never
// observed past a position that is not durable.
func (s *Store) Checkpoint(block uint64) error {
	prev := s.cursor
	if err := s.AdvanceTo(block); err != nil {
		return err
	}
	if err := s.Persist(); err != nil {
		s.cursor = prev
		return err
	}
	return nil
}

// IsProcessed reports whether key is in the dedup record.
func (s *Store) IsProcessed(key string) bool {
	_, ok := s.index[key]
	return ok
}

// MarkProcessed appends key to the dedup record, evicting the oldest entries
// once the record exceeds its capacity.
func (s *Store) MarkProcessed(key string) {
	if _, ok := s.index[key]; ok {
		return
	}
	s.keys = append(s.keys, key)
	s.index[key] = struct{}{}
	s.evict()
}

// Len returns the size of the dedup record.
func (s *Store) Len() int {
	return len(s.keys)
}

func (s *Store) evict() {
	if s.capacity <= 0 {
		return
	}
	for len(s.keys) > s.capacity {
		old := s.keys[0]
		s.keys = s.keys[1:]
		delete(s.index, old)
	}
}

// Persist writes the full document durably. The write is atomic from a
// reader's perspective: the document lands in a temp file, is synced, and
// replaces the old file by rename, so a crash mid-write leaves the previous
// document loadable.
func (s *Store) Persist() error {
	doc := document{
		LastProcessedBlock: s.cursor,
		ProcessedKeys:      s.keys,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
