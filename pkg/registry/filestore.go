package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps run records in a single JSON file, rewritten atomically on
// every change. It is the default backend for single-operator use. Every
// operation re-reads the file before acting, so records written by another
// process (a concurrent run, or the admin server) are merged instead of
// clobbered by this process's snapshot.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens the registry file at path, verifying it parses if it
// already exists.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() (map[string]Record, error) {
	runs := make(map[string]Record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return runs, nil
		}
		return nil, err
	}
	var container struct {
		Runs []Record `json:"runs"`
	}
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("parse run registry: %w", err)
	}
	for _, rec := range container.Runs {
		runs[rec.RunID] = rec
	}
	return runs, nil
}

// save rewrites the registry file; callers hold the lock.
func (s *FileStore) save(runs map[string]Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := struct {
		Runs []Record `json:"runs"`
	}{Runs: sortedRecords(runs)}

	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func sortedRecords(runs map[string]Record) []Record {
	out := make([]Record, 0, len(runs))
	for _, rec := range runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *FileStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return err
	}
	runs[rec.RunID] = rec
	return s.save(runs)
}

func (s *FileStore) Get(ctx context.Context, runID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := runs[runID]
	return rec, ok, nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedRecords(runs), nil
}

func (s *FileStore) Remove(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := runs[runID]; !ok {
		return nil
	}
	delete(runs, runID)
	return s.save(runs)
}
