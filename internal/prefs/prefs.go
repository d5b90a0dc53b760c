// Package prefs persists the last successful sync counters shown to the user.
// Writes are last-write-wins and are not coupled to the sample store.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Keys used in the preferences file.
const (
	KeySuccessfulSyncCount = "shared_successful_sync_count"
	KeySuccessfulSyncDate  = "shared_successful_sync_date"
)

// Status is the last successful sync as seen by the user.
type Status struct {
	SuccessfulSyncCount int
	SuccessfulSyncDate  *time.Time
}

// Store is a small key-value settings store for sync counters.
type Store interface {
	Status() (Status, error)
	RecordSuccess(count int, at time.Time) error
}

// MemoryStore keeps the counters in memory.
type MemoryStore struct {
	mu     sync.Mutex
	status Status
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

func (m *MemoryStore) RecordSuccess(count int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	m.status = Status{SuccessfulSyncCount: count, SuccessfulSyncDate: &at}
	return nil
}

// FileStore keeps the counters in a YAML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the YAML file at path.
// The file is created on the first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileContents struct {
	Count int        `yaml:"shared_successful_sync_count"`
	Date  *time.Time `yaml:"shared_successful_sync_date,omitempty"`
}

func (f *FileStore) Status() (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	contents, err := f.read()
	if err != nil {
		return Status{}, err
	}
	return Status{SuccessfulSyncCount: contents.Count, SuccessfulSyncDate: contents.Date}, nil
}

func (f *FileStore) RecordSuccess(count int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	at = at.UTC()
	raw, err := yaml.Marshal(fileContents{Count: count, Date: &at})
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	// write-then-rename so a crash never leaves a torn file
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".prefs-*")
	if err != nil {
		return fmt.Errorf("failed to create preferences file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

func (f *FileStore) read() (fileContents, error) {
	var contents fileContents

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return contents, nil
	}
	if err != nil {
		return contents, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := yaml.Unmarshal(raw, &contents); err != nil {
		return contents, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return contents, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
