package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store reads and writes per-project state files. Mutations on the same
// project serialize on a per-project lock; reads take point-in-time
// snapshots without the lock unless they need to write a repair back.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a state store.
func NewStore() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(projectDir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectDir]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectDir] = l
	}
	return l
}

// Path returns the state file path for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, filepath.FromSlash(StateFileName))
}

// load reads and unmarshals the state file, applying auto-repair in
// memory only. A missing file returns ErrNotFound; invalid JSON returns
// ErrCorrupt.
func (s *Store) load(projectDir string) (*Document, []string, error) {
	path := Path(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &doc, Repair(&doc), nil
}

// Load reads the project's state document, applying auto-repair when the
// structure parses but fails semantic validation. Repairs are written
// back under the project lock; the file is re-read there so a concurrent
// mutation is never overwritten.
func (s *Store) Load(projectDir string) (*Document, error) {
	doc, repaired, err := s.load(projectDir)
	if err != nil {
		return nil, err
	}
	if len(repaired) == 0 {
		return doc, nil
	}

	l := s.lock(projectDir)
	l.Lock()
	defer l.Unlock()
	doc, repaired, err = s.load(projectDir)
	if err != nil {
		return nil, err
	}
	if len(repaired) > 0 {
		if err := s.Save(projectDir, doc); err != nil {
			return nil, fmt.Errorf("persist auto-repair: %w", err)
		}
	}
	return doc, nil
}

// Save writes the document atomically: sibling temp file, fsync, rename.
// The live path is never partially written.
func (s *Store) Save(projectDir string, doc *Document) error {
	path := Path(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".orchestration-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Mutate loads the document, applies fn, and saves, all under the
// project's exclusive lock. An error from fn aborts without saving.
func (s *Store) Mutate(projectDir string, fn func(*Document) error) error {
	l := s.lock(projectDir)
	l.Lock()
	defer l.Unlock()

	doc, _, err := s.load(projectDir)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.Save(projectDir, doc)
}

// Init creates a fresh state document for a project if none exists.
func (s *Store) Init(projectDir string, project ProjectInfo) (*Document, error) {
	l := s.lock(projectDir)
	l.Lock()
	defer l.Unlock()

	if doc, _, err := s.load(projectDir); err == nil {
		return doc, nil
	}
	doc := NewDocument(project)
	if err := s.Save(projectDir, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
