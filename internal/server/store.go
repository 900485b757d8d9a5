package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const storeVersion = 1

// SavedSession is the persisted description of a session, enough to respawn
// it after the server restarts.
type SavedSession struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	WorkingDir string    `yaml:"working_dir,omitempty"`
	Command    string    `yaml:"command,omitempty"`
	Cols       int       `yaml:"cols"`
	Rows       int       `yaml:"rows"`
	CreatedAt  time.Time `yaml:"created_at"`
}

type storeFile struct {
	Version  int            `yaml:"version"`
	Sessions []SavedSession `yaml:"sessions"`
}

// SavedStore keeps saved sessions in a YAML file. An empty path keeps them in
// memory only.
type SavedStore struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]SavedSession
}

// OpenSavedStore loads path, treating a missing file as empty.
func OpenSavedStore(path string) (*SavedStore, error) {
	s := &SavedStore{path: path, sessions: make(map[string]SavedSession)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read saved sessions: %w", err)
	}
	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse saved sessions %s: %w", path, err)
	}
	for _, saved := range f.Sessions {
		if saved.ID != "" {
			s.sessions[saved.ID] = saved
		}
	}
	return s, nil
}

// Get returns the saved session with id.
func (s *SavedStore) Get(id string) (SavedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saved, ok := s.sessions[id]
	return saved, ok
}

// All returns the saved sessions ordered by creation time.
func (s *SavedStore) All() []SavedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Put inserts or replaces a session and writes the file.
func (s *SavedStore) Put(saved SavedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[saved.ID] = saved
	return s.flushLocked()
}

// Rename changes a saved session's name. It reports false for unknown ids.
func (s *SavedStore) Rename(id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	saved.Name = name
	s.sessions[id] = saved
	return true, s.flushLocked()
}

// Delete removes a session and writes the file.
func (s *SavedStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	return s.flushLocked()
}

func (s *SavedStore) sortedLocked() []SavedSession {
	out := make([]SavedSession, 0, len(s.sessions))
	for _, saved := range s.sessions {
		out = append(out, saved)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// flushLocked writes the file through a temp file and rename.
func (s *SavedStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(storeFile{Version: storeVersion, Sessions: s.sortedLocked()})
	if err != nil {
		return fmt.Errorf("marshal saved sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.yaml")
	if err != nil {
		return fmt.Errorf("write saved sessions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write saved sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write saved sessions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write saved sessions: %w", err)
	}
	return nil
}
