package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/jamfx/internal/dsp"
	"gopkg.in/yaml.v3"
)

// ArtifactSet is the current set of server-held references for one session.
// Processed and Visualization are always replaced together.
type ArtifactSet struct {
	Original      string `json:"original,omitempty" yaml:"original,omitempty"`
	Processed     string `json:"processed,omitempty" yaml:"processed,omitempty"`
	Visualization string `json:"visualization,omitempty" yaml:"visualization,omitempty"`
}

// HasSession reports whether an original has been uploaded
func (a ArtifactSet) HasSession() bool {
	return a.Original != ""
}

// Resolve returns a copy with every reference made absolute against base
func (a ArtifactSet) Resolve(base string) ArtifactSet {
	return ArtifactSet{
		Original:      dsp.ResolveURL(base, a.Original),
		Processed:     dsp.ResolveURL(base, a.Processed),
		Visualization: dsp.ResolveURL(base, a.Visualization),
	}
}

// stateFile is the on-disk form of the store
type stateFile struct {
	ArtifactSet `yaml:",inline"`
	UpdatedAt   string `yaml:"updated_at,omitempty"`
}

// Store is the single source of truth for the session's ArtifactSet.
//
// Every upload or effect request takes a unique sequence number from begin*.
// A response is committed only if its sequence number is higher than the last
// committed one, so the state always reflects the most recently initiated
// request that has resolved. Reset raises the floor to the last issued number.
type Store struct {
	mu          sync.Mutex
	state       ArtifactSet
	next        uint64
	lastApplied uint64
	path        string
}

// NewStore creates an in-memory store. When path is non-empty the state is
// loaded from and persisted to that YAML file.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var file stateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse session state %s: %w", path, err)
	}
	s.state = file.ArtifactSet

	slog.Debug("Session state loaded", "path", path, "original", s.state.Original)
	return s, nil
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() ArtifactSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset clears the session and discards every in-flight response
func (s *Store) Reset() error {
	s.mu.Lock()
	s.state = ArtifactSet{}
	s.lastApplied = s.next
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session state: %w", err)
	}
	return nil
}

// beginUpload reserves a sequence number for an ingest
func (s *Store) beginUpload() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// beginEffect reserves a sequence number for an effect request. It fails if
// there is no original to apply the effect against.
func (s *Store) beginEffect() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.HasSession() {
		return 0, false
	}
	s.next++
	return s.next, true
}

// commitSession replaces the whole set with the result of an ingest
func (s *Store) commitSession(seq uint64, set ArtifactSet) (ArtifactSet, bool) {
	return s.commit(seq, func(st *ArtifactSet) { *st = set })
}

// commitEffect replaces Processed and Visualization together
func (s *Store) commitEffect(seq uint64, processed, visualization string) (ArtifactSet, bool) {
	return s.commit(seq, func(st *ArtifactSet) {
		st.Processed = processed
		st.Visualization = visualization
	})
}

func (s *Store) commit(seq uint64, mutate func(*ArtifactSet)) (ArtifactSet, bool) {
	s.mu.Lock()
	if seq <= s.lastApplied {
		current := s.state
		last := s.lastApplied
		s.mu.Unlock()
		slog.Debug("Discarding stale response", "seq", seq, "last_applied", last)
		return current, false
	}
	mutate(&s.state)
	s.lastApplied = seq
	current := s.state
	// Saved under the lock so the file never lags behind an older commit
	err := s.save(current)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("Failed to persist session state", "path", s.path, "error", err)
	}
	return current, true
}

// save writes the state file atomically (temp file + rename)
func (s *Store) save(state ArtifactSet) error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(stateFile{
		ArtifactSet: state,
		UpdatedAt:   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
