package universe

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/mdfeed/internal/errs"
)

// Store holds the current universe and refreshes it from a Source.
type Store struct {
	source Source

	mu      sync.RWMutex
	current Universe
	loaded  bool
}

// NewStore constructs a Store backed by source. The store starts empty.
func NewStore(source Source) *Store {
	return &Store{source: source, current: New(nil)}
}

// Load reads the source and replaces the current universe. When the source cannot
// be read the previous universe is kept and returned along with a
// source_unavailable error.
func (s *Store) Load(ctx context.Context) (Universe, error) {
	if s.source == nil {
		return s.Current(), errs.New("universe/load", errs.CodeSourceUnavailable, errs.WithMessage("no universe source configured"))
	}
	symbols, err := s.source.Read(ctx)
	if err != nil {
		prev := s.Current()
		if errs.Is(err, errs.CodeSourceUnavailable) {
			return prev, err
		}
		return prev, errs.New("universe/load", errs.CodeSourceUnavailable, errs.WithCause(fmt.Errorf("read source: %w", err)))
	}
	next := New(symbols)

	s.mu.Lock()
	s.current = next
	s.loaded = true
	s.mu.Unlock()
	return next, nil
}

// Current returns the last successfully loaded universe.
func (s *Store) Current() Universe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Size returns the number of instruments in the current universe.
func (s *Store) Size() int {
	return s.Current().Len()
}

// Contains reports whether symbol belongs to the current universe.
func (s *Store) Contains(symbol string) bool {
	return s.Current().Contains(symbol)
}

// Loaded reports whether at least one load has succeeded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}
