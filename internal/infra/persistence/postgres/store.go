// Package postgres implements the universe source and discovery sink on pgx.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mdfeed/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed feed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Universe returns a universe source reading the instruments table.
func (s *Store) Universe() *UniverseSource {
	return NewUniverseSource(s.Pool())
}

// Discovery returns a discovery sink writing to discovered_symbols under runID.
func (s *Store) Discovery(runID string) *DiscoveryStore {
	return NewDiscoveryStore(s.Pool(), runID)
}
