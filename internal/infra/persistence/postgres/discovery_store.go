package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mdfeed/internal/discovery"
	"github.com/coachpo/mdfeed/internal/errs"
)

const discoveryInsertSQL = `
INSERT INTO discovered_symbols (symbol, first_seen, run_id)
VALUES ($1, $2, $3)
ON CONFLICT (symbol) DO NOTHING;
`

// DiscoveryStore appends discovered symbols to Postgres. Symbols already
// recorded by an earlier run keep their original first_seen.
type DiscoveryStore struct {
	pool  *pgxpool.Pool
	runID uuid.UUID
}

var _ discovery.Sink = (*DiscoveryStore)(nil)

// NewDiscoveryStore constructs a DiscoveryStore. A blank or unparsable runID
// is replaced with a fresh random identifier.
func NewDiscoveryStore(pool *pgxpool.Pool, runID string) *DiscoveryStore {
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.New()
	}
	return &DiscoveryStore{pool: pool, runID: id}
}

// RunID identifies the process that recorded the rows.
func (s *DiscoveryStore) RunID() string {
	return s.runID.String()
}

// Append inserts entry unless the symbol is already present.
func (s *DiscoveryStore) Append(ctx context.Context, entry discovery.Entry) error {
	if s == nil || s.pool == nil {
		return errs.New("discovery/postgres", errs.CodeSinkWriteFailed,
			errs.WithSymbol(entry.Symbol), errs.WithMessage("database pool unavailable"))
	}
	if _, err := s.pool.Exec(ctx, discoveryInsertSQL, entry.Symbol, entry.FirstSeen.UTC(), s.runID); err != nil {
		return errs.New("discovery/postgres", errs.CodeSinkWriteFailed,
			errs.WithSymbol(entry.Symbol), errs.WithField("run_id", s.runID.String()), errs.WithCause(err))
	}
	return nil
}
