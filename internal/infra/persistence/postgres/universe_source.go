package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mdfeed/internal/errs"
)

const universeSelectSQL = `
SELECT symbol
FROM instruments
WHERE active
ORDER BY symbol;
`

// UniverseSource reads active instrument identifiers from Postgres.
type UniverseSource struct {
	pool *pgxpool.Pool
}

// NewUniverseSource constructs a UniverseSource backed by pool.
func NewUniverseSource(pool *pgxpool.Pool) *UniverseSource {
	return &UniverseSource{pool: pool}
}

// Read returns every active symbol.
func (s *UniverseSource) Read(ctx context.Context) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New("universe/postgres", errs.CodeSourceUnavailable, errs.WithMessage("database pool unavailable"))
	}
	rows, err := s.pool.Query(ctx, universeSelectSQL)
	if err != nil {
		return nil, errs.New("universe/postgres", errs.CodeSourceUnavailable,
			errs.WithMessage("query instruments"), errs.WithCause(err))
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, errs.New("universe/postgres", errs.CodeSourceUnavailable,
				errs.WithMessage("scan instrument"), errs.WithCause(err))
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("universe/postgres", errs.CodeSourceUnavailable,
			errs.WithMessage("iterate instruments"), errs.WithCause(fmt.Errorf("rows: %w", err)))
	}
	return symbols, nil
}
