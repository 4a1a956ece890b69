package universe

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coachpo/mdfeed/internal/errs"
)

// Source reads the raw instrument identifiers from an external system.
type Source interface {
	Read(ctx context.Context) ([]string, error)
}

// CSVSource reads identifiers from the first column of a CSV file with a header row.
type CSVSource struct {
	Path string
}

// NewCSVSource constructs a CSVSource for path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{Path: strings.TrimSpace(path)}
}

// Read returns the non-empty first-column values below the header row.
func (s *CSVSource) Read(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("csv source context: %w", err)
	}
	file, err := os.Open(s.Path) // #nosec G304 -- universe path is controlled by operators.
	if err != nil {
		return nil, errs.New("universe/csv", errs.CodeSourceUnavailable,
			errs.WithMessage("open universe file"), errs.WithField("path", s.Path), errs.WithCause(err))
	}
	defer func() { _ = file.Close() }()
	return parseCSV(file, s.Path)
}

func parseCSV(r io.Reader, path string) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	var symbols []string
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.New("universe/csv", errs.CodeSourceUnavailable,
				errs.WithMessage("read universe file"), errs.WithField("path", path), errs.WithCause(err))
		}
		if header {
			header = false
			continue
		}
		if len(record) == 0 {
			continue
		}
		symbol := strings.TrimSpace(record[0])
		if symbol == "" {
			continue
		}
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}
