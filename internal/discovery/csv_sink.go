package discovery

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/mdfeed/internal/errs"
)

var csvHeader = []string{"symbol", "first_seen"}

// CSVSink appends entries to a CSV file, writing the header when the file is new.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

// NewCSVSink constructs a sink writing to path.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: strings.TrimSpace(path)}
}

// Path returns the file the sink appends to.
func (s *CSVSink) Path() string {
	return s.path
}

// Append writes one `<symbol>,<RFC3339 timestamp>` line.
func (s *CSVSink) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("csv sink context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.fail("create discovery directory", err)
		}
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 -- path is operator configured.
	if err != nil {
		return s.fail("open discovery file", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return s.fail("stat discovery file", err)
	}
	w := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return s.fail("write discovery header", err)
		}
	}
	if err := w.Write([]string{entry.Symbol, entry.FirstSeen.UTC().Format(time.RFC3339Nano)}); err != nil {
		return s.fail("write discovery entry", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return s.fail("flush discovery entry", err)
	}
	return nil
}

func (s *CSVSink) fail(msg string, err error) error {
	return errs.New("discovery/csv", errs.CodeSinkWriteFailed,
		errs.WithMessage(msg), errs.WithField("path", s.path), errs.WithCause(err))
}
