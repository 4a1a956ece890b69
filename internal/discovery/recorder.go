// Package discovery records instruments seen in market data that are not part of the universe.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/observability"
)

// Entry is a discovered instrument and the time it was first reported.
type Entry struct {
	Symbol    string
	FirstSeen time.Time
}

// DefaultAppendTimeout bounds a sink write when no timeout is configured.
const DefaultAppendTimeout = 2 * time.Second

// Sink durably appends discovery entries. Append must return once ctx is done.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Membership answers whether a symbol belongs to the current universe.
type Membership interface {
	Contains(symbol string) bool
}

// Recorder appends each unknown symbol to its Sink at most once.
type Recorder struct {
	universe Membership
	sink     Sink
	logger   observability.Logger
	now      func() time.Time
	timeout  time.Duration

	seen     sync.Map // symbol -> struct{}
	inflight sync.Map // symbol -> *sync.Mutex

	mu      sync.Mutex
	entries []Entry
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for discovery and sink failures.
func WithLogger(logger observability.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithClock overrides the first-seen timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAppendTimeout bounds each sink write. Non-positive values are ignored.
func WithAppendTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder constructs a Recorder checking membership against universe.
func NewRecorder(universe Membership, sink Sink, opts ...Option) *Recorder {
	r := &Recorder{universe: universe, sink: sink, now: time.Now, timeout: DefaultAppendTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = observability.OrGlobal(r.logger)
	return r
}

// Report appends symbol to the sink unless it belongs to the universe or has
// already been recorded. Concurrent reports of the same symbol produce a single
// entry; reports of different symbols do not wait on each other. Each sink write
// is bounded by the append timeout. Sink failures are logged and the symbol
// stays eligible for a later report. It returns true when this call appended
// the entry.
func (r *Recorder) Report(ctx context.Context, symbol string) bool {
	if symbol == "" {
		return false
	}
	if r.universe != nil && r.universe.Contains(symbol) {
		return false
	}
	if _, done := r.seen.Load(symbol); done {
		return false
	}

	lock, _ := r.inflight.LoadOrStore(symbol, new(sync.Mutex))
	symbolMu := lock.(*sync.Mutex)
	symbolMu.Lock()
	defer symbolMu.Unlock()
	if _, done := r.seen.Load(symbol); done {
		return false
	}
	entry := Entry{Symbol: symbol, FirstSeen: r.now().UTC()}
	if r.sink != nil {
		appendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.sink.Append(appendCtx, entry)
		cancel()
		if err != nil {
			wrapped := errs.New("discovery/report", errs.CodeSinkWriteFailed, errs.WithSymbol(symbol), errs.WithCause(err))
			r.logger.Error("discovery append failed", observability.F("symbol", symbol), observability.F("error", wrapped))
			return false
		}
	}
	r.seen.Store(symbol, struct{}{})
	// Later reports stop at the seen check, so the per-symbol lock can go.
	r.inflight.Delete(symbol)

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	r.logger.Info("discovered new symbol", observability.F("symbol", symbol))
	return true
}

// Entries returns the entries recorded so far in discovery order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
