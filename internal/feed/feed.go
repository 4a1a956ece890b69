// Package feed wires the universe, cache, discovery, subscription, and reload
// components behind the callbacks a market data transport drives.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mdfeed/internal/book"
	"github.com/coachpo/mdfeed/internal/discovery"
	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/reload"
	"github.com/coachpo/mdfeed/internal/schema"
	"github.com/coachpo/mdfeed/internal/subscription"
	"github.com/coachpo/mdfeed/internal/telemetry"
	"github.com/coachpo/mdfeed/internal/universe"
)

// Transport sends requests and reports session liveness.
type Transport interface {
	subscription.Transport
	IsActive(session schema.SessionID) bool
}

// Config controls the feed.
type Config struct {
	Subscription        subscription.Config
	ReloadInterval      time.Duration
	InitialLoadAttempts int
	InitialLoadBackoff  time.Duration
	// AppendTimeout bounds each discovery sink write.
	AppendTimeout time.Duration
}

// SessionStatus describes an active session.
type SessionStatus struct {
	Session       schema.SessionID
	EstablishedAt time.Time
	Outstanding   int
}

// Feed is the entry point for transport callbacks and queries.
type Feed struct {
	cfg       Config
	logger    observability.Logger
	transport Transport

	store     *universe.Store
	cache     *book.Cache
	recorder  *discovery.Recorder
	manager   *subscription.Manager
	scheduler *reload.Scheduler

	mu     sync.RWMutex
	active map[schema.SessionID]time.Time

	updatesCounter   metric.Int64Counter
	discoveryCounter metric.Int64Counter
}

// New constructs a feed reading the universe from source and appending
// discovered symbols to sink.
func New(cfg Config, source universe.Source, sink discovery.Sink, transport Transport, logger observability.Logger) *Feed {
	logger = observability.OrGlobal(logger)
	if cfg.InitialLoadAttempts < 1 {
		cfg.InitialLoadAttempts = 5
	}
	if cfg.InitialLoadBackoff <= 0 {
		cfg.InitialLoadBackoff = 500 * time.Millisecond
	}
	f := &Feed{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		store:     universe.NewStore(source),
		cache:     book.NewCache(),
		active:    make(map[schema.SessionID]time.Time),
	}
	f.recorder = discovery.NewRecorder(f.store, sink,
		discovery.WithLogger(logger),
		discovery.WithAppendTimeout(cfg.AppendTimeout))
	managerOpts := []subscription.Option{subscription.WithLogger(logger)}
	if transport != nil {
		managerOpts = append(managerOpts, subscription.WithLiveness(transport.IsActive))
	}
	f.manager = subscription.NewManager(cfg.Subscription, transport, managerOpts...)
	f.scheduler = reload.NewScheduler(cfg.ReloadInterval, f.store, f, f.manager, logger)
	f.registerMetrics()
	return f
}

func (f *Feed) registerMetrics() {
	meter := otel.Meter("feed")
	f.updatesCounter, _ = meter.Int64Counter("mdfeed_book_updates_total",
		metric.WithDescription("Top of book updates applied by kind"),
		metric.WithUnit("{update}"))
	f.discoveryCounter, _ = meter.Int64Counter("mdfeed_discovery_symbols_total",
		metric.WithDescription("Symbols outside the universe recorded by discovery"),
		metric.WithUnit("{symbol}"))
	_, _ = meter.Int64ObservableCounter("mdfeed_book_cas_retries_total",
		metric.WithDescription("Compare-and-swap conflicts retried by the top of book cache"),
		metric.WithUnit("{retry}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(f.cache.Retries()), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("mdfeed_universe_size",
		metric.WithDescription("Symbols in the current universe"),
		metric.WithUnit("{symbol}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(f.store.Size()), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
}

// Start loads the initial universe, retrying with exponential backoff, and
// starts the reload scheduler. A universe that cannot be loaded is logged and
// the feed starts empty; the scheduler keeps trying on every cycle.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.initialLoad(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		f.logger.Error("initial universe load failed, starting with empty universe", observability.F("error", err))
	}
	f.scheduler.Start(ctx)
	return nil
}

func (f *Feed) initialLoad(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.InitialLoadBackoff
	bo.MaxInterval = 10 * time.Second
	var lastErr error
	for attempt := 1; attempt <= f.cfg.InitialLoadAttempts; attempt++ {
		u, err := f.store.Load(ctx)
		if err == nil {
			f.logger.Info("universe loaded", observability.F("symbols", u.Len()), observability.F("attempt", attempt))
			return nil
		}
		lastErr = err
		if attempt == f.cfg.InitialLoadAttempts {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		f.logger.Warn("universe load failed, retrying",
			observability.F("attempt", attempt),
			observability.F("retry_in", sleep.String()),
			observability.F("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("load universe after %d attempts: %w", f.cfg.InitialLoadAttempts, lastErr)
}

// Close stops the reload scheduler, waiting for an in-flight cycle.
func (f *Feed) Close() {
	f.scheduler.Stop()
}

// OnSessionEstablished registers session and subscribes it to the current universe.
func (f *Feed) OnSessionEstablished(ctx context.Context, session schema.SessionID) error {
	f.mu.Lock()
	f.active[session] = time.Now()
	f.mu.Unlock()
	f.logger.Info("session established", observability.F("session", session.String()))
	// The universe is read under the session lock so a concurrent reload
	// cannot be overwritten with an older symbol set.
	return f.manager.SubscribeCurrent(ctx, session, f.store.Current)
}

// OnSessionTerminated cancels the session's subscriptions and forgets it.
func (f *Feed) OnSessionTerminated(ctx context.Context, session schema.SessionID) error {
	f.mu.Lock()
	delete(f.active, session)
	f.mu.Unlock()
	f.logger.Info("session terminated", observability.F("session", session.String()))
	return f.manager.OnSessionTerminated(ctx, session)
}

// OnMarketDataEvent merges a decoded event into the cache and reports symbols
// outside the universe to discovery. Malformed entries are logged and skipped.
func (f *Feed) OnMarketDataEvent(ctx context.Context, session schema.SessionID, event schema.Event) error {
	switch evt := event.(type) {
	case schema.Snapshot:
		return f.applySnapshot(ctx, session, evt)
	case *schema.Snapshot:
		if evt == nil {
			return nil
		}
		return f.applySnapshot(ctx, session, *evt)
	case schema.Incremental:
		return f.applyIncremental(ctx, session, evt)
	case *schema.Incremental:
		if evt == nil {
			return nil
		}
		return f.applyIncremental(ctx, session, *evt)
	default:
		return errs.New("feed/event", errs.CodeMalformedEvent,
			errs.WithSession(session.String()),
			errs.WithMessage(fmt.Sprintf("unsupported event %T", event)))
	}
}

func (f *Feed) applySnapshot(ctx context.Context, session schema.SessionID, evt schema.Snapshot) error {
	err := f.cache.ApplySnapshot(evt.Symbol, evt.Entries)
	if err != nil {
		f.logMalformed(session, err)
	}
	if evt.Symbol == "" {
		return err
	}
	f.countUpdate(ctx, "snapshot")
	f.discover(ctx, evt.Symbol)
	return err
}

func (f *Feed) applyIncremental(ctx context.Context, session schema.SessionID, evt schema.Incremental) error {
	var failures []error
	for _, entry := range evt.Entries {
		if err := f.cache.ApplyIncremental(entry.Symbol, entry.Side, entry.Action, entry.Price); err != nil {
			f.logMalformed(session, err)
			failures = append(failures, err)
			continue
		}
		f.countUpdate(ctx, "incremental")
		f.discover(ctx, entry.Symbol)
	}
	return errors.Join(failures...)
}

func (f *Feed) discover(ctx context.Context, symbol string) {
	if f.recorder.Report(ctx, symbol) && f.discoveryCounter != nil {
		f.discoveryCounter.Add(ctx, 1, metric.WithAttributes(telemetry.ResultAttributes(telemetry.ResultRecorded)...))
	}
}

func (f *Feed) countUpdate(ctx context.Context, kind string) {
	if f.updatesCounter == nil {
		return
	}
	f.updatesCounter.Add(ctx, 1, metric.WithAttributes(telemetry.KindAttributes(kind)...))
}

func (f *Feed) logMalformed(session schema.SessionID, err error) {
	f.logger.Warn("skipping malformed market data",
		observability.F("session", session.String()),
		observability.F("error", err))
}

// Peek returns the latest top of book for symbol.
func (f *Feed) Peek(symbol string) (book.TopOfBook, bool) {
	return f.cache.Peek(symbol)
}

// Symbols lists instruments with a cached top of book.
func (f *Feed) Symbols() []string {
	return f.cache.Symbols()
}

// UniverseSize returns the number of symbols in the current universe.
func (f *Feed) UniverseSize() int {
	return f.store.Size()
}

// Universe returns the current universe.
func (f *Feed) Universe() universe.Universe {
	return f.store.Current()
}

// UniverseLoaded reports whether a universe has been loaded successfully.
func (f *Feed) UniverseLoaded() bool {
	return f.store.Loaded()
}

// Discovered returns the symbols recorded by discovery so far.
func (f *Feed) Discovered() []discovery.Entry {
	return f.recorder.Entries()
}

// ActiveSessions lists registered sessions the transport still reports as
// logged on.
func (f *Feed) ActiveSessions() []schema.SessionID {
	f.mu.RLock()
	out := make([]schema.SessionID, 0, len(f.active))
	for id := range f.active {
		if f.transport != nil && !f.transport.IsActive(id) {
			continue
		}
		out = append(out, id)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Sessions describes every active session and its outstanding request count.
func (f *Feed) Sessions() []SessionStatus {
	ids := f.ActiveSessions()
	out := make([]SessionStatus, 0, len(ids))
	f.mu.RLock()
	established := make(map[schema.SessionID]time.Time, len(ids))
	for _, id := range ids {
		established[id] = f.active[id]
	}
	f.mu.RUnlock()
	for _, id := range ids {
		out = append(out, SessionStatus{
			Session:       id,
			EstablishedAt: established[id],
			Outstanding:   len(f.manager.Outstanding(id)),
		})
	}
	return out
}

// Reload runs one reload cycle immediately.
func (f *Feed) Reload(ctx context.Context) (bool, error) {
	return f.scheduler.RunOnce(ctx)
}
