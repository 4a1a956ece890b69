// Package reload periodically refreshes the instrument universe and
// resubscribes active sessions when it changes.
package reload

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/schema"
	"github.com/coachpo/mdfeed/internal/telemetry"
	"github.com/coachpo/mdfeed/internal/universe"
)

// DefaultInterval is the reload cadence used when none is configured.
const DefaultInterval = 30 * time.Second

// Loader reloads the universe and exposes the last successfully loaded value.
type Loader interface {
	Load(ctx context.Context) (universe.Universe, error)
	Current() universe.Universe
}

// SessionSource lists sessions that are currently logged on.
type SessionSource interface {
	ActiveSessions() []schema.SessionID
}

// Subscriber replaces a session's subscriptions with the given universe.
type Subscriber interface {
	Subscribe(ctx context.Context, session schema.SessionID, u universe.Universe) error
}

// Scheduler runs reload cycles on a fixed interval.
type Scheduler struct {
	interval   time.Duration
	loader     Loader
	sessions   SessionSource
	subscriber Subscriber
	logger     observability.Logger

	cycleMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	reloadCounter metric.Int64Counter
}

// NewScheduler constructs a scheduler. A non-positive interval selects DefaultInterval.
func NewScheduler(interval time.Duration, loader Loader, sessions SessionSource, subscriber Subscriber, logger observability.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		interval:   interval,
		loader:     loader,
		sessions:   sessions,
		subscriber: subscriber,
		logger:     observability.OrGlobal(logger),
	}
	meter := otel.Meter("reload")
	s.reloadCounter, _ = meter.Int64Counter("mdfeed_universe_reloads_total",
		metric.WithDescription("Universe reload cycles by result"),
		metric.WithUnit("{reload}"))
	return s
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// RunOnce performs a single reload cycle. It reports whether the universe
// changed. Resubscription requests run to completion even if ctx is cancelled
// once they have started.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	previous := s.loader.Current()
	current, err := s.loader.Load(ctx)
	if err != nil {
		s.record(ctx, telemetry.ResultFailed)
		s.logger.Warn("universe reload failed, keeping previous universe",
			observability.F("symbols", previous.Len()),
			observability.F("error", err))
		return false, fmt.Errorf("reload universe: %w", err)
	}
	if !universe.Diff(previous, current) {
		s.record(ctx, telemetry.ResultUnchanged)
		s.logger.Debug("universe unchanged", observability.F("symbols", current.Len()))
		return false, nil
	}

	s.record(ctx, telemetry.ResultChanged)
	active := s.sessions.ActiveSessions()
	s.logger.Info("universe changed",
		observability.F("before", previous.Len()),
		observability.F("after", current.Len()),
		observability.F("sessions", len(active)))
	if len(active) == 0 {
		return true, nil
	}

	sendCtx := context.WithoutCancel(ctx)
	var mu sync.Mutex
	var failures []error
	workers := runtime.GOMAXPROCS(0)
	if workers > len(active) {
		workers = len(active)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, session := range active {
		sess := session
		p.Go(func() {
			if err := s.subscriber.Subscribe(sendCtx, sess, current); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("session %s: %w", sess, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(failures) > 0 {
		return true, observability.AggregateErrors(s.logger, "resubscribe", failures)
	}
	return true, nil
}

// Start launches the periodic loop. Calling Start on a running or stopped
// scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("universe reload scheduler started", observability.F("interval", s.interval.String()))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("universe reload cycle failed", observability.F("error", err))
			}
		}
	}
}

// Stop prevents further cycles and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("universe reload scheduler stopped")
}

func (s *Scheduler) record(ctx context.Context, result string) {
	if s.reloadCounter == nil {
		return
	}
	s.reloadCounter.Add(ctx, 1, metric.WithAttributes(telemetry.ResultAttributes(result)...))
}
