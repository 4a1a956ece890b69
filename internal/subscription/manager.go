// Package subscription turns an instrument universe into batched market data
// requests per session and keeps track of what is outstanding.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/schema"
	"github.com/coachpo/mdfeed/internal/telemetry"
	"github.com/coachpo/mdfeed/internal/universe"
)

// DefaultBatchSize is the number of symbols per request when none is configured.
const DefaultBatchSize = 50

// Transport delivers encoded requests to a session.
type Transport interface {
	// Send returns nil only when the request was handed to the session.
	Send(ctx context.Context, session schema.SessionID, req schema.Request) error
}

// Config controls how requests are shaped.
type Config struct {
	BatchSize   int
	Depth       int
	UpdateStyle schema.UpdateStyle
	// RequestRate caps outbound requests per second. Zero disables throttling.
	RequestRate float64
	// CancelWithSymbols repeats the symbol list on unsubscribe requests.
	CancelWithSymbols bool
}

func (c Config) normalize() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.Depth < 1 {
		c.Depth = 1
	}
	if c.UpdateStyle == "" {
		c.UpdateStyle = schema.UpdateIncremental
	}
	return c
}

// Subscription is a delivered subscribe request awaiting cancellation.
type Subscription struct {
	RequestID string
	Symbols   []string
	IssuedAt  time.Time
}

type sessionState struct {
	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

// Manager issues subscribe and unsubscribe requests per session.
type Manager struct {
	cfg       Config
	transport Transport
	limiter   *rate.Limiter
	logger    observability.Logger
	now       func() time.Time
	isActive  func(schema.SessionID) bool

	seq atomic.Uint64

	mu       sync.Mutex
	sessions map[schema.SessionID]*sessionState

	requestsCounter metric.Int64Counter
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the IssuedAt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLiveness lets the manager skip unsubscribe requests for sessions that
// are no longer logged on. Their outstanding set is still cleared.
func WithLiveness(isActive func(schema.SessionID) bool) Option {
	return func(m *Manager) {
		m.isActive = isActive
	}
}

// NewManager constructs a Manager sending through transport.
func NewManager(cfg Config, transport Transport, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.normalize(),
		transport: transport,
		now:       time.Now,
		sessions:  make(map[schema.SessionID]*sessionState),
	}
	if m.cfg.RequestRate > 0 {
		burst := int(m.cfg.RequestRate)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(m.cfg.RequestRate), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = observability.OrGlobal(m.logger)

	meter := otel.Meter("subscription")
	m.requestsCounter, _ = meter.Int64Counter("mdfeed_subscription_requests_total",
		metric.WithDescription("Market data requests sent by kind and result"),
		metric.WithUnit("{request}"))
	return m
}

// Config returns the normalised configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Subscribe replaces every outstanding request for session with fresh
// subscriptions covering u. Batches that fail to send are logged and skipped;
// the combined failure is returned after all batches were attempted.
func (m *Manager) Subscribe(ctx context.Context, session schema.SessionID, u universe.Universe) error {
	return m.SubscribeCurrent(ctx, session, func() universe.Universe { return u })
}

// SubscribeCurrent behaves like Subscribe but obtains the universe from
// current while holding the session lock, so the latest universe wins over any
// subscription that completed while this call was waiting.
func (m *Manager) SubscribeCurrent(ctx context.Context, session schema.SessionID, current func() universe.Universe) error {
	for {
		state := m.state(session, true)
		state.mu.Lock()
		if state.closed {
			state.mu.Unlock()
			m.forget(session, state)
			continue
		}
		err := m.subscribeLocked(ctx, session, state, current())
		state.mu.Unlock()
		return err
	}
}

func (m *Manager) subscribeLocked(ctx context.Context, session schema.SessionID, state *sessionState, u universe.Universe) error {
	failures := m.cancelLocked(ctx, session, state)

	batches := u.Batches(m.cfg.BatchSize)
	for _, batch := range batches {
		req := schema.Request{
			ID:          m.nextRequestID(session),
			Kind:        schema.RequestSubscribe,
			Symbols:     batch,
			EntryTypes:  schema.DefaultEntryTypes(),
			Depth:       m.cfg.Depth,
			UpdateStyle: m.cfg.UpdateStyle,
		}
		if err := m.send(ctx, session, req); err != nil {
			failures = append(failures, err)
			continue
		}
		state.subs = append(state.subs, Subscription{RequestID: req.ID, Symbols: batch, IssuedAt: m.now()})
	}
	m.logger.Info("subscribed session",
		observability.F("session", session.String()),
		observability.F("symbols", u.Len()),
		observability.F("batches", len(batches)),
		observability.F("delivered", len(state.subs)))

	if len(failures) > 0 {
		return observability.AggregateErrors(m.logger, "subscribe", failures, observability.F("session", session.String()))
	}
	return nil
}

// Cancel unsubscribes every outstanding request for session. The outstanding
// set is cleared even when some unsubscribe requests could not be sent.
func (m *Manager) Cancel(ctx context.Context, session schema.SessionID) error {
	state := m.state(session, false)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	failures := m.cancelLocked(ctx, session, state)
	state.mu.Unlock()
	if len(failures) > 0 {
		return observability.AggregateErrors(m.logger, "cancel", failures, observability.F("session", session.String()))
	}
	return nil
}

// OnSessionTerminated cancels outstanding requests and forgets the session.
func (m *Manager) OnSessionTerminated(ctx context.Context, session schema.SessionID) error {
	state := m.state(session, false)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	failures := m.cancelLocked(ctx, session, state)
	state.closed = true
	state.mu.Unlock()

	m.forget(session, state)

	m.logger.Info("session state released", observability.F("session", session.String()))
	if len(failures) > 0 {
		return observability.AggregateErrors(m.logger, "terminate", failures, observability.F("session", session.String()))
	}
	return nil
}

func (m *Manager) cancelLocked(ctx context.Context, session schema.SessionID, state *sessionState) []error {
	if len(state.subs) == 0 {
		return nil
	}
	if m.isActive != nil && !m.isActive(session) {
		m.logger.Debug("session not logged on, dropping subscriptions without unsubscribe",
			observability.F("session", session.String()),
			observability.F("requests", len(state.subs)))
		state.subs = nil
		return nil
	}
	var failures []error
	for _, sub := range state.subs {
		req := schema.Request{
			ID:          sub.RequestID,
			Kind:        schema.RequestUnsubscribe,
			EntryTypes:  schema.DefaultEntryTypes(),
			Depth:       m.cfg.Depth,
			UpdateStyle: m.cfg.UpdateStyle,
		}
		if m.cfg.CancelWithSymbols {
			req.Symbols = sub.Symbols
		}
		if err := m.send(ctx, session, req); err != nil {
			failures = append(failures, err)
		}
	}
	m.logger.Debug("cancelled subscriptions",
		observability.F("session", session.String()),
		observability.F("requests", len(state.subs)),
		observability.F("failed", len(failures)))
	state.subs = nil
	return failures
}

func (m *Manager) send(ctx context.Context, session schema.SessionID, req schema.Request) error {
	var err error
	if m.limiter != nil {
		if werr := m.limiter.Wait(ctx); werr != nil {
			err = werr
		}
	}
	if err == nil {
		if m.transport == nil {
			err = errors.New("no transport configured")
		} else {
			err = m.transport.Send(ctx, session, req)
		}
	}
	m.record(ctx, req.Kind, err)
	if err == nil {
		return nil
	}
	wrapped := errs.New("subscription/send", errs.CodeSendFailed,
		errs.WithSession(session.String()),
		errs.WithField("request_id", req.ID),
		errs.WithField("kind", string(req.Kind)),
		errs.WithCause(err))
	m.logger.Error("market data request not delivered",
		observability.F("session", session.String()),
		observability.F("request_id", req.ID),
		observability.F("kind", string(req.Kind)),
		observability.F("error", err))
	return wrapped
}

func (m *Manager) record(ctx context.Context, kind schema.RequestKind, err error) {
	if m.requestsCounter == nil {
		return
	}
	result := telemetry.ResultOK
	if err != nil {
		result = telemetry.ResultFailed
	}
	m.requestsCounter.Add(ctx, 1, metric.WithAttributes(telemetry.KindResultAttributes(string(kind), result)...))
}

func (m *Manager) nextRequestID(session schema.SessionID) string {
	return fmt.Sprintf("%s:MD:%d", session.SenderCompID, m.seq.Add(1))
}

func (m *Manager) state(session schema.SessionID, create bool) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[session]
	if !ok && create {
		state = new(sessionState)
		m.sessions[session] = state
	}
	return state
}

func (m *Manager) forget(session schema.SessionID, state *sessionState) {
	m.mu.Lock()
	if m.sessions[session] == state {
		delete(m.sessions, session)
	}
	m.mu.Unlock()
}

// Outstanding returns the delivered subscriptions for session.
func (m *Manager) Outstanding(session schema.SessionID) []Subscription {
	state := m.state(session, false)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]Subscription, len(state.subs))
	copy(out, state.subs)
	return out
}

// Sessions lists the sessions with tracked state, ordered by their string form.
func (m *Manager) Sessions() []schema.SessionID {
	m.mu.Lock()
	out := make([]schema.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
