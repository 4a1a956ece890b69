package fixwire

import (
	"context"
	"sync"

	"github.com/quickfixgo/quickfix"

	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/schema"
)

// Handler receives session lifecycle notifications and decoded market data.
type Handler interface {
	OnSessionEstablished(ctx context.Context, session schema.SessionID) error
	OnSessionTerminated(ctx context.Context, session schema.SessionID) error
	OnMarketDataEvent(ctx context.Context, session schema.SessionID, event schema.Event) error
}

// Application implements quickfix.Application on top of a Handler.
type Application struct {
	ctx       context.Context
	handler   Handler
	transport *Transport
	logger    observability.Logger

	wg sync.WaitGroup
}

var _ quickfix.Application = (*Application)(nil)

// NewApplication constructs an Application. ctx bounds the work started from
// session callbacks.
func NewApplication(ctx context.Context, handler Handler, transport *Transport, logger observability.Logger) *Application {
	return &Application{
		ctx:       ctx,
		handler:   handler,
		transport: transport,
		logger:    observability.OrGlobal(logger),
	}
}

// OnCreate registers the session with the transport.
func (a *Application) OnCreate(sid quickfix.SessionID) {
	id := a.transport.Register(sid)
	a.logger.Debug("fix session created", observability.F("session", id.String()))
}

// OnLogon subscribes the session. Subscription runs off the session goroutine
// so large universes do not delay heartbeats.
func (a *Application) OnLogon(sid quickfix.SessionID) {
	id := a.transport.SetActive(sid, true)
	a.logger.Info("fix logon", observability.F("session", id.String()))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.handler.OnSessionEstablished(a.ctx, id); err != nil {
			a.logger.Warn("subscribe on logon incomplete", observability.F("session", id.String()), observability.F("error", err))
		}
	}()
}

// OnLogout cancels the session's subscriptions and releases its state.
func (a *Application) OnLogout(sid quickfix.SessionID) {
	id := a.transport.SetActive(sid, false)
	a.logger.Info("fix logout", observability.F("session", id.String()))
	if err := a.handler.OnSessionTerminated(context.WithoutCancel(a.ctx), id); err != nil {
		a.logger.Debug("cancel on logout incomplete", observability.F("session", id.String()), observability.F("error", err))
	}
}

// ToAdmin is a no-op.
func (a *Application) ToAdmin(*quickfix.Message, quickfix.SessionID) {}

// ToApp is a no-op.
func (a *Application) ToApp(*quickfix.Message, quickfix.SessionID) error { return nil }

// FromAdmin is a no-op.
func (a *Application) FromAdmin(*quickfix.Message, quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

// FromApp routes market data messages to the handler.
func (a *Application) FromApp(msg *quickfix.Message, sid quickfix.SessionID) quickfix.MessageRejectError {
	msgType, _ := msg.Header.GetString(tagMsgType)
	id := SessionIDFrom(sid)
	switch msgType {
	case msgTypeMarketDataSnapshot, msgTypeMarketDataIncremental:
		event, err := Decode(msg)
		if err != nil {
			a.logger.Warn("market data entries skipped", observability.F("session", id.String()), observability.F("error", err))
		}
		if event == nil {
			return nil
		}
		if err := a.handler.OnMarketDataEvent(a.ctx, id, event); err != nil {
			a.logger.Debug("market data partially applied", observability.F("session", id.String()), observability.F("error", err))
		}
	case msgTypeMarketDataReject:
		reqID, _ := msg.Body.GetString(tagMDReqID)
		reason, _ := msg.Body.GetString(tagMDReqRejReason)
		text, _ := msg.Body.GetString(tagText)
		a.logger.Warn("market data request rejected",
			observability.F("session", id.String()),
			observability.F("request_id", reqID),
			observability.F("reason", reason),
			observability.F("text", text))
	default:
		a.logger.Debug("ignoring application message", observability.F("session", id.String()), observability.F("msg_type", msgType))
	}
	return nil
}

// Wait blocks until callbacks started by OnLogon have returned.
func (a *Application) Wait() {
	a.wg.Wait()
}
