package fixwire

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quickfixgo/quickfix"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

// SendFunc delivers a message to a quickfix session.
type SendFunc func(msg quickfix.Messagable, sessionID quickfix.SessionID) error

// Transport sends market data requests through quickfix sessions and tracks
// which sessions are logged on.
type Transport struct {
	send SendFunc

	mu       sync.RWMutex
	sessions map[schema.SessionID]quickfix.SessionID
	active   map[schema.SessionID]bool
}

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithSendFunc replaces quickfix.SendToTarget.
func WithSendFunc(send SendFunc) TransportOption {
	return func(t *Transport) {
		if send != nil {
			t.send = send
		}
	}
}

// NewTransport constructs a Transport.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		send:     quickfix.SendToTarget,
		sessions: make(map[schema.SessionID]quickfix.SessionID),
		active:   make(map[schema.SessionID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// SessionIDFrom converts a quickfix session identity.
func SessionIDFrom(sid quickfix.SessionID) schema.SessionID {
	return schema.SessionID{
		BeginString:  sid.BeginString,
		SenderCompID: sid.SenderCompID,
		TargetCompID: sid.TargetCompID,
		Qualifier:    sid.Qualifier,
	}
}

// Register records a session created by quickfix.
func (t *Transport) Register(sid quickfix.SessionID) schema.SessionID {
	id := SessionIDFrom(sid)
	t.mu.Lock()
	t.sessions[id] = sid
	t.mu.Unlock()
	return id
}

// SetActive marks a session as logged on or off.
func (t *Transport) SetActive(sid quickfix.SessionID, active bool) schema.SessionID {
	id := SessionIDFrom(sid)
	t.mu.Lock()
	t.sessions[id] = sid
	if active {
		t.active[id] = true
	} else {
		delete(t.active, id)
	}
	t.mu.Unlock()
	return id
}

// IsActive reports whether the session is logged on.
func (t *Transport) IsActive(session schema.SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[session]
}

// ActiveSessions lists logged on sessions.
func (t *Transport) ActiveSessions() []schema.SessionID {
	t.mu.RLock()
	out := make([]schema.SessionID, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Send encodes req and hands it to the session. Requests for sessions that
// are not logged on are refused so they are not replayed on a later logon.
func (t *Transport) Send(ctx context.Context, session schema.SessionID, req schema.Request) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send context: %w", err)
	}
	t.mu.RLock()
	sid, known := t.sessions[session]
	active := t.active[session]
	t.mu.RUnlock()
	if !known || !active {
		return errs.New("fixwire/send", errs.CodeSendFailed,
			errs.WithSession(session.String()), errs.WithMessage("session not logged on"))
	}
	msg, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := t.send(msg, sid); err != nil {
		return fmt.Errorf("send to target: %w", err)
	}
	return nil
}
