package fixwire

import (
	"fmt"

	"github.com/quickfixgo/quickfix"

	"github.com/coachpo/mdfeed/internal/observability"
)

// LogFactory routes quickfix session logs to an observability.Logger.
// Raw message traffic is logged at debug level.
type LogFactory struct {
	logger observability.Logger
}

var _ quickfix.LogFactory = LogFactory{}

// NewLogFactory constructs a LogFactory.
func NewLogFactory(logger observability.Logger) LogFactory {
	return LogFactory{logger: observability.OrGlobal(logger)}
}

// Create returns the global quickfix log.
func (f LogFactory) Create() (quickfix.Log, error) {
	return sessionLog{logger: f.logger, session: "global"}, nil
}

// CreateSessionLog returns a log scoped to sessionID.
func (f LogFactory) CreateSessionLog(sessionID quickfix.SessionID) (quickfix.Log, error) {
	return sessionLog{logger: f.logger, session: SessionIDFrom(sessionID).String()}, nil
}

type sessionLog struct {
	logger  observability.Logger
	session string
}

func (l sessionLog) OnIncoming(msg []byte) {
	l.logger.Debug("fix incoming", observability.F("session", l.session), observability.F("message", printable(msg)))
}

func (l sessionLog) OnOutgoing(msg []byte) {
	l.logger.Debug("fix outgoing", observability.F("session", l.session), observability.F("message", printable(msg)))
}

func (l sessionLog) OnEvent(text string) {
	l.logger.Info("fix event", observability.F("session", l.session), observability.F("event", text))
}

func (l sessionLog) OnEventf(format string, args ...interface{}) {
	l.OnEvent(fmt.Sprintf(format, args...))
}

func printable(msg []byte) string {
	out := make([]byte, len(msg))
	for i, b := range msg {
		if b == soh {
			out[i] = '|'
			continue
		}
		out[i] = b
	}
	return string(out)
}
