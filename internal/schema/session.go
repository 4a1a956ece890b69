package schema

import "strings"

// SessionID identifies a transport session. It is comparable and safe to use as a map key.
type SessionID struct {
	BeginString  string
	SenderCompID string
	TargetCompID string
	Qualifier    string
}

// String renders the session in the conventional BEGIN:SENDER->TARGET form.
func (s SessionID) String() string {
	var b strings.Builder
	b.WriteString(s.BeginString)
	b.WriteByte(':')
	b.WriteString(s.SenderCompID)
	b.WriteString("->")
	b.WriteString(s.TargetCompID)
	if s.Qualifier != "" {
		b.WriteByte(':')
		b.WriteString(s.Qualifier)
	}
	return b.String()
}

// IsZero reports whether the session identity is empty.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}
