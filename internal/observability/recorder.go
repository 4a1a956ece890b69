package observability

import "sync"

// Entry is a log line captured by Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Recorder is an in-memory Logger used by tests and diagnostics.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return new(Recorder)
}

func (r *Recorder) record(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cloned := make([]Field, len(fields))
	copy(cloned, fields)
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: cloned})
}

// Debug records a debug entry.
func (r *Recorder) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }

// Info records an info entry.
func (r *Recorder) Info(msg string, fields ...Field) { r.record("info", msg, fields) }

// Warn records a warn entry.
func (r *Recorder) Warn(msg string, fields ...Field) { r.record("warn", msg, fields) }

// Error records an error entry.
func (r *Recorder) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of entries captured at level with the given message.
func (r *Recorder) Count(level, msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
