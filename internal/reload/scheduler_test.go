package reload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/schema"
	"github.com/coachpo/mdfeed/internal/universe"
)

type mutableSource struct {
	mu      sync.Mutex
	symbols []string
	err     error
}

func (s *mutableSource) Read(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.symbols...), nil
}

func (s *mutableSource) set(symbols ...string) {
	s.mu.Lock()
	s.symbols = symbols
	s.mu.Unlock()
}

type staticSessions []schema.SessionID

func (s staticSessions) ActiveSessions() []schema.SessionID { return s }

type call struct {
	session schema.SessionID
	symbols []string
}

type recordingSubscriber struct {
	mu      sync.Mutex
	calls   []call
	block   chan struct{}
	entered chan struct{}
	ctxErrs []error
	fail    bool
}

func (r *recordingSubscriber) Subscribe(ctx context.Context, session schema.SessionID, u universe.Universe) error {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{session: session, symbols: u.Symbols()})
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if r.fail {
		return errors.New("send failed")
	}
	return nil
}

func (r *recordingSubscriber) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

var (
	sessA = schema.SessionID{BeginString: "FIX.4.2", SenderCompID: "A", TargetCompID: "V"}
	sessB = schema.SessionID{BeginString: "FIX.4.2", SenderCompID: "B", TargetCompID: "V"}
)

func newFixture(t *testing.T, symbols ...string) (*mutableSource, *universe.Store, *recordingSubscriber) {
	t.Helper()
	src := &mutableSource{symbols: symbols}
	store := universe.NewStore(src)
	_, err := store.Load(context.Background())
	require.NoError(t, err)
	return src, store, &recordingSubscriber{}
}

func TestRunOnceUnchangedDoesNotResubscribe(t *testing.T) {
	_, store, sub := newFixture(t, "A", "B")
	s := NewScheduler(time.Second, store, staticSessions{sessA}, sub, observability.NewRecorder())

	changed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, sub.snapshot())
}

func TestRunOnceChangeResubscribesEachSessionOnce(t *testing.T) {
	src, store, sub := newFixture(t, "A", "B")
	logs := observability.NewRecorder()
	s := NewScheduler(time.Second, store, staticSessions{sessA, sessB}, sub, logs)

	src.set("C", "A", "B")
	changed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	calls := sub.snapshot()
	require.Len(t, calls, 2)
	seen := map[schema.SessionID]int{}
	for _, c := range calls {
		seen[c.session]++
		assert.Equal(t, []string{"A", "B", "C"}, c.symbols)
	}
	assert.Equal(t, map[schema.SessionID]int{sessA: 1, sessB: 1}, seen)
	assert.Equal(t, 1, logs.Count("info", "universe changed"))

	changed, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, sub.snapshot(), 2)
}

func TestRunOnceSourceFailureKeepsUniverse(t *testing.T) {
	src, store, sub := newFixture(t, "A")
	s := NewScheduler(time.Second, store, staticSessions{sessA}, sub, observability.NewRecorder())

	src.mu.Lock()
	src.err = errors.New("file vanished")
	src.mu.Unlock()

	changed, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"A"}, store.Current().Symbols())
	assert.Empty(t, sub.snapshot())
}

func TestRunOnceReportsSubscribeFailures(t *testing.T) {
	src, store, sub := newFixture(t, "A")
	sub.fail = true
	s := NewScheduler(time.Second, store, staticSessions{sessA}, sub, observability.NewRecorder())

	src.set("A", "B")
	changed, err := s.RunOnce(context.Background())
	assert.True(t, changed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resubscribe failed")
}

func TestRunOnceWithoutSessions(t *testing.T) {
	src, store, sub := newFixture(t, "A")
	s := NewScheduler(time.Second, store, staticSessions{}, sub, observability.NewRecorder())

	src.set("B")
	changed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, sub.snapshot())
}

func TestStartTicksAndStopHalts(t *testing.T) {
	src, store, sub := newFixture(t, "A")
	s := NewScheduler(10*time.Millisecond, store, staticSessions{sessA}, sub, observability.NewRecorder())

	s.Start(context.Background())
	src.set("A", "B")
	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	src.set("A", "B", "C")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sub.snapshot(), 1)

	// A stopped scheduler stays stopped.
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sub.snapshot(), 1)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	src, store, sub := newFixture(t, "A")
	sub.block = make(chan struct{})
	sub.entered = make(chan struct{}, 1)
	s := NewScheduler(5*time.Millisecond, store, staticSessions{sessA}, sub, observability.NewRecorder())

	src.set("A", "B")
	s.Start(context.Background())
	<-sub.entered

	var stopped atomic.Bool
	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		stopped.Store(true)
		close(stopDone)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, stopped.Load(), "stop returned while a resubscribe was in flight")

	close(sub.block)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after the cycle finished")
	}

	calls := sub.snapshot()
	require.Len(t, calls, 1)
	sub.mu.Lock()
	assert.NoError(t, sub.ctxErrs[0], "in-flight send observed cancellation")
	sub.mu.Unlock()
}

func TestDefaultInterval(t *testing.T) {
	s := NewScheduler(0, nil, nil, nil, nil)
	assert.Equal(t, DefaultInterval, s.Interval())
	s.Stop()
}
