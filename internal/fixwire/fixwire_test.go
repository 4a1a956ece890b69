package fixwire

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/observability"
	"github.com/coachpo/mdfeed/internal/schema"
)

func raw(fields ...string) string {
	return strings.Join(fields, "\x01") + "\x01"
}

func tagValues(fields []tagValue, tag quickfix.Tag) []string {
	var out []string
	for _, f := range fields {
		if f.tag == tag {
			out = append(out, f.value)
		}
	}
	return out
}

func px(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestEncodeSubscribe(t *testing.T) {
	msg, err := EncodeRequest(schema.Request{
		ID:          "ME:MD:1",
		Kind:        schema.RequestSubscribe,
		Symbols:     []string{"AAPL", "MSFT"},
		EntryTypes:  schema.DefaultEntryTypes(),
		Depth:       1,
		UpdateStyle: schema.UpdateIncremental,
	})
	require.NoError(t, err)

	msgType, rerr := msg.Header.GetString(tagMsgType)
	require.Nil(t, rerr)
	assert.Equal(t, "V", msgType)

	reqID, rerr := msg.Body.GetString(tagMDReqID)
	require.Nil(t, rerr)
	assert.Equal(t, "ME:MD:1", reqID)

	fields := splitFields(msg.String())
	assert.Equal(t, []string{"1"}, tagValues(fields, tagSubscriptionRequestType))
	assert.Equal(t, []string{"1"}, tagValues(fields, tagMarketDepth))
	assert.Equal(t, []string{"1"}, tagValues(fields, tagMDUpdateType))
	assert.Equal(t, []string{"Y"}, tagValues(fields, tagAggregatedBook))
	assert.Equal(t, []string{"3"}, tagValues(fields, tagNoMDEntryTypes))
	assert.Equal(t, []string{"0", "1", "2"}, tagValues(fields, tagMDEntryType))
	assert.Equal(t, []string{"2"}, tagValues(fields, tagNoRelatedSym))
	assert.Equal(t, []string{"AAPL", "MSFT"}, tagValues(fields, tagSymbol))
}

func TestEncodeSnapshotOnlyAndDepth(t *testing.T) {
	msg, err := EncodeRequest(schema.Request{
		ID:          "ME:MD:2",
		Kind:        schema.RequestSubscribe,
		Symbols:     []string{"X"},
		Depth:       0,
		UpdateStyle: schema.UpdateSnapshotOnly,
	})
	require.NoError(t, err)

	fields := splitFields(msg.String())
	assert.Equal(t, []string{"0"}, tagValues(fields, tagSubscriptionRequestType))
	assert.Equal(t, []string{"1"}, tagValues(fields, tagMarketDepth))
	assert.Equal(t, []string{"0", "1", "2"}, tagValues(fields, tagMDEntryType))
}

func TestEncodeUnsubscribe(t *testing.T) {
	msg, err := EncodeRequest(schema.Request{ID: "ME:MD:3", Kind: schema.RequestUnsubscribe, Depth: 1})
	require.NoError(t, err)

	fields := splitFields(msg.String())
	assert.Equal(t, []string{"2"}, tagValues(fields, tagSubscriptionRequestType))
	assert.Empty(t, tagValues(fields, tagNoRelatedSym))
	assert.Empty(t, tagValues(fields, tagNoMDEntryTypes))

	withSymbols, err := EncodeRequest(schema.Request{ID: "ME:MD:3", Kind: schema.RequestUnsubscribe, Symbols: []string{"A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, tagValues(splitFields(withSymbols.String()), tagSymbol))
}

func TestEncodeRejectsInvalidRequests(t *testing.T) {
	_, err := EncodeRequest(schema.Request{Kind: schema.RequestSubscribe})
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = EncodeRequest(schema.Request{ID: "x", Kind: "pause"})
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = EncodeRequest(schema.Request{ID: "x", Kind: schema.RequestSubscribe, EntryTypes: []schema.Side{"imbalance"}})
	assert.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestDecodeSnapshot(t *testing.T) {
	event, err := DecodeRaw("W", raw(
		"8=FIX.4.4", "9=100", "35=W", "49=VENUE", "56=ME",
		"55=AAPL", "262=ME:MD:1", "268=4",
		"269=0", "270=10.00", "271=5",
		"269=0", "270=10.50",
		"269=1", "270=11.25",
		"269=2", "270=10.75",
		"10=000",
	))
	require.NoError(t, err)

	snap, ok := event.(schema.Snapshot)
	require.True(t, ok)
	assert.Equal(t, "AAPL", snap.Symbol)
	require.Len(t, snap.Entries, 4)
	assert.Equal(t, schema.SideBid, snap.Entries[0].Side)
	assert.True(t, snap.Entries[1].Price.Equal(px("10.5")))
	assert.Equal(t, schema.SideOffer, snap.Entries[2].Side)
	assert.Equal(t, schema.SideTrade, snap.Entries[3].Side)
}

func TestDecodeSnapshotSkipsMalformedAndUntrackedEntries(t *testing.T) {
	event, err := DecodeRaw("W", raw(
		"35=W", "55=AAPL", "268=4",
		"269=0", "270=abc",
		"269=1",
		"269=B", "270=1000",
		"269=2", "270=9",
	))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))

	snap := event.(schema.Snapshot)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, schema.SideTrade, snap.Entries[0].Side)
}

func TestDecodeSnapshotRequiresSymbol(t *testing.T) {
	event, err := DecodeRaw("W", raw("35=W", "268=1", "269=0", "270=1"))
	assert.Nil(t, event)
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))
}

func TestDecodeIncremental(t *testing.T) {
	event, err := DecodeRaw("X", raw(
		"35=X", "262=ME:MD:1", "268=3",
		"279=0", "269=0", "55=AAPL", "270=10.0",
		"279=2", "269=1", "55=AAPL",
		"279=1", "269=2", "55=MSFT", "270=300.5", "271=10",
	))
	require.NoError(t, err)

	inc, ok := event.(schema.Incremental)
	require.True(t, ok)
	require.Len(t, inc.Entries, 3)
	assert.Equal(t, "AAPL", inc.Entries[0].Symbol)
	assert.True(t, inc.Entries[0].Price.Equal(px("10")))
	assert.Equal(t, schema.ActionNew, inc.Entries[0].Action)
	assert.Equal(t, schema.ActionDelete, inc.Entries[1].Action)
	assert.True(t, inc.Entries[1].Price.IsZero())
	assert.Equal(t, "MSFT", inc.Entries[2].Symbol)
	assert.Equal(t, schema.SideTrade, inc.Entries[2].Side)
	assert.Equal(t, schema.ActionChange, inc.Entries[2].Action)
}

func TestDecodeIncrementalWithoutActionDefaultsToChange(t *testing.T) {
	event, err := DecodeRaw("X", raw("35=X", "268=2", "269=0", "55=A", "270=1", "269=1", "55=A", "270=2"))
	require.NoError(t, err)
	inc := event.(schema.Incremental)
	require.Len(t, inc.Entries, 2)
	for _, e := range inc.Entries {
		assert.Equal(t, schema.ActionChange, e.Action)
	}
}

func TestDecodeIncrementalMalformed(t *testing.T) {
	event, err := DecodeRaw("X", raw(
		"35=X", "268=4",
		"279=0", "269=0", "270=1",
		"279=9", "269=0", "55=A", "270=1",
		"279=0", "269=1", "55=A",
		"279=0", "269=2", "55=A", "270=5",
	))
	require.Error(t, err)
	inc := event.(schema.Incremental)
	require.Len(t, inc.Entries, 1)
	assert.True(t, inc.Entries[0].Price.Equal(px("5")))
}

func TestDecodeUnsupportedType(t *testing.T) {
	_, err := DecodeRaw("Y", raw("35=Y"))
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))
}

func TestDecodeQuickfixMessage(t *testing.T) {
	msg := quickfix.NewMessage()
	msg.Header.SetField(tagMsgType, quickfix.FIXString("W"))
	msg.Body.SetField(tagSymbol, quickfix.FIXString("EURUSD"))
	entries := quickfix.NewRepeatingGroup(tagNoMDEntries, quickfix.GroupTemplate{
		quickfix.GroupElement(tagMDEntryType),
		quickfix.GroupElement(tagMDEntryPx),
	})
	bid := entries.Add()
	bid.SetField(tagMDEntryType, quickfix.FIXString("0"))
	bid.SetField(tagMDEntryPx, quickfix.FIXString("1.0850"))
	ask := entries.Add()
	ask.SetField(tagMDEntryType, quickfix.FIXString("1"))
	ask.SetField(tagMDEntryPx, quickfix.FIXString("1.0852"))
	msg.Body.SetGroup(entries)

	event, err := Decode(msg)
	require.NoError(t, err)
	snap := event.(schema.Snapshot)
	assert.Equal(t, "EURUSD", snap.Symbol)
	require.Len(t, snap.Entries, 2)
	assert.True(t, snap.Entries[1].Price.Equal(px("1.0852")))
}

type captured struct {
	msg *quickfix.Message
	sid quickfix.SessionID
}

type fakeSender struct {
	mu   sync.Mutex
	sent []captured
	err  error
}

func (f *fakeSender) send(m quickfix.Messagable, sid quickfix.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, captured{msg: m.ToMessage(), sid: sid})
	return nil
}

var qfSession = quickfix.SessionID{BeginString: "FIX.4.4", SenderCompID: "ME", TargetCompID: "VENUE"}

func TestTransportRefusesInactiveSessions(t *testing.T) {
	sender := &fakeSender{}
	tr := NewTransport(WithSendFunc(sender.send))
	id := tr.Register(qfSession)
	req := schema.Request{ID: "ME:MD:1", Kind: schema.RequestSubscribe, Symbols: []string{"A"}}

	err := tr.Send(context.Background(), id, req)
	assert.True(t, errs.Is(err, errs.CodeSendFailed))
	assert.False(t, tr.IsActive(id))

	tr.SetActive(qfSession, true)
	require.NoError(t, tr.Send(context.Background(), id, req))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, qfSession, sender.sent[0].sid)
	assert.Equal(t, []schema.SessionID{id}, tr.ActiveSessions())

	tr.SetActive(qfSession, false)
	assert.Error(t, tr.Send(context.Background(), id, req))
	assert.Empty(t, tr.ActiveSessions())
}

func TestTransportPropagatesSendErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("session not found")}
	tr := NewTransport(WithSendFunc(sender.send))
	id := tr.SetActive(qfSession, true)

	err := tr.Send(context.Background(), id, schema.Request{ID: "ME:MD:1", Kind: schema.RequestSubscribe})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Send(ctx, id, schema.Request{ID: "x", Kind: schema.RequestSubscribe}), context.Canceled)
}

func TestSessionIDFrom(t *testing.T) {
	id := SessionIDFrom(quickfix.SessionID{BeginString: "FIX.4.2", SenderCompID: "A", TargetCompID: "B", Qualifier: "md"})
	assert.Equal(t, "FIX.4.2:A->B:md", id.String())
}

type recordingHandler struct {
	mu          sync.Mutex
	established []schema.SessionID
	terminated  []schema.SessionID
	events      []schema.Event
}

func (h *recordingHandler) OnSessionEstablished(_ context.Context, s schema.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.established = append(h.established, s)
	return nil
}

func (h *recordingHandler) OnSessionTerminated(_ context.Context, s schema.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, s)
	return nil
}

func (h *recordingHandler) OnMarketDataEvent(_ context.Context, _ schema.SessionID, e schema.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func TestApplicationLifecycle(t *testing.T) {
	handler := &recordingHandler{}
	tr := NewTransport(WithSendFunc((&fakeSender{}).send))
	logs := observability.NewRecorder()
	app := NewApplication(context.Background(), handler, tr, logs)
	id := SessionIDFrom(qfSession)

	app.OnCreate(qfSession)
	assert.False(t, tr.IsActive(id))

	app.OnLogon(qfSession)
	app.Wait()
	assert.True(t, tr.IsActive(id))
	assert.Equal(t, []schema.SessionID{id}, handler.established)

	app.OnLogout(qfSession)
	assert.False(t, tr.IsActive(id))
	assert.Equal(t, []schema.SessionID{id}, handler.terminated)
}

func TestApplicationFromAppRoutesMarketData(t *testing.T) {
	handler := &recordingHandler{}
	logs := observability.NewRecorder()
	app := NewApplication(context.Background(), handler, NewTransport(), logs)

	msg := quickfix.NewMessage()
	msg.Header.SetField(tagMsgType, quickfix.FIXString("X"))
	entries := quickfix.NewRepeatingGroup(tagNoMDEntries, quickfix.GroupTemplate{
		quickfix.GroupElement(tagMDUpdateAction),
		quickfix.GroupElement(tagMDEntryType),
		quickfix.GroupElement(tagSymbol),
		quickfix.GroupElement(tagMDEntryPx),
	})
	e := entries.Add()
	e.SetField(tagMDUpdateAction, quickfix.FIXString("0"))
	e.SetField(tagMDEntryType, quickfix.FIXString("2"))
	e.SetField(tagSymbol, quickfix.FIXString("AAPL"))
	e.SetField(tagMDEntryPx, quickfix.FIXString("187.10"))
	msg.Body.SetGroup(entries)

	assert.Nil(t, app.FromApp(msg, qfSession))
	require.Len(t, handler.events, 1)
	inc := handler.events[0].(schema.Incremental)
	require.Len(t, inc.Entries, 1)
	assert.Equal(t, "AAPL", inc.Entries[0].Symbol)

	reject := quickfix.NewMessage()
	reject.Header.SetField(tagMsgType, quickfix.FIXString("Y"))
	reject.Body.SetField(tagMDReqID, quickfix.FIXString("ME:MD:9"))
	reject.Body.SetField(tagMDReqRejReason, quickfix.FIXString("0"))
	assert.Nil(t, app.FromApp(reject, qfSession))
	assert.Equal(t, 1, logs.Count("warn", "market data request rejected"))
	assert.Len(t, handler.events, 1)
}

func TestLogFactoryBridgesToLogger(t *testing.T) {
	logs := observability.NewRecorder()
	factory := NewLogFactory(logs)

	global, err := factory.Create()
	require.NoError(t, err)
	global.OnEventf("created %d sessions", 2)

	sessionLog, err := factory.CreateSessionLog(qfSession)
	require.NoError(t, err)
	sessionLog.OnIncoming([]byte("8=FIX.4.4\x0135=0\x01"))
	sessionLog.OnOutgoing([]byte("35=V\x01"))

	entries := logs.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "fix event", entries[0].Message)
	assert.Equal(t, "created 2 sessions", entries[0].Fields[1].Value)
	assert.Equal(t, "8=FIX.4.4|35=0|", entries[1].Fields[1].Value)
	assert.Equal(t, "FIX.4.4:ME->VENUE", entries[2].Fields[0].Value)
}
