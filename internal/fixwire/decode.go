package fixwire

import (
	"errors"
	"strconv"
	"strings"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

const soh = '\x01'

type tagValue struct {
	tag   quickfix.Tag
	value string
}

type rawEntry map[quickfix.Tag]string

// Decode converts a W or X message into a market data event. Entries that are
// malformed are dropped and reported through the returned error alongside the
// event built from the remaining entries.
func Decode(msg *quickfix.Message) (schema.Event, error) {
	msgType, rejectErr := msg.Header.GetString(tagMsgType)
	if rejectErr != nil {
		return nil, errs.New("fixwire/decode", errs.CodeMalformedEvent, errs.WithMessage("missing MsgType"))
	}
	return DecodeRaw(msgType, msg.String())
}

// DecodeRaw decodes the SOH separated tag=value stream of a W or X message.
// Repeating group instances are delimited by the first tag following
// NoMDEntries, so no data dictionary is required.
func DecodeRaw(msgType, raw string) (schema.Event, error) {
	fields := splitFields(raw)
	topSymbol, entries := collectEntries(fields)

	switch msgType {
	case msgTypeMarketDataSnapshot:
		return decodeSnapshot(topSymbol, entries)
	case msgTypeMarketDataIncremental:
		return decodeIncremental(topSymbol, entries)
	default:
		return nil, errs.New("fixwire/decode", errs.CodeMalformedEvent,
			errs.WithMessage("unsupported message type"), errs.WithField("msg_type", msgType))
	}
}

func splitFields(raw string) []tagValue {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == soh })
	out := make([]tagValue, 0, len(parts))
	for _, part := range parts {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		tag, err := strconv.Atoi(part[:eq])
		if err != nil {
			continue
		}
		out = append(out, tagValue{tag: quickfix.Tag(tag), value: part[eq+1:]})
	}
	return out
}

// collectEntries returns the symbol found outside the NoMDEntries group and
// the fields of each group instance.
func collectEntries(fields []tagValue) (string, []rawEntry) {
	var (
		topSymbol string
		entries   []rawEntry
		inGroup   bool
		delimiter quickfix.Tag
	)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if f.tag == tagCheckSum {
			break
		}
		if !inGroup {
			switch f.tag {
			case tagSymbol:
				if topSymbol == "" {
					topSymbol = f.value
				}
			case tagNoMDEntries:
				inGroup = true
				if i+1 < len(fields) {
					delimiter = fields[i+1].tag
				}
			}
			continue
		}
		if f.tag == delimiter {
			entries = append(entries, rawEntry{})
		}
		if len(entries) == 0 {
			continue
		}
		current := entries[len(entries)-1]
		if _, seen := current[f.tag]; !seen {
			current[f.tag] = f.value
		}
	}
	return topSymbol, entries
}

func decodeSnapshot(symbol string, entries []rawEntry) (schema.Event, error) {
	if symbol == "" {
		return nil, errs.New("fixwire/decode", errs.CodeMalformedEvent, errs.WithMessage("snapshot without symbol"))
	}
	snap := schema.Snapshot{Symbol: symbol, Entries: make([]schema.SnapshotEntry, 0, len(entries))}
	var failures []error
	for _, entry := range entries {
		side, known, err := entrySide(entry, symbol)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if !known {
			continue
		}
		price, err := entryPrice(entry, symbol, true)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		snap.Entries = append(snap.Entries, schema.SnapshotEntry{Side: side, Price: price})
	}
	return snap, errors.Join(failures...)
}

func decodeIncremental(topSymbol string, entries []rawEntry) (schema.Event, error) {
	inc := schema.Incremental{Entries: make([]schema.IncrementalEntry, 0, len(entries))}
	var failures []error
	for _, entry := range entries {
		symbol := entry[tagSymbol]
		if symbol == "" {
			symbol = topSymbol
		}
		if symbol == "" {
			failures = append(failures, malformed("", "incremental entry without symbol"))
			continue
		}
		side, known, err := entrySide(entry, symbol)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if !known {
			continue
		}
		action, err := entryAction(entry, symbol)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		price, err := entryPrice(entry, symbol, action != schema.ActionDelete)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		inc.Entries = append(inc.Entries, schema.IncrementalEntry{Symbol: symbol, Side: side, Action: action, Price: price})
	}
	return inc, errors.Join(failures...)
}

// entrySide maps MDEntryType. Entry types other than bid, offer, and trade are
// not tracked and are reported as unknown without an error.
func entrySide(entry rawEntry, symbol string) (schema.Side, bool, error) {
	code, ok := entry[tagMDEntryType]
	if !ok || code == "" {
		return "", false, malformed(symbol, "entry without MDEntryType")
	}
	switch code {
	case entryTypeBid:
		return schema.SideBid, true, nil
	case entryTypeOffer:
		return schema.SideOffer, true, nil
	case entryTypeTrade:
		return schema.SideTrade, true, nil
	default:
		return "", false, nil
	}
}

func entryAction(entry rawEntry, symbol string) (schema.Action, error) {
	code, ok := entry[tagMDUpdateAction]
	if !ok || code == "" {
		return schema.ActionChange, nil
	}
	switch code {
	case updateActionNew:
		return schema.ActionNew, nil
	case updateActionChange:
		return schema.ActionChange, nil
	case updateActionDelete:
		return schema.ActionDelete, nil
	default:
		return "", malformed(symbol, "unsupported MDUpdateAction "+code)
	}
}

func entryPrice(entry rawEntry, symbol string, required bool) (decimal.Decimal, error) {
	raw, ok := entry[tagMDEntryPx]
	if !ok || raw == "" {
		if required {
			return decimal.Zero, malformed(symbol, "entry without MDEntryPx")
		}
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errs.New("fixwire/decode", errs.CodeMalformedEvent,
			errs.WithSymbol(symbol), errs.WithMessage("invalid MDEntryPx"), errs.WithCause(err))
	}
	return price, nil
}

func malformed(symbol, msg string) error {
	return errs.New("fixwire/decode", errs.CodeMalformedEvent, errs.WithSymbol(symbol), errs.WithMessage(msg))
}
