// Package schema defines the market data events, requests and session identity shared by the feed.
package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mdfeed/internal/errs"
)

// Side identifies which top-of-book field an entry updates.
type Side string

const (
	// SideBid identifies bid entries.
	SideBid Side = "bid"
	// SideOffer identifies ask (offer) entries.
	SideOffer Side = "offer"
	// SideTrade identifies trade entries.
	SideTrade Side = "trade"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	switch s {
	case SideBid, SideOffer, SideTrade:
		return true
	default:
		return false
	}
}

// Action identifies how an incremental entry modifies the book.
type Action string

const (
	// ActionNew adds a price level.
	ActionNew Action = "new"
	// ActionChange modifies a price level.
	ActionChange Action = "change"
	// ActionDelete removes a price level.
	ActionDelete Action = "delete"
)

// Valid reports whether the action is recognised.
func (a Action) Valid() bool {
	switch a {
	case ActionNew, ActionChange, ActionDelete:
		return true
	default:
		return false
	}
}

// Event is a decoded market data message. Its variants are Snapshot and Incremental.
type Event interface {
	marketDataEvent()
}

// SnapshotEntry is a single (side, price) pair inside a full refresh.
type SnapshotEntry struct {
	Side  Side
	Price decimal.Decimal
}

// Snapshot supersedes all prior state for one instrument.
type Snapshot struct {
	Symbol  string
	Entries []SnapshotEntry
}

func (Snapshot) marketDataEvent() {}

// IncrementalEntry describes a single change to one price level.
type IncrementalEntry struct {
	Symbol string
	Side   Side
	Action Action
	Price  decimal.Decimal
}

// Incremental carries one or more level changes, possibly across instruments.
type Incremental struct {
	Entries []IncrementalEntry
}

func (Incremental) marketDataEvent() {}

// Validate checks a snapshot entry before it is merged.
func (e SnapshotEntry) Validate() error {
	if !e.Side.Valid() {
		return errs.New("schema/snapshot-entry", errs.CodeMalformedEvent, errs.WithMessage("unknown entry side"), errs.WithField("side", string(e.Side)))
	}
	if e.Price.IsNegative() {
		return errs.New("schema/snapshot-entry", errs.CodeMalformedEvent, errs.WithMessage("negative price"))
	}
	return nil
}

// Validate checks an incremental entry before it is merged.
func (e IncrementalEntry) Validate() error {
	if strings.TrimSpace(e.Symbol) == "" {
		return errs.New("schema/incremental-entry", errs.CodeMalformedEvent, errs.WithMessage("symbol required"))
	}
	if !e.Side.Valid() {
		return errs.New("schema/incremental-entry", errs.CodeMalformedEvent, errs.WithMessage("unknown entry side"), errs.WithSymbol(e.Symbol), errs.WithField("side", string(e.Side)))
	}
	if !e.Action.Valid() {
		return errs.New("schema/incremental-entry", errs.CodeMalformedEvent, errs.WithMessage("unknown update action"), errs.WithSymbol(e.Symbol), errs.WithField("action", string(e.Action)))
	}
	if e.Price.IsNegative() {
		return errs.New("schema/incremental-entry", errs.CodeMalformedEvent, errs.WithMessage("negative price"), errs.WithSymbol(e.Symbol))
	}
	return nil
}
