// Package book keeps a lock-free top-of-book record per instrument.
package book

import (
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// TopOfBook is the best bid, best ask and last trade known for an instrument.
// Zero prices mean "unknown".
type TopOfBook struct {
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	ObservedAt time.Time
}

// Mid returns the bid/ask midpoint, falling back to whichever side is set and
// finally to the last trade price.
func (t TopOfBook) Mid() decimal.Decimal {
	hasBid := t.Bid.IsPositive()
	hasAsk := t.Ask.IsPositive()
	switch {
	case hasBid && hasAsk:
		return t.Bid.Add(t.Ask).Div(two)
	case hasBid:
		return t.Bid
	case hasAsk:
		return t.Ask
	default:
		return t.Last
	}
}

// Spread returns ask minus bid when both sides are known, zero otherwise.
func (t TopOfBook) Spread() decimal.Decimal {
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid)
}

// IsZero reports whether no price is known.
func (t TopOfBook) IsZero() bool {
	return t.Bid.IsZero() && t.Ask.IsZero() && t.Last.IsZero()
}
