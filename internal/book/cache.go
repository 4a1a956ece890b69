package book

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

// Cache maps instrument identifiers to their latest TopOfBook. Records are
// replaced as whole values through atomic pointers, so readers never see a
// partially applied update.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*atomic.Pointer[TopOfBook]
	retries atomic.Uint64
	now     func() time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the timestamp source used for ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache constructs an empty cache.
func NewCache(opts ...Option) *Cache {
	c := new(Cache)
	c.records = make(map[string]*atomic.Pointer[TopOfBook])
	c.now = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ApplySnapshot replaces the record for symbol. The best bid is the highest bid
// entry, the best ask the lowest non-zero offer entry, and the last trade the
// final trade entry. Malformed entries are skipped and reported in the returned
// error; the record is still replaced from the remaining entries.
func (c *Cache) ApplySnapshot(symbol string, entries []schema.SnapshotEntry) error {
	if symbol == "" {
		return errs.New("book/snapshot", errs.CodeMalformedEvent, errs.WithMessage("symbol required"))
	}
	var (
		bid, ask, last decimal.Decimal
		skipped        []error
	)
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		switch entry.Side {
		case schema.SideBid:
			if entry.Price.GreaterThan(bid) {
				bid = entry.Price
			}
		case schema.SideOffer:
			if entry.Price.IsZero() {
				continue
			}
			if ask.IsZero() || entry.Price.LessThan(ask) {
				ask = entry.Price
			}
		case schema.SideTrade:
			last = entry.Price
		}
	}
	c.slot(symbol).Store(&TopOfBook{Bid: bid, Ask: ask, Last: last, ObservedAt: c.now()})
	return malformed(symbol, skipped)
}

// ApplyIncremental merges a single level change into the record for symbol
// using a read, compute, compare-and-swap loop.
//
// NEW and CHANGE keep the best level seen so far: bid takes the maximum, ask
// the minimum non-zero price, trade the latest price. DELETE clears the bid or
// ask; the last trade price is never deleted.
func (c *Cache) ApplyIncremental(symbol string, side schema.Side, action schema.Action, price decimal.Decimal) error {
	entry := schema.IncrementalEntry{Symbol: symbol, Side: side, Action: action, Price: price}
	if err := entry.Validate(); err != nil {
		return err
	}
	slot := c.slot(symbol)
	for {
		prev := slot.Load()
		var base TopOfBook
		if prev != nil {
			base = *prev
		}
		next := merge(base, side, action, price)
		next.ObservedAt = c.now()
		if slot.CompareAndSwap(prev, &next) {
			return nil
		}
		c.retries.Add(1)
	}
}

func merge(cur TopOfBook, side schema.Side, action schema.Action, price decimal.Decimal) TopOfBook {
	if action == schema.ActionDelete {
		switch side {
		case schema.SideBid:
			cur.Bid = decimal.Zero
		case schema.SideOffer:
			cur.Ask = decimal.Zero
		}
		return cur
	}
	switch side {
	case schema.SideBid:
		cur.Bid = decimal.Max(cur.Bid, price)
	case schema.SideOffer:
		if cur.Ask.IsZero() {
			cur.Ask = price
		} else {
			cur.Ask = decimal.Min(cur.Ask, price)
		}
	case schema.SideTrade:
		cur.Last = price
	}
	return cur
}

// Peek returns the current record for symbol, or false when none has been seen.
func (c *Cache) Peek(symbol string) (TopOfBook, bool) {
	c.mu.RLock()
	slot, ok := c.records[symbol]
	c.mu.RUnlock()
	if !ok {
		return TopOfBook{}, false
	}
	rec := slot.Load()
	if rec == nil {
		return TopOfBook{}, false
	}
	return *rec, true
}

// Symbols returns the sorted identifiers that have a record.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.records))
	for symbol, slot := range c.records {
		if slot.Load() != nil {
			out = append(out, symbol)
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of instruments with a record.
func (c *Cache) Len() int {
	return len(c.Symbols())
}

// Retries returns how many compare-and-swap attempts lost to a concurrent writer.
func (c *Cache) Retries() uint64 {
	return c.retries.Load()
}

func (c *Cache) slot(symbol string) *atomic.Pointer[TopOfBook] {
	c.mu.RLock()
	slot, ok := c.records[symbol]
	c.mu.RUnlock()
	if ok {
		return slot
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok = c.records[symbol]; ok {
		return slot
	}
	slot = new(atomic.Pointer[TopOfBook])
	c.records[symbol] = slot
	return slot
}

func malformed(symbol string, skipped []error) error {
	if len(skipped) == 0 {
		return nil
	}
	return errs.New("book/snapshot", errs.CodeMalformedEvent,
		errs.WithSymbol(symbol),
		errs.WithMessage("entries skipped"),
		errs.WithCause(errors.Join(skipped...)))
}
