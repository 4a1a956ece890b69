// Package universe loads and tracks the authoritative instrument set the feed subscribes to.
package universe

import (
	"slices"
	"sort"
)

// Universe is an immutable, sorted set of unique instrument identifiers.
type Universe struct {
	symbols []string
	index   map[string]struct{}
}

// New builds a Universe from symbols, dropping duplicates and empty identifiers.
// Identifiers are case-sensitive.
func New(symbols []string) Universe {
	index := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, dup := index[s]; dup {
			continue
		}
		index[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return Universe{symbols: out, index: index}
}

// Symbols returns a copy of the sorted identifiers.
func (u Universe) Symbols() []string {
	return slices.Clone(u.symbols)
}

// Len returns the number of instruments.
func (u Universe) Len() int {
	return len(u.symbols)
}

// Contains reports whether symbol is a member.
func (u Universe) Contains(symbol string) bool {
	_, ok := u.index[symbol]
	return ok
}

// Equal reports whether both universes hold the same identifiers.
func (u Universe) Equal(other Universe) bool {
	return slices.Equal(u.symbols, other.symbols)
}

// Batches partitions the sorted identifiers into consecutive groups of at most size symbols.
// A size below one is treated as one.
func (u Universe) Batches(size int) [][]string {
	if size < 1 {
		size = 1
	}
	if len(u.symbols) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(u.symbols)+size-1)/size)
	for start := 0; start < len(u.symbols); start += size {
		end := min(start+size, len(u.symbols))
		out = append(out, slices.Clone(u.symbols[start:end]))
	}
	return out
}

// Diff reports whether current differs from previous.
func Diff(previous, current Universe) bool {
	return !previous.Equal(current)
}
