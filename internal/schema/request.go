package schema

import (
	"fmt"
	"strings"
)

// RequestKind distinguishes subscribe and unsubscribe requests.
type RequestKind string

const (
	// RequestSubscribe asks the venue to start streaming the listed symbols.
	RequestSubscribe RequestKind = "subscribe"
	// RequestUnsubscribe disables a previously issued request.
	RequestUnsubscribe RequestKind = "unsubscribe"
)

// UpdateStyle selects whether the venue should stream incrementals after the snapshot.
type UpdateStyle string

const (
	// UpdateIncremental requests a snapshot followed by incremental updates.
	UpdateIncremental UpdateStyle = "incremental"
	// UpdateSnapshotOnly requests snapshots only.
	UpdateSnapshotOnly UpdateStyle = "snapshot"
)

// ParseUpdateStyle converts configuration text into an UpdateStyle.
func ParseUpdateStyle(raw string) (UpdateStyle, error) {
	switch UpdateStyle(strings.ToLower(strings.TrimSpace(raw))) {
	case "", UpdateIncremental:
		return UpdateIncremental, nil
	case UpdateSnapshotOnly:
		return UpdateSnapshotOnly, nil
	default:
		return "", fmt.Errorf("unknown update style %q", raw)
	}
}

// DefaultEntryTypes lists the entry types requested for top-of-book tracking.
func DefaultEntryTypes() []Side {
	return []Side{SideBid, SideOffer, SideTrade}
}

// Request is a transport-neutral market data request.
type Request struct {
	ID          string
	Kind        RequestKind
	Symbols     []string
	EntryTypes  []Side
	Depth       int
	UpdateStyle UpdateStyle
}
