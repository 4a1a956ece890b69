// Package fixwire adapts the feed to FIX sessions managed by quickfix.
package fixwire

import "github.com/quickfixgo/quickfix"

const (
	tagCheckSum                quickfix.Tag = 10
	tagMsgType                 quickfix.Tag = 35
	tagSymbol                  quickfix.Tag = 55
	tagText                    quickfix.Tag = 58
	tagNoRelatedSym            quickfix.Tag = 146
	tagMDReqID                 quickfix.Tag = 262
	tagSubscriptionRequestType quickfix.Tag = 263
	tagMarketDepth             quickfix.Tag = 264
	tagMDUpdateType            quickfix.Tag = 265
	tagAggregatedBook          quickfix.Tag = 266
	tagNoMDEntryTypes          quickfix.Tag = 267
	tagNoMDEntries             quickfix.Tag = 268
	tagMDEntryType             quickfix.Tag = 269
	tagMDEntryPx               quickfix.Tag = 270
	tagMDEntrySize             quickfix.Tag = 271
	tagMDUpdateAction          quickfix.Tag = 279
	tagMDReqRejReason          quickfix.Tag = 281
)

const (
	msgTypeMarketDataRequest     = "V"
	msgTypeMarketDataSnapshot    = "W"
	msgTypeMarketDataIncremental = "X"
	msgTypeMarketDataReject      = "Y"
)

const (
	subscriptionSnapshot        = "0"
	subscriptionSnapshotUpdates = "1"
	subscriptionDisable         = "2"

	updateTypeIncremental = 1
)

const (
	entryTypeBid   = "0"
	entryTypeOffer = "1"
	entryTypeTrade = "2"

	updateActionNew    = "0"
	updateActionChange = "1"
	updateActionDelete = "2"
)
