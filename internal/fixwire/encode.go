package fixwire

import (
	"fmt"

	"github.com/quickfixgo/quickfix"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

// EncodeRequest builds a MarketDataRequest (35=V) for req. Header routing
// fields are filled in when the message is sent to a session.
func EncodeRequest(req schema.Request) (*quickfix.Message, error) {
	if req.ID == "" {
		return nil, errs.New("fixwire/encode", errs.CodeInvalid, errs.WithMessage("request id required"))
	}
	var subType string
	switch req.Kind {
	case schema.RequestSubscribe:
		subType = subscriptionSnapshotUpdates
		if req.UpdateStyle == schema.UpdateSnapshotOnly {
			subType = subscriptionSnapshot
		}
	case schema.RequestUnsubscribe:
		subType = subscriptionDisable
	default:
		return nil, errs.New("fixwire/encode", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown request kind %q", req.Kind)),
			errs.WithField("request_id", req.ID))
	}
	depth := req.Depth
	if depth < 1 {
		depth = 1
	}

	msg := quickfix.NewMessage()
	msg.Header.SetField(tagMsgType, quickfix.FIXString(msgTypeMarketDataRequest))
	msg.Body.SetField(tagMDReqID, quickfix.FIXString(req.ID))
	msg.Body.SetField(tagSubscriptionRequestType, quickfix.FIXString(subType))
	msg.Body.SetField(tagMarketDepth, quickfix.FIXInt(depth))

	if req.Kind == schema.RequestSubscribe {
		msg.Body.SetField(tagMDUpdateType, quickfix.FIXInt(updateTypeIncremental))
		msg.Body.SetField(tagAggregatedBook, quickfix.FIXBoolean(true))

		entryTypes := req.EntryTypes
		if len(entryTypes) == 0 {
			entryTypes = schema.DefaultEntryTypes()
		}
		types := quickfix.NewRepeatingGroup(tagNoMDEntryTypes, quickfix.GroupTemplate{quickfix.GroupElement(tagMDEntryType)})
		for _, side := range entryTypes {
			code, ok := entryTypeCode(side)
			if !ok {
				return nil, errs.New("fixwire/encode", errs.CodeInvalid,
					errs.WithMessage("unknown entry type"), errs.WithField("side", string(side)))
			}
			types.Add().SetField(tagMDEntryType, quickfix.FIXString(code))
		}
		msg.Body.SetGroup(types)
	}

	if len(req.Symbols) > 0 {
		related := quickfix.NewRepeatingGroup(tagNoRelatedSym, quickfix.GroupTemplate{quickfix.GroupElement(tagSymbol)})
		for _, symbol := range req.Symbols {
			related.Add().SetField(tagSymbol, quickfix.FIXString(symbol))
		}
		msg.Body.SetGroup(related)
	}
	return msg, nil
}

func entryTypeCode(side schema.Side) (string, bool) {
	switch side {
	case schema.SideBid:
		return entryTypeBid, true
	case schema.SideOffer:
		return entryTypeOffer, true
	case schema.SideTrade:
		return entryTypeTrade, true
	default:
		return "", false
	}
}
