package fix

import (
	"fmt"
	"time"

	"fix_provider/internal/domain"

	"github.com/quickfixgo/quickfix"
)

// TagHandlInst is required on FIX.4.2 orders.
const TagHandlInst = quickfix.Tag(21)

// LogonParams carries what a dialect needs to build a Logon.
type LogonParams struct {
	HeartBtInt  int
	ResetSeqNum bool
	Username    string
	Password    string
}

// Dialect is the broker-specific part of a session: message construction
// and the optional session features the broker supports.
type Dialect interface {
	Name() string
	BeginString() string
	BuildLogon(p LogonParams) *quickfix.Message
	BuildOrder(o *domain.CreateOrChangeOrder, account string) (*quickfix.Message, error)
	BuildPositionRequest(reqID, account string) *quickfix.Message
	// SupportsPositions reports whether RequestForPositions is available.
	SupportsPositions() bool
	// RequiresSessionStatus reports whether the order server announces itself
	// with TradingSessionStatus; otherwise it is online once logged on.
	RequiresSessionStatus() bool
}

// NewDialect returns the dialect registered under name.
func NewDialect(name string) (Dialect, error) {
	switch name {
	case "fix44", "":
		return fix44{}, nil
	case "fix42":
		return fix42{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

type fix44 struct{}

func (fix44) Name() string                { return "fix44" }
func (fix44) BeginString() string         { return "FIX.4.4" }
func (fix44) SupportsPositions() bool     { return true }
func (fix44) RequiresSessionStatus() bool { return true }

func (fix44) BuildLogon(p LogonParams) *quickfix.Message {
	qm := NewMessage(MsgTypeLogon)
	qm.Body.SetInt(TagEncryptMethod, 0)
	qm.Body.SetInt(TagHeartBtInt, p.HeartBtInt)
	if p.ResetSeqNum {
		qm.Body.SetBool(TagResetSeqNumFlag, true)
	}
	if p.Username != "" {
		qm.Body.SetString(TagUsername, p.Username)
		qm.Body.SetString(TagPassword, p.Password)
	}
	return qm
}

func (fix44) BuildOrder(o *domain.CreateOrChangeOrder, account string) (*quickfix.Message, error) {
	return buildOrder(o, account)
}

func (fix44) BuildPositionRequest(reqID, account string) *quickfix.Message {
	qm := NewMessage(MsgTypeRequestForPositions)
	qm.Body.SetString(TagPosReqID, reqID)
	qm.Body.SetString(TagAccount, account)
	qm.Body.SetString(TagTransactTime, time.Now().UTC().Format(SendingTimeFormat))
	return qm
}

// fix42 has no position reports and no trading session status.
type fix42 struct{}

func (fix42) Name() string                { return "fix42" }
func (fix42) BeginString() string         { return "FIX.4.2" }
func (fix42) SupportsPositions() bool     { return false }
func (fix42) RequiresSessionStatus() bool { return false }

func (fix42) BuildLogon(p LogonParams) *quickfix.Message {
	qm := NewMessage(MsgTypeLogon)
	qm.Body.SetInt(TagEncryptMethod, 0)
	qm.Body.SetInt(TagHeartBtInt, p.HeartBtInt)
	if p.ResetSeqNum {
		qm.Body.SetBool(TagResetSeqNumFlag, true)
	}
	return qm
}

func (fix42) BuildOrder(o *domain.CreateOrChangeOrder, account string) (*quickfix.Message, error) {
	qm, err := buildOrder(o, account)
	if err != nil {
		return nil, err
	}
	if o.Action != domain.ActionCancel {
		qm.Body.SetString(TagHandlInst, "1")
	}
	return qm, nil
}

func (fix42) BuildPositionRequest(string, string) *quickfix.Message { return nil }

func buildOrder(o *domain.CreateOrChangeOrder, account string) (*quickfix.Message, error) {
	var qm *quickfix.Message
	switch o.Action {
	case domain.ActionCreate:
		qm = NewMessage(MsgTypeNewOrderSingle)
	case domain.ActionChange:
		qm = NewMessage(MsgTypeOrderCancelReplace)
		qm.Body.SetString(TagOrigClOrdID, o.OriginalOrder)
	case domain.ActionCancel:
		qm = NewMessage(MsgTypeOrderCancelRequest)
		qm.Body.SetString(TagOrigClOrdID, o.OriginalOrder)
	default:
		return nil, fmt.Errorf("order %s: unknown action %d", o.BrokerOrder, o.Action)
	}

	qm.Body.SetString(TagClOrdID, o.BrokerOrder)
	if account != "" {
		qm.Body.SetString(TagAccount, account)
	}
	qm.Body.SetString(TagSymbol, o.Symbol)
	side, err := SideToFIX(o.Side)
	if err != nil {
		return nil, err
	}
	qm.Body.SetString(TagSide, side)
	SetDecimal(qm, TagOrderQty, o.Size)
	qm.Body.SetString(TagTransactTime, time.Now().UTC().Format(SendingTimeFormat))
	if o.Action == domain.ActionCancel {
		return qm, nil
	}

	switch o.Type {
	case domain.TypeMarket:
		qm.Body.SetString(TagOrdType, OrdTypeMarket)
	case domain.TypeLimit:
		qm.Body.SetString(TagOrdType, OrdTypeLimit)
		SetDecimal(qm, TagPrice, o.Price)
	case domain.TypeStop:
		qm.Body.SetString(TagOrdType, OrdTypeStop)
		SetDecimal(qm, TagStopPx, o.Price)
	default:
		return nil, fmt.Errorf("order %s: unknown type %d", o.BrokerOrder, o.Type)
	}
	return qm, nil
}

// SideToFIX maps a domain side to tag 54.
func SideToFIX(s domain.Side) (string, error) {
	switch s {
	case domain.SideBuy:
		return SideBuy, nil
	case domain.SideSell:
		return SideSell, nil
	case domain.SideSellShort:
		return SideSellShort, nil
	}
	return "", fmt.Errorf("unknown side %d", s)
}

// SideFromFIX maps tag 54 to a domain side.
func SideFromFIX(v string) (domain.Side, bool) {
	switch v {
	case SideBuy:
		return domain.SideBuy, true
	case SideSell:
		return domain.SideSell, true
	case SideSellShort:
		return domain.SideSellShort, true
	}
	return 0, false
}

// OrdTypeFromFIX maps tag 40 to a domain order type.
func OrdTypeFromFIX(v string) (domain.OrderType, bool) {
	switch v {
	case OrdTypeMarket:
		return domain.TypeMarket, true
	case OrdTypeLimit:
		return domain.TypeLimit, true
	case OrdTypeStop:
		return domain.TypeStop, true
	}
	return 0, false
}
