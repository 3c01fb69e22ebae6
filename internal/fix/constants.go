package fix

import (
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/quickfix"
)

// Header and session tags
const (
	TagBeginString     = quickfix.Tag(8)
	TagMsgType         = quickfix.Tag(35)
	TagMsgSeqNum       = quickfix.Tag(34)
	TagSenderCompID    = quickfix.Tag(49)
	TagTargetCompID    = quickfix.Tag(56)
	TagSendingTime     = quickfix.Tag(52)
	TagPossDupFlag     = quickfix.Tag(43)
	TagOrigSendingTime = quickfix.Tag(122)
	TagBeginSeqNo      = quickfix.Tag(7)
	TagEndSeqNo        = quickfix.Tag(16)
	TagNewSeqNo        = quickfix.Tag(36)
	TagGapFillFlag     = quickfix.Tag(123)
	TagHeartBtInt      = quickfix.Tag(108)
	TagResetSeqNumFlag = quickfix.Tag(141)
	TagTestReqID       = quickfix.Tag(112)
	TagEncryptMethod   = quickfix.Tag(98)
	TagRefSeqNum       = quickfix.Tag(45)
	TagRefMsgType      = quickfix.Tag(372)
	TagText            = quickfix.Tag(58)
	TagUsername        = quickfix.Tag(553)
	TagPassword        = quickfix.Tag(554)
)

// Application tags
const (
	TagAccount            = quickfix.Tag(1)
	TagClOrdID            = quickfix.Tag(11)
	TagOrigClOrdID        = quickfix.Tag(41)
	TagOrderID            = quickfix.Tag(37)
	TagExecID             = quickfix.Tag(17)
	TagExecType           = quickfix.Tag(150)
	TagOrdStatus          = quickfix.Tag(39)
	TagSymbol             = quickfix.Tag(55)
	TagSide               = quickfix.Tag(54)
	TagOrdType            = quickfix.Tag(40)
	TagPrice              = quickfix.Tag(44)
	TagStopPx             = quickfix.Tag(99)
	TagOrderQty           = quickfix.Tag(38)
	TagLastQty            = quickfix.Tag(32)
	TagLastPx             = quickfix.Tag(31)
	TagCumQty             = quickfix.Tag(14)
	TagLeavesQty          = quickfix.Tag(151)
	TagAvgPx              = quickfix.Tag(6)
	TagTransactTime       = quickfix.Tag(60)
	TagTimeInForce        = quickfix.Tag(59)
	TagCxlRejResponseTo   = quickfix.Tag(434)
	TagBusinessRejectRef  = quickfix.Tag(379)
	TagTradSesStatus      = quickfix.Tag(340)
	TagPosReqID           = quickfix.Tag(710)
	TagTotalNumPosReports = quickfix.Tag(727)
	TagLongQty            = quickfix.Tag(704)
	TagShortQty           = quickfix.Tag(705)
)

// Message types
const (
	MsgTypeLogon                = string(enum.MsgType_LOGON)
	MsgTypeLogout               = string(enum.MsgType_LOGOUT)
	MsgTypeHeartbeat            = string(enum.MsgType_HEARTBEAT)
	MsgTypeTestRequest          = string(enum.MsgType_TEST_REQUEST)
	MsgTypeResendRequest        = string(enum.MsgType_RESEND_REQUEST)
	MsgTypeSequenceReset        = string(enum.MsgType_SEQUENCE_RESET)
	MsgTypeReject               = string(enum.MsgType_REJECT)
	MsgTypeExecutionReport      = string(enum.MsgType_EXECUTION_REPORT)
	MsgTypeOrderCancelReject    = string(enum.MsgType_ORDER_CANCEL_REJECT)
	MsgTypeNewOrderSingle       = string(enum.MsgType_ORDER_SINGLE)
	MsgTypeOrderCancelRequest   = string(enum.MsgType_ORDER_CANCEL_REQUEST)
	MsgTypeOrderCancelReplace   = string(enum.MsgType_ORDER_CANCEL_REPLACE_REQUEST)
	MsgTypeBusinessReject       = string(enum.MsgType_BUSINESS_MESSAGE_REJECT)
	MsgTypeTradingSessionStatus = string(enum.MsgType_TRADING_SESSION_STATUS)
	MsgTypeRequestForPositions  = string(enum.MsgType_REQUEST_FOR_POSITIONS)
	MsgTypePositionReport       = string(enum.MsgType_POSITION_REPORT)
)

// Order status values of ExecutionReport tag 39. "R" (resumed) is a broker
// extension with no standard enum value.
const (
	OrdStatusNew             = string(enum.OrdStatus_NEW)
	OrdStatusPartiallyFilled = string(enum.OrdStatus_PARTIALLY_FILLED)
	OrdStatusFilled          = string(enum.OrdStatus_FILLED)
	OrdStatusCanceled        = string(enum.OrdStatus_CANCELED)
	OrdStatusReplaced        = string(enum.OrdStatus_REPLACED)
	OrdStatusPendingCancel   = string(enum.OrdStatus_PENDING_CANCEL)
	OrdStatusRejected        = string(enum.OrdStatus_REJECTED)
	OrdStatusSuspended       = string(enum.OrdStatus_SUSPENDED)
	OrdStatusPendingNew      = string(enum.OrdStatus_PENDING_NEW)
	OrdStatusExpired         = string(enum.OrdStatus_EXPIRED)
	OrdStatusPendingReplace  = string(enum.OrdStatus_PENDING_REPLACE)
	OrdStatusResumed         = "R"
)

// Execution types
const (
	ExecTypeNew            = string(enum.ExecType_NEW)
	ExecTypeTrade          = string(enum.ExecType_TRADE)
	ExecTypeCanceled       = string(enum.ExecType_CANCELED)
	ExecTypeReplaced       = string(enum.ExecType_REPLACED)
	ExecTypeRejected       = string(enum.ExecType_REJECTED)
	ExecTypePendingCancel  = string(enum.ExecType_PENDING_CANCEL)
	ExecTypePendingReplace = string(enum.ExecType_PENDING_REPLACE)
)

// Side and order type values
const (
	SideBuy       = string(enum.Side_BUY)
	SideSell      = string(enum.Side_SELL)
	SideSellShort = string(enum.Side_SELL_SHORT)

	OrdTypeMarket = string(enum.OrdType_MARKET)
	OrdTypeLimit  = string(enum.OrdType_LIMIT)
	OrdTypeStop   = "3"
)

// Trading session status values of tag 340
const (
	TradSesStatusHalted = string(enum.TradSesStatus_HALTED)
	TradSesStatusOpen   = string(enum.TradSesStatus_OPEN)
	TradSesStatusClosed = string(enum.TradSesStatus_CLOSED)
)

// CxlRejResponseTo values
const (
	CxlRejToCancel  = "1"
	CxlRejToReplace = "2"
)

// SendingTimeFormat is the UTCTimestamp layout used in tag 52 and 122.
const SendingTimeFormat = "20060102-15:04:05.000"

// IsAdmin reports whether msgType is a session-level message.
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeLogon, MsgTypeLogout, MsgTypeHeartbeat, MsgTypeTestRequest,
		MsgTypeResendRequest, MsgTypeSequenceReset, MsgTypeReject:
		return true
	}
	return false
}
