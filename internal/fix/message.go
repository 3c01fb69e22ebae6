package fix

import (
	"bytes"
	"fmt"
	"time"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

// Message is a parsed inbound FIX message with its header values extracted.
type Message struct {
	Msg         *quickfix.Message
	Type        string
	SeqNum      int
	PossDup     bool
	Sender      string
	Target      string
	BeginString string
	SendingTime time.Time
	Raw         []byte
}

// Parse decodes one tag=value frame.
func Parse(raw []byte) (*Message, error) {
	qm := quickfix.NewMessage()
	if err := quickfix.ParseMessage(qm, bytes.NewBuffer(append([]byte(nil), raw...))); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	m := &Message{Msg: qm, Raw: raw}

	var rej quickfix.MessageRejectError
	if m.Type, rej = qm.Header.GetString(TagMsgType); rej != nil {
		return nil, fmt.Errorf("missing MsgType: %w", rej)
	}
	if m.SeqNum, rej = qm.Header.GetInt(TagMsgSeqNum); rej != nil {
		return nil, fmt.Errorf("missing MsgSeqNum: %w", rej)
	}
	m.BeginString, _ = qm.Header.GetString(TagBeginString)
	m.Sender, _ = qm.Header.GetString(TagSenderCompID)
	m.Target, _ = qm.Header.GetString(TagTargetCompID)
	if qm.Header.Has(TagPossDupFlag) {
		m.PossDup, _ = qm.Header.GetBool(TagPossDupFlag)
	}
	if s, rej := qm.Header.GetString(TagSendingTime); rej == nil {
		m.SendingTime, _ = time.Parse(SendingTimeFormat, s)
	}
	return m, nil
}

// String returns the body field, or "" when absent.
func (m *Message) String(tag quickfix.Tag) string {
	v, _ := m.Msg.Body.GetString(tag)
	return v
}

// Int returns the body field as an int.
func (m *Message) Int(tag quickfix.Tag) (int, bool) {
	v, rej := m.Msg.Body.GetInt(tag)
	return v, rej == nil
}

// Bool returns the body field as a Y/N flag; absent means false.
func (m *Message) Bool(tag quickfix.Tag) bool {
	if !m.Msg.Body.Has(tag) {
		return false
	}
	v, _ := m.Msg.Body.GetBool(tag)
	return v
}

// Decimal returns the body field as a decimal; absent or malformed yields zero.
func (m *Message) Decimal(tag quickfix.Tag) decimal.Decimal {
	s, rej := m.Msg.Body.GetString(tag)
	if rej != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Has reports whether the body carries tag.
func (m *Message) Has(tag quickfix.Tag) bool {
	return m.Msg.Body.Has(tag)
}

// IsGapFill reports whether m is a SequenceReset in gap-fill mode.
func (m *Message) IsGapFill() bool {
	return m.Type == MsgTypeSequenceReset && m.Bool(TagGapFillFlag)
}

func (m *Message) Ident() string {
	return fmt.Sprintf("%s#%d", m.Type, m.SeqNum)
}

// NewMessage starts an outbound message of msgType. The Factory fills in the
// remaining header fields.
func NewMessage(msgType string) *quickfix.Message {
	qm := quickfix.NewMessage()
	qm.Header.SetString(TagMsgType, msgType)
	return qm
}

// SetDecimal stores d in the body.
func SetDecimal(qm *quickfix.Message, tag quickfix.Tag, d decimal.Decimal) {
	qm.Body.SetString(tag, d.String())
}

// Rebuild copies the header and body of a parsed message into a fresh
// message so it can be re-encoded with changed header fields.
func Rebuild(src *quickfix.Message) *quickfix.Message {
	dst := quickfix.NewMessage()
	for _, tag := range src.Header.Tags() {
		if v, rej := src.Header.GetString(tag); rej == nil {
			dst.Header.SetString(tag, v)
		}
	}
	for _, tag := range src.Body.Tags() {
		if v, rej := src.Body.GetString(tag); rej == nil {
			dst.Body.SetString(tag, v)
		}
	}
	return dst
}
