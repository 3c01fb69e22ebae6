package fix

import (
	"fmt"
	"sync"
	"time"

	"github.com/quickfixgo/quickfix"
)

// Factory stamps outbound messages with the session header and the next
// local sequence number and archives them for resend.
type Factory struct {
	mu          sync.Mutex
	beginString string
	sender      string
	target      string
	next        int
	history     History
	now         func() time.Time
}

// NewFactory creates a factory whose next outbound sequence is next.
func NewFactory(beginString, sender, target string, history History, next int) *Factory {
	if next < 1 {
		next = 1
	}
	return &Factory{
		beginString: beginString,
		sender:      sender,
		target:      target,
		next:        next,
		history:     history,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NextSeq returns the sequence number the next stamped message will carry.
func (f *Factory) NextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// SetNextSeq moves the outbound counter, used on sequence reset.
func (f *Factory) SetNextSeq(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = n
}

// Stamp assigns the next sequence to qm, encodes it and archives the frame.
func (f *Factory) Stamp(qm *quickfix.Message) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := f.next
	now := f.now()
	f.header(qm, seq, now)
	raw := []byte(qm.String())
	msgType, _ := qm.Header.GetString(TagMsgType)

	if err := f.history.Put(Entry{Seq: seq, MsgType: msgType, Raw: raw, SentAt: now.UnixMilli()}); err != nil {
		return 0, nil, fmt.Errorf("archive seq %d: %w", seq, err)
	}
	f.next++
	return seq, raw, nil
}

// Resend encodes qm under an already-used sequence number flagged as a
// possible duplicate. Nothing is archived and the counter does not move.
func (f *Factory) Resend(qm *quickfix.Message, seq int, origSent time.Time) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.header(qm, seq, f.now())
	qm.Header.SetBool(TagPossDupFlag, true)
	if !origSent.IsZero() {
		qm.Header.SetString(TagOrigSendingTime, origSent.UTC().Format(SendingTimeFormat))
	}
	return []byte(qm.String())
}

// GapFill encodes a SequenceReset-GapFill occupying seq and moving the peer
// to newSeq.
func (f *Factory) GapFill(seq, newSeq int) []byte {
	qm := NewMessage(MsgTypeSequenceReset)
	qm.Body.SetBool(TagGapFillFlag, true)
	qm.Body.SetInt(TagNewSeqNo, newSeq)
	return f.Resend(qm, seq, time.Time{})
}

func (f *Factory) header(qm *quickfix.Message, seq int, now time.Time) {
	qm.Header.SetString(TagBeginString, f.beginString)
	qm.Header.SetString(TagSenderCompID, f.sender)
	qm.Header.SetString(TagTargetCompID, f.target)
	qm.Header.SetInt(TagMsgSeqNum, seq)
	qm.Header.SetString(TagSendingTime, now.Format(SendingTimeFormat))
}
