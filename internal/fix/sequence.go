package fix

import (
	"fmt"

	"fix_provider/internal/domain"

	"github.com/tidwall/btree"
)

// SeqRange is an inclusive sequence range.
type SeqRange struct {
	Begin int
	End   int
}

// Result is the outcome of feeding one inbound message to the controller.
type Result struct {
	// Deliver holds messages ready for processing, in sequence order.
	Deliver []*Message
	// Resend, when set, is the range to request from the peer.
	Resend *SeqRange
}

type queued struct {
	msg       *Message
	processed bool
}

// SequenceController tracks the next expected inbound sequence, buffers
// messages that arrive ahead of a gap and decides when to request resends.
// It is owned by one session task and is not safe for concurrent use.
type SequenceController struct {
	remote         int
	queue          btree.Map[int, queued]
	limit          int
	resendPending  bool
	expectedResend int
	resendComplete bool
}

// NewSequenceController starts expecting remote; limit bounds the number of
// buffered out-of-order messages (0 means unbounded).
func NewSequenceController(remote, limit int) *SequenceController {
	if remote < 1 {
		remote = 1
	}
	return &SequenceController{remote: remote, limit: limit}
}

// Remote returns the next expected inbound sequence number.
func (c *SequenceController) Remote() int { return c.remote }

// SetRemote overrides the expectation, used on sequence reset.
func (c *SequenceController) SetRemote(n int) { c.remote = n }

// Queued returns the number of buffered messages.
func (c *SequenceController) Queued() int { return c.queue.Len() }

// ResendPending reports whether a resend request is outstanding.
func (c *SequenceController) ResendPending() bool { return c.resendPending }

// IsResendComplete reports whether every gap seen since logon has been filled.
func (c *SequenceController) IsResendComplete() bool { return c.resendComplete }

// Disconnected forgets buffered messages; they are requested again after
// the next logon.
func (c *SequenceController) Disconnected() {
	c.queue = btree.Map[int, queued]{}
	c.resendPending = false
	c.resendComplete = false
	c.expectedResend = 0
}

// OnLogon applies the logon exemption: the logon's own sequence becomes the
// baseline when it is 1 or not ahead of the expectation; a logon ahead of the
// expectation opens a gap which is requested.
func (c *SequenceController) OnLogon(m *Message) Result {
	s := m.SeqNum
	if s == 1 || s <= c.remote {
		c.remote = s + 1
		c.resendComplete = true
		return Result{}
	}
	c.queue.Set(s, queued{msg: m, processed: true})
	return Result{Resend: c.request(s - 1)}
}

// Receive feeds one non-logon inbound message.
func (c *SequenceController) Receive(m *Message) (Result, error) {
	var res Result
	s := m.SeqNum

	if m.Type == MsgTypeSequenceReset && !m.Bool(TagGapFillFlag) {
		if err := c.reset(m); err != nil {
			return res, err
		}
		return c.drain(res)
	}

	switch {
	case s < c.remote:
		if m.IsGapFill() {
			if n, ok := m.Int(TagNewSeqNo); ok && n > c.remote {
				c.remote = n
				return c.drain(res)
			}
		}
		return res, nil

	case s > c.remote:
		if _, dup := c.queue.Get(s); dup {
			return res, nil
		}
		if c.limit > 0 && c.queue.Len() >= c.limit {
			return res, domain.NewProtocolError(m.Type, "resend queue full (%d) at seq %d, expected %d", c.limit, s, c.remote)
		}
		q := queued{msg: m}
		if m.Type == MsgTypeResendRequest {
			// The peer may be waiting on us too; answer now, account for it later.
			q.processed = true
			res.Deliver = append(res.Deliver, m)
		}
		c.queue.Set(s, q)
		if !c.resendPending {
			res.Resend = c.request(s - 1)
		}
		return res, nil
	}

	if err := c.accept(m, &res); err != nil {
		return res, err
	}
	return c.drain(res)
}

// accept processes the in-order message m.
func (c *SequenceController) accept(m *Message, res *Result) error {
	if m.IsGapFill() {
		n, ok := m.Int(TagNewSeqNo)
		if !ok {
			return domain.NewProtocolError(m.Type, "gap fill without NewSeqNo at seq %d", m.SeqNum)
		}
		if n < c.remote {
			return domain.NewProtocolError(m.Type, "gap fill NewSeqNo %d below expected %d", n, c.remote)
		}
		c.remote = n
		res.Deliver = append(res.Deliver, m)
		return nil
	}
	c.remote++
	res.Deliver = append(res.Deliver, m)
	return nil
}

// reset handles SequenceReset in reset mode, which ignores MsgSeqNum.
func (c *SequenceController) reset(m *Message) error {
	n, ok := m.Int(TagNewSeqNo)
	if !ok {
		return domain.NewProtocolError(m.Type, "sequence reset without NewSeqNo")
	}
	if n < c.remote {
		return domain.NewProtocolError(m.Type, "sequence reset to %d below expected %d", n, c.remote)
	}
	c.remote = n
	return nil
}

// drain releases buffered messages that are now in order and re-evaluates
// the resend watermark.
func (c *SequenceController) drain(res Result) (Result, error) {
	for {
		s, q, ok := c.queue.Min()
		if !ok {
			break
		}
		if s < c.remote {
			c.queue.Delete(s)
			continue
		}
		if s > c.remote {
			break
		}
		c.queue.Delete(s)
		if q.processed {
			c.remote++
			continue
		}
		if err := c.accept(q.msg, &res); err != nil {
			return res, err
		}
	}

	if c.resendPending && c.remote > c.expectedResend {
		c.resendPending = false
		if s, _, ok := c.queue.Min(); ok {
			res.Resend = c.request(s - 1)
		} else {
			c.resendComplete = true
		}
	}
	return res, nil
}

func (c *SequenceController) request(end int) *SeqRange {
	c.resendPending = true
	c.resendComplete = false
	c.expectedResend = end
	return &SeqRange{Begin: c.remote, End: end}
}

func (c *SequenceController) String() string {
	return fmt.Sprintf("remote=%d queued=%d pending=%v watermark=%d complete=%v",
		c.remote, c.queue.Len(), c.resendPending, c.expectedResend, c.resendComplete)
}
