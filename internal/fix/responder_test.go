package fix

import (
	"testing"

	"fix_provider/internal/infra"

	"github.com/quickfixgo/quickfix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRecon struct {
	qm *quickfix.Message
}

func (r staticRecon) Reconstruct(*Message) (*quickfix.Message, bool) {
	if r.qm == nil {
		return nil, false
	}
	return r.qm, true
}

// stampUpTo fills the archive with heartbeats up to seq-1 and one order at seq.
func stampUpTo(t *testing.T, f *Factory, orderSeq int) {
	t.Helper()
	for f.NextSeq() < orderSeq {
		_, _, err := f.Stamp(NewMessage(MsgTypeHeartbeat))
		require.NoError(t, err)
	}
	qm := NewMessage(MsgTypeNewOrderSingle)
	qm.Body.SetString(TagClOrdID, "ORD-15")
	_, _, err := f.Stamp(qm)
	require.NoError(t, err)
}

func parseAll(t *testing.T, frames [][]byte) []*Message {
	t.Helper()
	out := make([]*Message, 0, len(frames))
	for _, f := range frames {
		m, err := Parse(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestResponder_CoalescesGapFills(t *testing.T) {
	history := NewMemoryHistory()
	f := NewFactory("FIX.4.4", "CLIENT", "BROKER", history, 1)
	stampUpTo(t, f, 15)

	r := NewResponder(f, history, nil, infra.Discard())
	frames, err := r.Respond(SeqRange{Begin: 10, End: 15})
	require.NoError(t, err)
	msgs := parseAll(t, frames)

	require.Len(t, msgs, 2)
	assert.Equal(t, MsgTypeSequenceReset, msgs[0].Type)
	assert.True(t, msgs[0].IsGapFill())
	assert.Equal(t, 10, msgs[0].SeqNum)
	newSeq, _ := msgs[0].Int(TagNewSeqNo)
	assert.Equal(t, 15, newSeq)

	assert.Equal(t, MsgTypeNewOrderSingle, msgs[1].Type)
	assert.Equal(t, 15, msgs[1].SeqNum)
	assert.True(t, msgs[1].PossDup)
	assert.Equal(t, "ORD-15", msgs[1].String(TagClOrdID))
	assert.Equal(t, 16, f.NextSeq(), "responding must not consume sequence numbers")
}

func TestResponder_PrefersReconstruction(t *testing.T) {
	history := NewMemoryHistory()
	f := NewFactory("FIX.4.4", "CLIENT", "BROKER", history, 1)
	stampUpTo(t, f, 2)

	current := NewMessage(MsgTypeNewOrderSingle)
	current.Body.SetString(TagClOrdID, "ORD-15")
	current.Body.SetString(TagPrice, "1.5")
	r := NewResponder(f, history, staticRecon{qm: current}, infra.Discard())

	frames, err := r.Respond(SeqRange{Begin: 2, End: 2})
	require.NoError(t, err)
	msgs := parseAll(t, frames)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1.5", msgs[0].String(TagPrice))
	assert.Equal(t, 2, msgs[0].SeqNum)
}

func TestResponder_MissingTailGapFilled(t *testing.T) {
	history := NewMemoryHistory()
	f := NewFactory("FIX.4.4", "CLIENT", "BROKER", history, 1)
	for i := 0; i < 4; i++ {
		f.Stamp(NewMessage(MsgTypeHeartbeat))
	}

	r := NewResponder(f, history, nil, infra.Discard())
	frames, err := r.Respond(SeqRange{Begin: 2, End: 0})
	require.NoError(t, err)
	msgs := parseAll(t, frames)
	require.Len(t, msgs, 1)
	newSeq, _ := msgs[0].Int(TagNewSeqNo)
	assert.Equal(t, 5, newSeq)

	frames, err = r.Respond(SeqRange{Begin: 9, End: 12})
	require.NoError(t, err)
	assert.Empty(t, frames, "nothing sent beyond the last sequence")
}
