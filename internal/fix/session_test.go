package fix

import (
	"errors"
	"testing"
	"time"

	"fix_provider/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_RecoveryWaitsForOrderServer(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix44")
	p := h.accept(t, 1)

	logon := p.expect(MsgTypeLogon)
	assert.Equal(t, 1, logon.SeqNum)
	p.logon()
	h.waitState(t, StatePendingRecovery)

	p.sessionStatus(TradSesStatusClosed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePendingRecovery, h.session.State())
	assert.True(t, h.session.IsResendComplete())

	_, err := h.session.SendApp(NewMessage(MsgTypeNewOrderSingle), nil)
	assert.ErrorIs(t, err, domain.ErrNotRecovered)

	p.sessionStatus(TradSesStatusOpen)
	h.waitState(t, StateRecovered)
	assert.Equal(t, 1, h.handler.count(func() int { return h.handler.recovered }))

	// Order server going away drops back below Recovered.
	p.sessionStatus(TradSesStatusHalted)
	h.waitState(t, StatePendingRecovery)
}

func TestSession_GapFilledLogonThenOrder(t *testing.T) {
	const n = 5
	h := startSession(t, testSessionConfig(), "fix44")
	p := h.accept(t, n+1)

	p.expect(MsgTypeLogon)
	p.logon()

	rr := p.expect(MsgTypeResendRequest)
	begin, _ := rr.Int(TagBeginSeqNo)
	end, _ := rr.Int(TagEndSeqNo)
	assert.Equal(t, 1, begin)
	assert.Equal(t, n, end)

	for seq := 1; seq <= n; seq++ {
		p.sendRaw(p.factory.GapFill(seq, seq+1))
	}
	p.sessionStatus(TradSesStatusOpen)
	h.waitState(t, StateRecovered)
	require.True(t, h.session.IsResendComplete())

	next := h.session.NextOutboundSeq()
	order := &domain.CreateOrChangeOrder{
		Action:      domain.ActionCreate,
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Price:       decimal.RequireFromString("1.2345"),
		Size:        decimal.NewFromInt(1000),
		Symbol:      "EUR/USD",
		BrokerOrder: "ORD-1",
	}
	qm, err := h.session.Dialect().BuildOrder(order, "ACC")
	require.NoError(t, err)
	var stamped int
	seq, err := h.session.SendApp(qm, func(s int) { stamped = s })
	require.NoError(t, err)
	assert.Equal(t, next, seq)
	assert.Equal(t, seq, stamped)

	nos := p.expect(MsgTypeNewOrderSingle)
	assert.Equal(t, next, nos.SeqNum)
	assert.Equal(t, "ORD-1", nos.String(TagClOrdID))
	assert.Equal(t, "1.2345", nos.String(TagPrice))
	assert.Empty(t, p.conn.Receive(), "exactly one order frame")
}

func TestSession_ApplicationMessagesDelivered(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()

	// fix42 has no session status: online at logon.
	h.waitState(t, StateRecovered)

	p.send(NewMessage(MsgTypeExecutionReport))
	require.Eventually(t, func() bool {
		return h.handler.count(func() int { return len(h.handler.app) }) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSession_AnswersResendRequest(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)

	qm, err := h.session.Dialect().BuildOrder(&domain.CreateOrChangeOrder{
		Action: domain.ActionCreate, Side: domain.SideSell, Type: domain.TypeMarket,
		Size: decimal.NewFromInt(10), Symbol: "EUR/USD", BrokerOrder: "ORD-9",
	}, "")
	require.NoError(t, err)
	seq, err := h.session.SendApp(qm, nil)
	require.NoError(t, err)
	p.expect(MsgTypeNewOrderSingle)

	rr := NewMessage(MsgTypeResendRequest)
	rr.Body.SetInt(TagBeginSeqNo, 1)
	rr.Body.SetInt(TagEndSeqNo, 0)
	p.send(rr)

	// Logon at 1 is gap filled up to the order, which is replayed as a duplicate.
	gf := p.expect(MsgTypeSequenceReset)
	assert.Equal(t, 1, gf.SeqNum)
	assert.True(t, gf.PossDup)
	newSeq, _ := gf.Int(TagNewSeqNo)
	assert.Equal(t, seq, newSeq)

	replay := p.expect(MsgTypeNewOrderSingle)
	assert.Equal(t, seq, replay.SeqNum)
	assert.True(t, replay.PossDup)
	assert.Equal(t, "ORD-9", replay.String(TagClOrdID))
}

func TestSession_HeartbeatTimeoutReconnects(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Heartbeat = 100 * time.Millisecond
	h := startSession(t, cfg, "fix42")

	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)

	// Silence: the session sends a TestRequest, then gives up.
	deadline := time.After(3 * time.Second)
	sawTestRequest := false
	for !sawTestRequest {
		select {
		case frame := <-p.conn.Receive():
			m, err := Parse(frame)
			require.NoError(t, err)
			sawTestRequest = m.Type == MsgTypeTestRequest
		case <-deadline:
			t.Fatal("no TestRequest before timeout")
		}
	}

	second := h.accept(t, 2)
	logon := second.expect(MsgTypeLogon)
	assert.Greater(t, logon.SeqNum, 1, "sequence numbers survive reconnects")
	assert.GreaterOrEqual(t, h.handler.count(func() int { return h.handler.disconnected }), 1)
}

func TestSession_AdoptsCounterpartyHeartbeat(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Heartbeat = 30 * time.Second
	h := startSession(t, cfg, "fix42")
	assert.Equal(t, 30*time.Second, h.session.HeartbeatInterval())

	p := h.accept(t, 1)
	logon := p.expect(MsgTypeLogon)
	hb, _ := logon.Int(TagHeartBtInt)
	assert.Equal(t, 30, hb)

	p.heartBtInt = 1
	p.logon()
	h.waitState(t, StateRecovered)
	assert.Equal(t, time.Second, h.session.HeartbeatInterval())

	// The configured 30s would stay silent; the negotiated 1s does not.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-p.conn.Receive():
			m, err := Parse(frame)
			require.NoError(t, err)
			if m.Type == MsgTypeHeartbeat {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat at the negotiated interval")
		}
	}
}

func TestSession_PeerLogoutIsAnswered(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)

	p.send(NewMessage(MsgTypeLogout))
	p.expect(MsgTypeLogout)
	h.accept(t, 2).expect(MsgTypeLogon)
}

func TestSession_AppliedInboundTracksProcessedSequence(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)
	assert.Equal(t, 1, h.session.AppliedInbound())

	seq := p.send(NewMessage(MsgTypeExecutionReport))
	require.Eventually(t, func() bool { return h.session.AppliedInbound() == seq }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.handler.count(func() int { return len(h.handler.app) }))
}

func TestSession_Logout(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)

	h.session.Logout()
	p.expect(MsgTypeLogout)
	p.send(NewMessage(MsgTypeLogout))

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after logout")
	}
	assert.Equal(t, StateDisposed, h.session.State())
}

func TestSession_UnrecoverableStopsTask(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	h.handler.appErr = &domain.UnrecoverableError{Err: errors.New("unknown reject")}

	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)
	p.logon()
	h.waitState(t, StateRecovered)
	p.send(NewMessage(MsgTypeExecutionReport))

	select {
	case err := <-h.done:
		var ue *domain.UnrecoverableError
		assert.True(t, errors.As(err, &ue), "got %v", err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSession_RejectsWrongCompIDs(t *testing.T) {
	h := startSession(t, testSessionConfig(), "fix42")
	p := h.accept(t, 1)
	p.expect(MsgTypeLogon)

	p.factory = NewFactory("FIX.4.2", "INTRUDER", "CLIENT", NewMemoryHistory(), 1)
	p.logon()

	// The protocol fault tears the connection down and the session dials again.
	select {
	case <-p.conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed after protocol fault")
	}
	h.accept(t, 1).expect(MsgTypeLogon)
}
