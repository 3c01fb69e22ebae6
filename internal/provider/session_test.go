package provider_test

import (
	"context"
	"testing"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/engine"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/provider"
	"fix_provider/internal/reconcile"
	"fix_provider/internal/ticksync"
	"fix_provider/internal/transport"

	"github.com/quickfixgo/quickfix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broker is the far end of a memory connection.
type broker struct {
	t       *testing.T
	conn    transport.Conn
	factory *fix.Factory
}

func (b *broker) expect(msgType string) *fix.Message {
	b.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-b.conn.Receive():
			m, err := fix.Parse(frame)
			require.NoError(b.t, err)
			if m.Type == msgType {
				return m
			}
			if m.Type == fix.MsgTypeHeartbeat || m.Type == fix.MsgTypeTestRequest {
				continue
			}
			b.t.Fatalf("expected %s, got %s", msgType, m.Ident())
		case <-deadline:
			b.t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

func (b *broker) send(msgType string, fields map[quickfix.Tag]string) {
	b.t.Helper()
	qm := fix.NewMessage(msgType)
	for tag, v := range fields {
		qm.Body.SetString(tag, v)
	}
	_, raw, err := b.factory.Stamp(qm)
	require.NoError(b.t, err)
	require.NoError(b.t, b.conn.Send(raw))
}

func TestProvider_OrderAfterGapFilledRecovery(t *testing.T) {
	const gap = 4

	dir, err := ticksync.NewDirectory(ticksync.Options{Logger: infra.Discard()})
	require.NoError(t, err)
	defer dir.Close()
	dialect, err := fix.NewDialect("fix44")
	require.NoError(t, err)

	store := reconcile.NewStore()
	positions := domain.NewPositionBook()
	sched := engine.NewScheduler(infra.Discard(), "")
	prov := provider.New(dir, sched, store, provider.Options{Account: "ACC", Logger: infra.Discard()})
	rec := &recorder{}
	_, err = prov.Register(symbol, rec)
	require.NoError(t, err)

	eng := reconcile.NewEngine(store, positions, prov, reconcile.Options{Account: "ACC", Logger: infra.Discard()})
	listener := transport.NewMemoryListener()
	session, err := fix.NewSession(fix.SessionConfig{
		SenderCompID: "CLIENT",
		TargetCompID: "BROKER",
		Heartbeat:    time.Second,
		RetryStart:   10 * time.Millisecond,
		QueueLimit:   100,
	}, dialect, listener, fix.NewMemoryHistory(), eng, infra.Discard())
	require.NoError(t, err)
	eng.Attach(session)
	prov.Attach(session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { sched.Run(ctx); done <- struct{}{} }()
	go func() { session.Run(ctx); done <- struct{}{} }()
	defer func() {
		prov.Close()
		cancel()
		listener.Close()
		for i := 0; i < 2; i++ {
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Error("task did not stop")
			}
		}
	}()

	actx, acancel := context.WithTimeout(ctx, 3*time.Second)
	defer acancel()
	conn, err := listener.Accept(actx)
	require.NoError(t, err)
	b := &broker{t: t, conn: conn, factory: fix.NewFactory(dialect.BeginString(), "BROKER", "CLIENT", fix.NewMemoryHistory(), gap+1)}

	b.expect(fix.MsgTypeLogon)
	b.send(fix.MsgTypeLogon, map[quickfix.Tag]string{fix.TagEncryptMethod: "0", fix.TagHeartBtInt: "1"})
	rr := b.expect(fix.MsgTypeResendRequest)
	end, _ := rr.Int(fix.TagEndSeqNo)
	require.Equal(t, gap, end)
	for seq := 1; seq <= gap; seq++ {
		require.NoError(t, conn.Send(b.factory.GapFill(seq, seq+1)))
	}
	b.send(fix.MsgTypeTradingSessionStatus, map[quickfix.Tag]string{fix.TagTradSesStatus: fix.TradSesStatusOpen})

	pr := b.expect(fix.MsgTypeRequestForPositions)
	b.send(fix.MsgTypePositionReport, map[quickfix.Tag]string{
		fix.TagPosReqID:           pr.String(fix.TagPosReqID),
		fix.TagTotalNumPosReports: "0",
	})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.broker) == 1 && rec.broker[0]
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, fix.StateRecovered, session.State())

	next := session.NextOutboundSeq()
	o := limit("1.2345")
	require.True(t, prov.CreateOrder(o))
	assert.Equal(t, next, o.Sequence)

	nos := b.expect(fix.MsgTypeNewOrderSingle)
	assert.Equal(t, next, nos.SeqNum)
	assert.Equal(t, o.BrokerOrder, nos.String(fix.TagClOrdID))
	assert.Equal(t, "1.2345", nos.String(fix.TagPrice))
	assert.Equal(t, "1000", nos.String(fix.TagOrderQty))
	assert.Equal(t, "ACC", nos.String(fix.TagAccount))

	ts, _ := prov.TickSync(symbol)
	assert.Equal(t, int32(1), ts.Snapshot().PhysicalOrders)

	b.send(fix.MsgTypeExecutionReport, map[quickfix.Tag]string{
		fix.TagClOrdID:   o.BrokerOrder,
		fix.TagOrderID:   "X1",
		fix.TagExecID:    "E1",
		fix.TagExecType:  fix.ExecTypeNew,
		fix.TagOrdStatus: fix.OrdStatusNew,
		fix.TagSymbol:    symbol,
	})
	b.send(fix.MsgTypeExecutionReport, map[quickfix.Tag]string{
		fix.TagClOrdID:   o.BrokerOrder,
		fix.TagOrderID:   "X1",
		fix.TagExecID:    "E2",
		fix.TagExecType:  fix.ExecTypeTrade,
		fix.TagOrdStatus: fix.OrdStatusFilled,
		fix.TagSymbol:    symbol,
		fix.TagLastQty:   "1000",
		fix.TagLastPx:    "1.2345",
		fix.TagCumQty:    "1000",
	})

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.fills) == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, ts.Completed, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "1000", positions.Net(symbol).String())
	_, open := store.GetByBroker(o.BrokerOrder)
	assert.False(t, open, "filled order is purged")
}
