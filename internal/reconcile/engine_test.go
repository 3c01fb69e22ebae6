package reconcile

import (
	"errors"
	"sync"
	"testing"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	confirmed []string
	fills     []domain.PhysicalFill
	rejects   []domain.RejectClass
	states    []bool
	log       []string
}

func (s *recordingSink) OnOrderConfirmed(o *domain.CreateOrChangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, o.BrokerOrder)
	s.log = append(s.log, "confirm:"+o.BrokerOrder)
}

func (s *recordingSink) OnFill(fill domain.PhysicalFill, _ *domain.CreateOrChangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	s.log = append(s.log, "fill:"+fill.BrokerOrder)
}

func (s *recordingSink) OnReject(_ *domain.CreateOrChangeOrder, _ string, class domain.RejectClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, class)
}

func (s *recordingSink) OnBrokerState(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, online)
}

type fakeRequester struct {
	dialect fix.Dialect
	sent    []*quickfix.Message
}

func (r *fakeRequester) SendRequest(qm *quickfix.Message) (int, error) {
	r.sent = append(r.sent, qm)
	return len(r.sent), nil
}

func (r *fakeRequester) Dialect() fix.Dialect { return r.dialect }

type fixture struct {
	t       *testing.T
	engine  *Engine
	sink    *recordingSink
	factory *fix.Factory
}

func newFixture(t *testing.T) *fixture {
	sink := &recordingSink{}
	e := NewEngine(NewStore(), domain.NewPositionBook(), sink, Options{
		Account: "ACC",
		Now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return &fixture{
		t:       t,
		engine:  e,
		sink:    sink,
		factory: fix.NewFactory("FIX.4.4", "BROKER", "CLIENT", fix.NewMemoryHistory(), 1),
	}
}

func (f *fixture) order(id string, action domain.OrderAction, state domain.OrderState, orig string) *domain.CreateOrChangeOrder {
	o := &domain.CreateOrChangeOrder{
		Action:        action,
		State:         state,
		Side:          domain.SideBuy,
		Type:          domain.TypeLimit,
		Price:         decimal.RequireFromString("1.25"),
		Size:          decimal.NewFromInt(10),
		Symbol:        "EUR/USD",
		BrokerOrder:   id,
		OriginalOrder: orig,
		SerialNumber:  int64(f.engine.Store().Len() + 1),
	}
	f.engine.Store().Add(o)
	return o
}

// message builds an inbound application message as the broker would send it.
func (f *fixture) message(msgType string, fields map[quickfix.Tag]string) *fix.Message {
	f.t.Helper()
	qm := fix.NewMessage(msgType)
	for tag, v := range fields {
		qm.Body.SetString(tag, v)
	}
	_, raw, err := f.factory.Stamp(qm)
	require.NoError(f.t, err)
	m, err := fix.Parse(raw)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) report(clOrdID, orig, status, execID, lastQty, cumQty string) *fix.Message {
	fields := map[quickfix.Tag]string{
		fix.TagClOrdID:   clOrdID,
		fix.TagOrderID:   "X-" + clOrdID,
		fix.TagOrdStatus: status,
		fix.TagExecID:    execID,
		fix.TagSymbol:    "EUR/USD",
		fix.TagLastPx:    "1.25",
	}
	if orig != "" {
		fields[fix.TagOrigClOrdID] = orig
	}
	if lastQty != "" {
		fields[fix.TagLastQty] = lastQty
		fields[fix.TagCumQty] = cumQty
	}
	return f.message(fix.MsgTypeExecutionReport, fields)
}

func (f *fixture) apply(m *fix.Message) error {
	return f.engine.OnApplicationMessage(m)
}

func TestEngine_FillIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.order("O1", domain.ActionCreate, domain.StatePendingNew, "")

	require.NoError(t, f.apply(f.report("O1", "", fix.OrdStatusNew, "E1", "", "")))
	assert.Equal(t, []string{"O1"}, f.sink.confirmed)

	partial := f.report("O1", "", fix.OrdStatusPartiallyFilled, "E2", "4", "4")
	require.NoError(t, f.apply(partial))
	require.NoError(t, f.apply(partial))
	// same cumulative quantity under a new exec id is still the same fill
	require.NoError(t, f.apply(f.report("O1", "", fix.OrdStatusPartiallyFilled, "E2b", "4", "4")))

	filled := f.report("O1", "", fix.OrdStatusFilled, "E3", "6", "10")
	require.NoError(t, f.apply(filled))
	require.NoError(t, f.apply(filled))

	require.Len(t, f.sink.fills, 2)
	assert.True(t, f.sink.fills[0].Partial)
	assert.False(t, f.sink.fills[1].Partial)
	assert.Equal(t, "10", f.engine.Positions().Net("EUR/USD").String())
	assert.Equal(t, []string{"O1"}, f.sink.confirmed, "confirmation emitted once")

	_, ok := f.engine.Store().GetByBroker("O1")
	assert.False(t, ok, "filled order is purged")
}

func TestEngine_MarketOrderConfirmedByFill(t *testing.T) {
	f := newFixture(t)
	o := f.order("M1", domain.ActionCreate, domain.StatePendingNew, "")
	o.Type = domain.TypeMarket
	o.Price = decimal.Zero

	require.NoError(t, f.apply(f.report("M1", "", fix.OrdStatusNew, "E1", "", "")))
	assert.Empty(t, f.sink.confirmed, "acceptance alone does not settle a market order")
	got, ok := f.engine.Store().GetByBroker("M1")
	require.True(t, ok)
	assert.Equal(t, domain.StatePendingNew, got.State)

	require.NoError(t, f.apply(f.report("M1", "", fix.OrdStatusFilled, "E2", "10", "10")))
	assert.Equal(t, []string{"fill:M1", "confirm:M1"}, f.sink.log)
	assert.Equal(t, "10", f.engine.Positions().Net("EUR/USD").String())
}

func TestEngine_SellFillIsNegative(t *testing.T) {
	f := newFixture(t)
	o := f.order("S1", domain.ActionCreate, domain.StateActive, "")
	o.Side = domain.SideSell

	require.NoError(t, f.apply(f.report("S1", "", fix.OrdStatusPartiallyFilled, "E1", "3", "3")))
	assert.Equal(t, "-3", f.engine.Positions().Net("EUR/USD").String())
}

func TestEngine_PiggyBackFillOnPendingCancel(t *testing.T) {
	f := newFixture(t)
	f.order("O1", domain.ActionCreate, domain.StateActive, "")
	f.order("C1", domain.ActionCancel, domain.StatePendingNew, "O1")

	require.NoError(t, f.apply(f.report("C1", "O1", fix.OrdStatusPendingCancel, "E1", "3", "3")))
	o, ok := f.engine.Store().GetByBroker("O1")
	require.True(t, ok)
	assert.Equal(t, domain.StatePending, o.State)
	require.Len(t, f.sink.fills, 1)
	assert.Equal(t, "O1", f.sink.fills[0].BrokerOrder)
	assert.Empty(t, f.sink.confirmed, "pending status is not a confirmation")

	require.NoError(t, f.apply(f.report("C1", "O1", fix.OrdStatusCanceled, "E2", "", "")))
	assert.Equal(t, []string{"C1"}, f.sink.confirmed)
	assert.Equal(t, 0, f.engine.Store().Len())
	assert.Equal(t, "3", f.engine.Positions().Net("EUR/USD").String())
}

func TestEngine_Replace(t *testing.T) {
	f := newFixture(t)
	o := f.order("O1", domain.ActionCreate, domain.StatePending, "")
	o.CumQty = decimal.NewFromInt(2)
	o.ReplacedBy = "R1"
	f.order("R1", domain.ActionChange, domain.StatePendingNew, "O1")

	require.NoError(t, f.apply(f.report("R1", "O1", fix.OrdStatusReplaced, "E1", "", "")))

	r, ok := f.engine.Store().GetByBroker("R1")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, r.State)
	assert.Equal(t, "2", r.CumQty.String(), "replacement inherits cumulative quantity")
	_, ok = f.engine.Store().GetByBroker("O1")
	assert.False(t, ok, "replaced original is retired")
	assert.Equal(t, []string{"R1"}, f.sink.confirmed)
}

func TestEngine_CancelRejectRestoresOriginal(t *testing.T) {
	f := newFixture(t)
	f.engine.OnRecovered()
	f.order("O1", domain.ActionCreate, domain.StatePending, "")
	f.order("C1", domain.ActionCancel, domain.StatePendingNew, "O1")

	err := f.apply(f.message(fix.MsgTypeOrderCancelReject, map[quickfix.Tag]string{
		fix.TagClOrdID:          "C1",
		fix.TagOrigClOrdID:      "O1",
		fix.TagOrdStatus:        fix.OrdStatusNew,
		fix.TagCxlRejResponseTo: fix.CxlRejToCancel,
		fix.TagText:             "No such order",
	}))
	require.NoError(t, err)

	o, ok := f.engine.Store().GetByBroker("O1")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, o.State)
	assert.Equal(t, []domain.RejectClass{domain.RejectOrderGone}, f.sink.rejects)
	assert.Equal(t, []string{"C1"}, f.sink.confirmed)
}

func TestEngine_RejectClassification(t *testing.T) {
	rejected := func(f *fixture, id, text string) error {
		f.order(id, domain.ActionCreate, domain.StatePendingNew, "")
		m := f.report(id, "", fix.OrdStatusRejected, "E-"+id, "", "")
		m.Msg.Body.SetString(fix.TagText, text)
		return f.apply(m)
	}

	t.Run("unknown during recovery is informational", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, rejected(f, "O1", "margin call"))
		assert.Equal(t, []domain.RejectClass{domain.RejectUnknown}, f.sink.rejects)
	})

	t.Run("unknown after recovery is unrecoverable", func(t *testing.T) {
		f := newFixture(t)
		f.engine.OnRecovered()
		err := rejected(f, "O1", "margin call")
		var ue *domain.UnrecoverableError
		require.True(t, errors.As(err, &ue), "got %v", err)
	})

	t.Run("order server offline forces resync", func(t *testing.T) {
		f := newFixture(t)
		f.engine.OnRecovered()
		err := rejected(f, "O1", "ORDER SERVER OFFLINE")
		var re *domain.RejectError
		require.True(t, errors.As(err, &re), "got %v", err)
		assert.Equal(t, domain.RejectResync, re.Class)
		assert.True(t, domain.IsRetriable(err))
	})

	t.Run("order gone after recovery is handled", func(t *testing.T) {
		f := newFixture(t)
		f.engine.OnRecovered()
		assert.NoError(t, rejected(f, "O1", "Order already filled or canceled"))
	})
}

func TestEngine_UnknownOrderIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.apply(f.report("nope", "", fix.OrdStatusFilled, "E1", "1", "1")))
	assert.Empty(t, f.sink.fills)
}

func TestEngine_SuspendAndResume(t *testing.T) {
	f := newFixture(t)
	f.order("O1", domain.ActionCreate, domain.StateActive, "")

	require.NoError(t, f.apply(f.report("O1", "", fix.OrdStatusSuspended, "E1", "", "")))
	o, _ := f.engine.Store().GetByBroker("O1")
	assert.Equal(t, domain.StateSuspended, o.State)

	require.NoError(t, f.apply(f.report("O1", "", fix.OrdStatusResumed, "E2", "", "")))
	assert.Equal(t, domain.StateActive, o.State)
}

func TestEngine_PositionReconciliation(t *testing.T) {
	f := newFixture(t)
	dialect, err := fix.NewDialect("fix44")
	require.NoError(t, err)
	req := &fakeRequester{dialect: dialect}
	f.engine.Attach(req)

	f.engine.OnRecovered()
	require.Len(t, req.sent, 1)
	assert.False(t, f.engine.IsBrokerOnline(), "waits for position reports")
	reqID, err := req.sent[0].Body.GetString(fix.TagPosReqID)
	require.NoError(t, err)

	before := testutil.ToFloat64(infra.PositionMismatches)
	require.NoError(t, f.apply(f.message(fix.MsgTypePositionReport, map[quickfix.Tag]string{
		fix.TagPosReqID:           "stale",
		fix.TagTotalNumPosReports: "1",
		fix.TagSymbol:             "EUR/USD",
		fix.TagLongQty:            "9",
	})))
	assert.False(t, f.engine.IsBrokerOnline())

	require.NoError(t, f.apply(f.message(fix.MsgTypePositionReport, map[quickfix.Tag]string{
		fix.TagPosReqID:           reqID,
		fix.TagTotalNumPosReports: "1",
		fix.TagSymbol:             "EUR/USD",
		fix.TagLongQty:            "5",
		fix.TagShortQty:           "0",
	})))
	assert.True(t, f.engine.IsBrokerOnline())
	assert.Equal(t, []bool{true}, f.sink.states)
	assert.Equal(t, before+1, testutil.ToFloat64(infra.PositionMismatches))

	f.engine.OnDisconnected()
	assert.Equal(t, []bool{true, false}, f.sink.states)
}

func TestEngine_ReconstructUsesCurrentOrder(t *testing.T) {
	f := newFixture(t)
	dialect, err := fix.NewDialect("fix44")
	require.NoError(t, err)
	f.engine.Attach(&fakeRequester{dialect: dialect})

	o := f.order("O1", domain.ActionCreate, domain.StateActive, "")
	o.Size = decimal.NewFromInt(7)
	f.engine.Store().SetSequence("O1", 3)

	archived := fix.NewFactory("FIX.4.4", "CLIENT", "BROKER", fix.NewMemoryHistory(), 3)
	nos, err := dialect.BuildOrder(&domain.CreateOrChangeOrder{
		Action: domain.ActionCreate, Side: domain.SideBuy, Type: domain.TypeLimit,
		Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(10), Symbol: "EUR/USD", BrokerOrder: "O1",
	}, "ACC")
	require.NoError(t, err)
	_, raw, err := archived.Stamp(nos)
	require.NoError(t, err)
	m, err := fix.Parse(raw)
	require.NoError(t, err)

	qm, ok := f.engine.Reconstruct(m)
	require.True(t, ok)
	qty, err := qm.Body.GetString(fix.TagOrderQty)
	require.NoError(t, err)
	assert.Equal(t, "7", qty)

	o.State = domain.StateFilled
	_, ok = f.engine.Reconstruct(m)
	assert.False(t, ok, "closed orders replay verbatim")
}

func TestStore_Indexes(t *testing.T) {
	s := NewStore()
	s.Add(&domain.CreateOrChangeOrder{BrokerOrder: "A", SerialNumber: 2, State: domain.StateActive})
	s.Add(&domain.CreateOrChangeOrder{BrokerOrder: "B", SerialNumber: 1, State: domain.StateFilled})
	s.SetSequence("A", 11)

	o, ok := s.GetBySequence(11)
	require.True(t, ok)
	assert.Equal(t, "A", o.BrokerOrder)
	o, ok = s.GetBySerial(1)
	require.True(t, ok)
	assert.Equal(t, "B", o.BrokerOrder)

	open := s.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "A", open[0].BrokerOrder)

	s.Update(func(tx *Tx) {
		assert.False(t, tx.Purge("A"), "open orders stay")
		assert.True(t, tx.Purge("B"))
	})
	_, ok = s.GetBySerial(1)
	assert.False(t, ok)
}
