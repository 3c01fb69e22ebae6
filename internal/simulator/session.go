package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"
	"fix_provider/internal/transport"

	"github.com/google/uuid"
	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

const textServerOffline = "Order Server Offline"

var (
	errClientLogout = errors.New("client logged out")
	errFaultDrop    = errors.New("fault: receive disconnect")
)

// serverSession is one accepted connection. It runs on the Serve goroutine.
type serverSession struct {
	srv      *Server
	conn     transport.Conn
	hb       time.Duration
	loggedOn bool
	lastRecv time.Time
}

func (ss *serverSession) run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case frame := <-ss.conn.Receive():
			if err := ss.handle(frame); err != nil {
				return err
			}
		case <-ss.conn.Done():
			for _, frame := range transport.Drain(ss.conn) {
				if err := ss.handle(frame); err != nil {
					return err
				}
			}
			if err := ss.conn.Err(); err != nil {
				return domain.NewNetworkError("receive", err)
			}
			return domain.ErrConnectionFailed
		case now := <-ticker.C:
			if err := ss.timers(now); err != nil {
				return err
			}
		case <-ctx.Done():
			if ss.loggedOn {
				qm := fix.NewMessage(fix.MsgTypeLogout)
				qm.Body.SetString(fix.TagText, "simulator shutdown")
				if err := ss.srv.sendAdmin(qm); err != nil {
					ss.srv.log.Warn("Shutdown logout not sent", slog.Any("error", err))
				}
			}
			return ctx.Err()
		}
	}
}

func (ss *serverSession) timers(now time.Time) error {
	s := ss.srv
	if _, reopened := s.isOffline(now); reopened {
		s.log.Info("Order server back online")
		if ss.loggedOn && s.dialect.RequiresSessionStatus() {
			s.sendStatus(fix.TradSesStatusOpen)
		}
	}
	if !ss.loggedOn {
		return nil
	}
	if silence := now.Sub(ss.lastRecv); silence >= 2*ss.hb {
		return domain.NewNetworkError("heartbeat", fmt.Errorf("client silent for %s", silence.Round(time.Millisecond)))
	}
	if now.Sub(s.idleSince()) >= ss.hb {
		return s.sendAdmin(fix.NewMessage(fix.MsgTypeHeartbeat))
	}
	return nil
}

func (ss *serverSession) handle(frame []byte) error {
	s := ss.srv
	m, err := fix.Parse(frame)
	if err != nil {
		s.log.Warn("Garbled message ignored", slog.Any("error", err))
		return nil
	}
	ss.lastRecv = time.Now()

	if m.Sender != s.opts.TargetCompID || m.Target != s.opts.SenderCompID {
		return domain.NewProtocolError(m.Type, "comp ids %s->%s, want %s->%s", m.Sender, m.Target, s.opts.TargetCompID, s.opts.SenderCompID)
	}
	if !ss.loggedOn {
		return ss.logon(m)
	}
	if m.Type == fix.MsgTypeLogon {
		return domain.NewProtocolError(m.Type, "logon on an established session")
	}
	if isOrderMessage(m.Type) && !m.PossDup {
		if _, ok := s.faults.Fire(ReceiveDisconnect, m.SeqNum, m.String(fix.TagSymbol)); ok {
			s.log.Info("FAULT receive disconnect", slog.String("msg", m.Ident()))
			return errFaultDrop
		}
	}

	res, err := s.seq.Receive(m)
	if err != nil {
		return err
	}
	if res.Resend != nil {
		if err := ss.requestResend(*res.Resend); err != nil {
			return err
		}
	}
	for _, d := range res.Deliver {
		if err := ss.process(d); err != nil {
			return err
		}
	}
	s.checkRecovered()
	s.persist()
	return nil
}

func (ss *serverSession) logon(m *fix.Message) error {
	s := ss.srv
	if m.Type != fix.MsgTypeLogon {
		return domain.NewProtocolError(m.Type, "expected logon, got %s", m.Type)
	}
	if m.BeginString != s.dialect.BeginString() {
		qm := fix.NewMessage(fix.MsgTypeLogout)
		qm.Body.SetString(fix.TagText, "unsupported begin string "+m.BeginString)
		if err := s.sendAdmin(qm); err != nil {
			s.log.Warn("Logon refusal not sent", slog.Any("error", err))
		}
		return domain.NewProtocolError(m.Type, "begin string %q, want %q", m.BeginString, s.dialect.BeginString())
	}
	hb, ok := m.Int(fix.TagHeartBtInt)
	if !ok || hb <= 0 {
		return domain.NewProtocolError(m.Type, "logon without HeartBtInt")
	}
	ss.hb = time.Duration(hb) * time.Second
	s.transition(fix.TriggerLogonSent)

	reset := m.Bool(fix.TagResetSeqNumFlag)
	if reset {
		if err := s.history.Reset(); err != nil {
			return fmt.Errorf("reset history: %w", err)
		}
		s.factory.SetNextSeq(1)
		s.seq.SetRemote(1)
	}
	res := s.seq.OnLogon(m)

	if err := s.sendAdmin(s.dialect.BuildLogon(fix.LogonParams{HeartBtInt: hb, ResetSeqNum: reset})); err != nil {
		return err
	}
	s.mu.Lock()
	s.loggedOn = true
	s.mu.Unlock()
	ss.loggedOn = true
	s.transition(fix.TriggerLogonAccepted)
	s.log.Info("Client logged on",
		slog.Int("client_seq", m.SeqNum),
		slog.Int("next_out", s.factory.NextSeq()),
		slog.Bool("reset", reset))

	if res.Resend != nil {
		if err := ss.requestResend(*res.Resend); err != nil {
			return err
		}
	}
	if s.dialect.RequiresSessionStatus() {
		if offline, _ := s.isOffline(time.Now()); offline {
			s.sendStatus(fix.TradSesStatusClosed)
		} else {
			s.sendStatus(fix.TradSesStatusOpen)
		}
	}
	s.checkRecovered()
	s.persist()
	return nil
}

func (ss *serverSession) requestResend(r fix.SeqRange) error {
	qm := fix.NewMessage(fix.MsgTypeResendRequest)
	qm.Body.SetInt(fix.TagBeginSeqNo, r.Begin)
	qm.Body.SetInt(fix.TagEndSeqNo, r.End)
	ss.srv.log.Info("Resend requested from client", slog.Int("begin", r.Begin), slog.Int("end", r.End))
	return ss.srv.sendAdmin(qm)
}

func (ss *serverSession) process(m *fix.Message) error {
	s := ss.srv
	switch m.Type {
	case fix.MsgTypeHeartbeat, fix.MsgTypeSequenceReset:
	case fix.MsgTypeTestRequest:
		qm := fix.NewMessage(fix.MsgTypeHeartbeat)
		qm.Body.SetString(fix.TagTestReqID, m.String(fix.TagTestReqID))
		return s.sendAdmin(qm)
	case fix.MsgTypeResendRequest:
		begin, _ := m.Int(fix.TagBeginSeqNo)
		end, _ := m.Int(fix.TagEndSeqNo)
		frames, err := s.responder.Respond(fix.SeqRange{Begin: begin, End: end})
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := s.sendRaw(f); err != nil {
				return err
			}
		}
	case fix.MsgTypeReject:
		s.log.Warn("Session reject from client", slog.String("text", m.String(fix.TagText)))
	case fix.MsgTypeLogout:
		if err := s.sendAdmin(fix.NewMessage(fix.MsgTypeLogout)); err != nil {
			s.log.Warn("Logout reply not sent", slog.Any("error", err))
		}
		return errClientLogout
	case fix.MsgTypeNewOrderSingle:
		ss.newOrder(m)
	case fix.MsgTypeOrderCancelReplace:
		ss.replace(m)
	case fix.MsgTypeOrderCancelRequest:
		ss.cancel(m)
	case fix.MsgTypeRequestForPositions:
		ss.positions(m)
	default:
		qm := fix.NewMessage(fix.MsgTypeBusinessReject)
		qm.Body.SetInt(fix.TagRefSeqNum, m.SeqNum)
		qm.Body.SetString(fix.TagRefMsgType, m.Type)
		qm.Body.SetString(fix.TagText, "unsupported message type")
		ss.report(qm, "")
	}
	return nil
}

func isOrderMessage(msgType string) bool {
	switch msgType {
	case fix.MsgTypeNewOrderSingle, fix.MsgTypeOrderCancelReplace, fix.MsgTypeOrderCancelRequest:
		return true
	}
	return false
}

func orderFrom(m *fix.Message) Order {
	o := Order{
		ClOrdID: m.String(fix.TagClOrdID),
		Symbol:  m.String(fix.TagSymbol),
		Size:    m.Decimal(fix.TagOrderQty),
		Price:   m.Decimal(fix.TagPrice),
	}
	o.Side, _ = fix.SideFromFIX(m.String(fix.TagSide))
	o.Type, _ = fix.OrdTypeFromFIX(m.String(fix.TagOrdType))
	if o.Type == domain.TypeStop {
		o.Price = m.Decimal(fix.TagStopPx)
	}
	return o
}

func (ss *serverSession) newOrder(m *fix.Message) {
	s := ss.srv
	o := orderFrom(m)

	if _, ok := s.faults.Fire(ServerOffline, m.SeqNum, o.Symbol); ok {
		s.goOffline()
	}
	if offline, _ := s.isOffline(time.Now()); offline {
		ss.rejectOrder(o, textServerOffline)
		return
	}
	if info, ok := s.faults.Fire(RejectSymbol, m.SeqNum, o.Symbol); ok {
		text := info.Text
		if text == "" {
			text = fmt.Sprintf("symbol %s not tradable", o.Symbol)
		}
		ss.rejectOrder(o, text)
		return
	}

	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	rec, fills, err := s.matcher.Submit(o)
	if err != nil {
		if m.PossDup {
			s.log.Debug("Duplicate order ignored", slog.String("order", o.ClOrdID))
			return
		}
		ss.rejectOrder(o, err.Error())
		return
	}
	ss.report(ss.srv.execReport(rec, fix.ExecTypeNew, fix.OrdStatusNew, decimal.Zero, decimal.Zero, ""), rec.Symbol)
	for _, f := range fills {
		s.reportFill(f)
	}
}

func (ss *serverSession) replace(m *fix.Message) {
	s := ss.srv
	o := orderFrom(m)
	orig := m.String(fix.TagOrigClOrdID)

	if info, ok := s.faults.Fire(CancelReject, m.SeqNum, o.Symbol); ok {
		ss.cancelReject(o.ClOrdID, orig, fix.CxlRejToReplace, faultText(info, errOrderClosed))
		return
	}
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	rec, fills, err := s.matcher.Replace(orig, o.ClOrdID, o.Price, o.Size)
	if err != nil {
		ss.cancelReject(o.ClOrdID, orig, fix.CxlRejToReplace, err.Error())
		return
	}
	ss.report(ss.srv.execReport(rec, fix.ExecTypeReplaced, fix.OrdStatusReplaced, decimal.Zero, decimal.Zero, ""), rec.Symbol)
	for _, f := range fills {
		s.reportFill(f)
	}
}

func (ss *serverSession) cancel(m *fix.Message) {
	s := ss.srv
	id := m.String(fix.TagClOrdID)
	orig := m.String(fix.TagOrigClOrdID)

	if info, ok := s.faults.Fire(CancelReject, m.SeqNum, m.String(fix.TagSymbol)); ok {
		ss.cancelReject(id, orig, fix.CxlRejToCancel, faultText(info, errOrderClosed))
		return
	}
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	rec, err := s.matcher.Cancel(orig, id)
	if err != nil {
		ss.cancelReject(id, orig, fix.CxlRejToCancel, err.Error())
		return
	}
	ss.report(ss.srv.execReport(rec, fix.ExecTypeCanceled, fix.OrdStatusCanceled, decimal.Zero, decimal.Zero, ""), rec.Symbol)
}

func faultText(info Info, fallback error) string {
	if info.Text != "" {
		return info.Text
	}
	return fallback.Error()
}

func (ss *serverSession) positions(m *fix.Message) {
	s := ss.srv
	reqID := m.String(fix.TagPosReqID)
	pos := s.matcher.Positions()
	symbols := make([]string, 0, len(pos))
	for sym := range pos {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	if len(symbols) == 0 {
		qm := fix.NewMessage(fix.MsgTypePositionReport)
		qm.Body.SetString(fix.TagPosReqID, reqID)
		qm.Body.SetInt(fix.TagTotalNumPosReports, 0)
		ss.report(qm, "")
		return
	}
	for _, sym := range symbols {
		net := pos[sym]
		qm := fix.NewMessage(fix.MsgTypePositionReport)
		qm.Body.SetString(fix.TagPosReqID, reqID)
		qm.Body.SetInt(fix.TagTotalNumPosReports, len(symbols))
		qm.Body.SetString(fix.TagSymbol, sym)
		if s.opts.Account != "" {
			qm.Body.SetString(fix.TagAccount, s.opts.Account)
		}
		long, short := decimal.Zero, decimal.Zero
		if net.IsNegative() {
			short = net.Neg()
		} else {
			long = net
		}
		fix.SetDecimal(qm, fix.TagLongQty, long)
		fix.SetDecimal(qm, fix.TagShortQty, short)
		ss.report(qm, sym)
	}
}

func (ss *serverSession) rejectOrder(o Order, text string) {
	o.Status = fix.OrdStatusRejected
	ss.srv.log.Info("Order rejected", slog.String("order", o.ClOrdID), slog.String("text", text))
	ss.report(ss.srv.execReport(o, fix.ExecTypeRejected, fix.OrdStatusRejected, decimal.Zero, decimal.Zero, text), o.Symbol)
}

func (ss *serverSession) cancelReject(id, orig, responseTo, text string) {
	qm := fix.NewMessage(fix.MsgTypeOrderCancelReject)
	qm.Body.SetString(fix.TagClOrdID, id)
	qm.Body.SetString(fix.TagOrigClOrdID, orig)
	qm.Body.SetString(fix.TagOrderID, "NONE")
	qm.Body.SetString(fix.TagOrdStatus, fix.OrdStatusRejected)
	qm.Body.SetString(fix.TagCxlRejResponseTo, responseTo)
	qm.Body.SetString(fix.TagText, text)
	ss.srv.log.Info("Cancel rejected", slog.String("order", orig), slog.String("text", text))
	ss.report(qm, "")
}

func (ss *serverSession) report(qm *quickfix.Message, symbol string) {
	if _, err := ss.srv.sendApp(qm, symbol); err != nil {
		ss.srv.log.Warn("Report not sent", slog.Any("error", err))
	}
}

// execReport builds an ExecutionReport for o.
func (s *Server) execReport(o Order, execType, status string, lastQty, lastPx decimal.Decimal, text string) *quickfix.Message {
	qm := fix.NewMessage(fix.MsgTypeExecutionReport)
	if s.opts.Account != "" {
		qm.Body.SetString(fix.TagAccount, s.opts.Account)
	}
	orderID := o.OrderID
	if orderID == "" {
		orderID = "NONE"
	}
	qm.Body.SetString(fix.TagOrderID, orderID)
	qm.Body.SetString(fix.TagClOrdID, o.ClOrdID)
	if o.OrigClOrdID != "" {
		qm.Body.SetString(fix.TagOrigClOrdID, o.OrigClOrdID)
	}
	qm.Body.SetString(fix.TagExecID, uuid.NewString())
	qm.Body.SetString(fix.TagExecType, execType)
	qm.Body.SetString(fix.TagOrdStatus, status)
	qm.Body.SetString(fix.TagSymbol, o.Symbol)
	if side, err := fix.SideToFIX(o.Side); err == nil {
		qm.Body.SetString(fix.TagSide, side)
	}
	fix.SetDecimal(qm, fix.TagOrderQty, o.Size)
	fix.SetDecimal(qm, fix.TagCumQty, o.CumQty)
	leaves := o.Leaves()
	switch status {
	case fix.OrdStatusFilled, fix.OrdStatusCanceled, fix.OrdStatusRejected:
		leaves = decimal.Zero
	}
	fix.SetDecimal(qm, fix.TagLeavesQty, leaves)
	fix.SetDecimal(qm, fix.TagAvgPx, o.AvgPx)
	if lastQty.IsPositive() {
		fix.SetDecimal(qm, fix.TagLastQty, lastQty)
		fix.SetDecimal(qm, fix.TagLastPx, lastPx)
	}
	qm.Body.SetString(fix.TagTransactTime, time.Now().UTC().Format(fix.SendingTimeFormat))
	if text != "" {
		qm.Body.SetString(fix.TagText, text)
	}
	return qm
}
