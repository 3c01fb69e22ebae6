package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/infra"
	"fix_provider/internal/transport"

	"github.com/quickfixgo/quickfix"
)

// Handler receives the application side of a session. All callbacks run on
// the session task.
type Handler interface {
	Reconstructor
	// OnLogon runs when the broker accepts the logon, before recovery.
	OnLogon()
	// OnApplicationMessage gets every in-order application message. An
	// *domain.UnrecoverableError ends the session task; any other error
	// forces a reconnect.
	OnApplicationMessage(m *Message) error
	// OnOrderServer reports order server availability changes.
	OnOrderServer(online bool)
	// OnRecovered runs each time the session reaches Recovered.
	OnRecovered()
	// OnDisconnected runs when the connection is lost or closed.
	OnDisconnected()
}

// SessionConfig tunes one session.
type SessionConfig struct {
	Name         string
	SenderCompID string
	TargetCompID string
	Username     string
	Password     string
	Heartbeat    time.Duration
	RetryStart   time.Duration
	RetryInc     time.Duration
	RetryMax     time.Duration
	ResetSeqNum  bool
	QueueLimit   int
}

// SessionConfigFrom maps the file configuration onto a SessionConfig.
func SessionConfigFrom(cfg *infra.Config) SessionConfig {
	return SessionConfig{
		Name:         cfg.FIX.SenderCompID + "->" + cfg.FIX.TargetCompID,
		SenderCompID: cfg.FIX.SenderCompID,
		TargetCompID: cfg.FIX.TargetCompID,
		Username:     cfg.FIX.Username,
		Password:     cfg.FIX.Password,
		Heartbeat:    cfg.HeartbeatInterval(),
		RetryStart:   cfg.RetryStart(),
		RetryInc:     cfg.RetryIncrease(),
		RetryMax:     cfg.RetryMaximum(),
		ResetSeqNum:  cfg.FIX.ResetSeqNum,
		QueueLimit:   cfg.FIX.ResendQueueLimit,
	}
}

var (
	errLogoutComplete = errors.New("logout complete")
	errPeerLogout     = errors.New("peer logged out")
)

// Session is the client side of a FIX session: it dials, logs on, keeps
// the connection alive, recovers sequence gaps and reconnects with backoff.
type Session struct {
	cfg       SessionConfig
	dialect   Dialect
	dialer    transport.Dialer
	history   History
	factory   *Factory
	seq       *SequenceController
	responder *Responder
	handler   Handler
	backoff   *Backoff
	log       *slog.Logger

	state       atomic.Int32
	orderServer atomic.Bool
	resendDone  atomic.Bool
	applied     atomic.Int64
	heartbeat   atomic.Int64 // negotiated interval in nanoseconds
	logoutReq   chan struct{}

	mu       sync.Mutex // guards conn and outbound stamping
	conn     transport.Conn
	lastSent atomic.Int64

	// owned by the Run goroutine
	lastRecv    time.Time
	logonSentAt time.Time
	testReqID   string
	logoutAt    time.Time
}

// NewSession creates a session. Sequence numbers resume from history.
func NewSession(cfg SessionConfig, dialect Dialect, dialer transport.Dialer, history History, handler Handler, log *slog.Logger) (*Session, error) {
	seqs, err := history.Sequences()
	if err != nil {
		return nil, fmt.Errorf("load sequences: %w", err)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.RetryStart <= 0 {
		cfg.RetryStart = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.SenderCompID + "->" + cfg.TargetCompID
	}
	log = log.With(slog.String("component", "fix"), slog.String("session", cfg.Name))

	s := &Session{
		cfg:       cfg,
		dialect:   dialect,
		dialer:    dialer,
		history:   history,
		factory:   NewFactory(dialect.BeginString(), cfg.SenderCompID, cfg.TargetCompID, history, seqs.Local),
		seq:       NewSequenceController(seqs.Remote, cfg.QueueLimit),
		handler:   handler,
		backoff:   NewBackoff(cfg.RetryStart, cfg.RetryInc, cfg.RetryMax),
		log:       log,
		logoutReq: make(chan struct{}, 1),
	}
	s.responder = NewResponder(s.factory, history, handler, log)
	s.publishState(StateNew)
	return s, nil
}

// HeartbeatInterval returns the interval in force: the counterparty's
// HeartBtInt once logged on, the configured one before.
func (s *Session) HeartbeatInterval() time.Duration {
	if hb := time.Duration(s.heartbeat.Load()); hb > 0 {
		return hb
	}
	return s.cfg.Heartbeat
}

// State returns the current connection status.
func (s *Session) State() State { return State(s.state.Load()) }

// IsOrderServerOnline reports the last announced order server status.
func (s *Session) IsOrderServerOnline() bool { return s.orderServer.Load() }

// AppliedInbound returns the inbound sequence number up to which every
// message has been processed or gap filled, handler callbacks included.
func (s *Session) AppliedInbound() int { return int(s.applied.Load()) }

// IsResendComplete reports whether inbound gaps since logon are filled.
func (s *Session) IsResendComplete() bool { return s.resendDone.Load() }

// NextOutboundSeq returns the sequence the next outbound message will use.
func (s *Session) NextOutboundSeq() int { return s.factory.NextSeq() }

// Dialect returns the broker dialect of the session.
func (s *Session) Dialect() Dialect { return s.dialect }

// Logout asks the session to log out and stop. It does not wait.
func (s *Session) Logout() {
	select {
	case s.logoutReq <- struct{}{}:
	default:
	}
}

// SendApp sends an application message. It fails with domain.ErrNotRecovered
// unless the session is Recovered. onSeq, if set, sees the assigned sequence
// before the frame is written.
func (s *Session) SendApp(qm *quickfix.Message, onSeq func(seq int)) (int, error) {
	if !s.State().CanSendApplication() {
		return 0, domain.ErrNotRecovered
	}
	return s.send(qm, onSeq)
}

// SendRequest sends an application message once logged on, used for
// requests that belong to recovery such as position snapshots.
func (s *Session) SendRequest(qm *quickfix.Message) (int, error) {
	if !s.State().IsLoggedOn() {
		return 0, domain.ErrNotRecovered
	}
	return s.send(qm, nil)
}

// Run is the session task. It returns nil after an explicit logout or
// context cancellation, and an error only for unrecoverable failures.
func (s *Session) Run(ctx context.Context) error {
	defer s.dispose()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Log(ctx, retryLevel(s.backoff.Attempt()+1), "FIX connect failed", slog.Any("error", err))
			s.transition(TriggerRetryScheduled)
			if !s.wait(ctx) {
				return nil
			}
			continue
		}

		err = s.serve(ctx, conn)
		s.disconnected(conn)

		var unrecoverable *domain.UnrecoverableError
		switch {
		case errors.Is(err, errLogoutComplete) || s.State() == StateDisposed:
			s.log.Info("FIX session logged out")
			return nil
		case errors.As(err, &unrecoverable):
			s.log.Error("FIX session stopped", slog.Any("error", err))
			return err
		case ctx.Err() != nil:
			return nil
		}

		s.log.Log(ctx, retryLevel(s.backoff.Attempt()+1), "FIX session disconnected", slog.Any("error", err))
		s.transition(TriggerRetryScheduled)
		if !s.wait(ctx) {
			return nil
		}
	}
}

// wait sleeps for the next backoff delay.
func (s *Session) wait(ctx context.Context) bool {
	delay, attempt := s.backoff.Next()
	infra.Reconnects.WithLabelValues(s.cfg.Name).Inc()
	s.log.Log(ctx, retryLevel(attempt), "FIX reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.logoutReq:
		s.transition(TriggerDispose)
		return false
	case <-timer.C:
		s.transition(TriggerRetryElapsed)
		return true
	}
}

func (s *Session) serve(ctx context.Context, conn transport.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.transition(TriggerConnected)
	s.orderServer.Store(false)

	if err := s.sendLogon(); err != nil {
		return err
	}

	tick := timerTick(s.HeartbeatInterval())
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case frame := <-conn.Receive():
			if err := s.handle(frame); err != nil {
				return err
			}
			if t := timerTick(s.HeartbeatInterval()); t != tick {
				tick = t
				ticker.Reset(tick)
			}

		case <-conn.Done():
			for _, frame := range transport.Drain(conn) {
				if err := s.handle(frame); err != nil {
					return err
				}
			}
			if s.State() == StatePendingLogOut {
				return errLogoutComplete
			}
			if err := conn.Err(); err != nil {
				return domain.NewNetworkError("receive", err)
			}
			return domain.ErrConnectionFailed

		case <-ticker.C:
			if err := s.checkTimers(time.Now()); err != nil {
				return err
			}

		case <-s.logoutReq:
			if err := s.beginLogout("requested"); err != nil {
				return err
			}

		case <-ctxDone:
			ctxDone = nil
			if !s.State().IsLoggedOn() {
				return ctx.Err()
			}
			if err := s.beginLogout("shutdown"); err != nil {
				return err
			}
		}
	}
}

func timerTick(hb time.Duration) time.Duration {
	if tick := hb / 10; tick >= 10*time.Millisecond {
		return tick
	}
	return 10 * time.Millisecond
}

func (s *Session) sendLogon() error {
	s.heartbeat.Store(int64(s.cfg.Heartbeat))
	if s.cfg.ResetSeqNum {
		if err := s.history.Reset(); err != nil {
			return fmt.Errorf("reset history: %w", err)
		}
		s.factory.SetNextSeq(1)
		s.seq.SetRemote(1)
	}
	logon := s.dialect.BuildLogon(LogonParams{
		HeartBtInt:  int(s.cfg.Heartbeat / time.Second),
		ResetSeqNum: s.cfg.ResetSeqNum,
		Username:    s.cfg.Username,
		Password:    s.cfg.Password,
	})
	if _, err := s.send(logon, nil); err != nil {
		return err
	}
	now := time.Now()
	s.logonSentAt = now
	s.lastRecv = now
	s.testReqID = ""
	s.transition(TriggerLogonSent)
	return nil
}

// checkTimers drives heartbeats, test requests and liveness timeouts. Any
// inbound or outbound message pushes the deadlines out.
func (s *Session) checkTimers(now time.Time) error {
	hb := s.HeartbeatInterval()
	state := s.State()

	if state == StatePendingLogin && now.Sub(s.logonSentAt) > 2*hb {
		return domain.NewNetworkError("logon", errors.New("no logon response"))
	}
	if state == StatePendingLogOut {
		if now.After(s.logoutAt) {
			return errLogoutComplete
		}
		return nil
	}
	if !state.IsLoggedOn() {
		return nil
	}

	silence := now.Sub(s.lastRecv)
	if silence >= 2*hb {
		return domain.NewNetworkError("heartbeat", fmt.Errorf("no message for %s", silence.Round(time.Millisecond)))
	}
	if silence >= hb*12/10 && s.testReqID == "" {
		s.testReqID = strconv.FormatInt(now.UnixNano(), 10)
		qm := NewMessage(MsgTypeTestRequest)
		qm.Body.SetString(TagTestReqID, s.testReqID)
		if _, err := s.send(qm, nil); err != nil {
			return err
		}
		s.log.Debug("TestRequest sent", slog.Duration("silence", silence))
	}
	if now.Sub(time.UnixMilli(s.lastSent.Load())) >= hb {
		if _, err := s.send(NewMessage(MsgTypeHeartbeat), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) beginLogout(reason string) error {
	if s.State() == StatePendingLogOut {
		return nil
	}
	s.transition(TriggerLogout)
	qm := NewMessage(MsgTypeLogout)
	qm.Body.SetString(TagText, reason)
	if _, err := s.send(qm, nil); err != nil {
		return errLogoutComplete
	}
	s.logoutAt = time.Now().Add(s.HeartbeatInterval())
	s.log.Info("FIX logout sent", slog.String("reason", reason))
	return nil
}

// handle processes one inbound frame.
func (s *Session) handle(frame []byte) error {
	m, err := Parse(frame)
	if err != nil {
		s.log.Warn("Garbled message ignored", slog.Any("error", err))
		return nil
	}
	infra.RecordInbound(m.Type)
	s.lastRecv = time.Now()

	if m.Sender != s.cfg.TargetCompID || m.Target != s.cfg.SenderCompID {
		return domain.NewProtocolError(m.Type, "comp ids %s->%s, want %s->%s", m.Sender, m.Target, s.cfg.TargetCompID, s.cfg.SenderCompID)
	}

	if s.State() == StatePendingLogin {
		return s.handleLogon(m)
	}
	if m.Type == MsgTypeLogon {
		return domain.NewProtocolError(m.Type, "unexpected logon in state %s", s.State())
	}

	res, err := s.seq.Receive(m)
	if err != nil {
		return err
	}
	if res.Resend != nil {
		if err := s.requestResend(*res.Resend); err != nil {
			return err
		}
	}
	for _, d := range res.Deliver {
		if err := s.process(d); err != nil {
			return err
		}
	}
	s.applied.Store(int64(s.seq.Remote() - 1))
	s.checkRecovered()
	s.persist()
	return nil
}

func (s *Session) handleLogon(m *Message) error {
	switch m.Type {
	case MsgTypeLogon:
	case MsgTypeLogout:
		return domain.NewProtocolError(m.Type, "logon refused: %s", m.String(TagText))
	default:
		return domain.NewProtocolError(m.Type, "expected logon, got %s", m.Type)
	}
	if m.BeginString != s.dialect.BeginString() {
		return domain.NewProtocolError(m.Type, "begin string %q, want %q", m.BeginString, s.dialect.BeginString())
	}
	hbSec, ok := m.Int(TagHeartBtInt)
	if !ok {
		return domain.NewProtocolError(m.Type, "logon without HeartBtInt")
	}
	if hb := time.Duration(hbSec) * time.Second; hb > 0 && hb != s.cfg.Heartbeat {
		s.heartbeat.Store(int64(hb))
		s.log.Info("Heartbeat interval negotiated",
			slog.Duration("configured", s.cfg.Heartbeat),
			slog.Duration("negotiated", hb))
	}

	res := s.seq.OnLogon(m)
	s.applied.Store(int64(s.seq.Remote() - 1))
	s.transition(TriggerLogonAccepted)
	s.backoff.Reset()
	s.log.Info("FIX logon accepted",
		slog.Int("remote_seq", m.SeqNum),
		slog.Int("next_out", s.factory.NextSeq()))
	s.handler.OnLogon()

	if !s.dialect.RequiresSessionStatus() {
		s.setOrderServer(true)
	}
	if res.Resend != nil {
		if err := s.requestResend(*res.Resend); err != nil {
			return err
		}
	}
	s.checkRecovered()
	s.persist()
	return nil
}

// process handles one in-order message.
func (s *Session) process(m *Message) error {
	switch m.Type {
	case MsgTypeHeartbeat:
		if id := m.String(TagTestReqID); id != "" && id == s.testReqID {
			s.testReqID = ""
		}
	case MsgTypeTestRequest:
		qm := NewMessage(MsgTypeHeartbeat)
		qm.Body.SetString(TagTestReqID, m.String(TagTestReqID))
		_, err := s.send(qm, nil)
		return err
	case MsgTypeResendRequest:
		begin, _ := m.Int(TagBeginSeqNo)
		end, _ := m.Int(TagEndSeqNo)
		frames, err := s.responder.Respond(SeqRange{Begin: begin, End: end})
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := s.sendRaw(f); err != nil {
				return err
			}
		}
	case MsgTypeSequenceReset:
		s.log.Debug("Gap fill applied", slog.Int("seq", m.SeqNum), slog.Int("remote", s.seq.Remote()))
	case MsgTypeReject:
		s.log.Warn("Session reject received",
			slog.Int("ref_seq", intOr(m, TagRefSeqNum)),
			slog.String("text", m.String(TagText)))
	case MsgTypeLogout:
		if s.State() == StatePendingLogOut {
			return errLogoutComplete
		}
		if _, err := s.send(NewMessage(MsgTypeLogout), nil); err != nil {
			s.log.Warn("Logout reply not sent", slog.Any("error", err))
		}
		return fmt.Errorf("%w: %s", errPeerLogout, m.String(TagText))
	case MsgTypeTradingSessionStatus:
		switch m.String(TagTradSesStatus) {
		case TradSesStatusOpen:
			s.setOrderServer(true)
		case TradSesStatusClosed, TradSesStatusHalted:
			s.setOrderServer(false)
		}
	default:
		if err := s.handler.OnApplicationMessage(m); err != nil {
			var rej *domain.RejectError
			if errors.As(err, &rej) && rej.Class == domain.RejectResync {
				s.log.Warn("Broker requires resync, reconnecting", slog.String("text", rej.Text))
			}
			return err
		}
	}
	return nil
}

func intOr(m *Message, tag quickfix.Tag) int {
	v, _ := m.Int(tag)
	return v
}

func (s *Session) setOrderServer(online bool) {
	if s.orderServer.Swap(online) == online {
		return
	}
	s.log.Info("Order server status", slog.Bool("online", online))
	s.handler.OnOrderServer(online)
	if !online && s.State() == StateRecovered {
		s.transition(TriggerOrderServerOffline)
	}
}

// checkRecovered enters Recovered once the resend queue is drained and the
// order server is online.
func (s *Session) checkRecovered() {
	if s.State() != StatePendingRecovery {
		return
	}
	if !s.seq.IsResendComplete() || !s.orderServer.Load() {
		return
	}
	s.transition(TriggerRecoveryComplete)
	s.log.Info("FIX session recovered", slog.Int("remote_seq", s.seq.Remote()))
	s.handler.OnRecovered()
}

func (s *Session) requestResend(r SeqRange) error {
	qm := NewMessage(MsgTypeResendRequest)
	qm.Body.SetInt(TagBeginSeqNo, r.Begin)
	qm.Body.SetInt(TagEndSeqNo, r.End)
	if _, err := s.send(qm, nil); err != nil {
		return err
	}
	infra.ResendRequests.Inc()
	s.log.Info("Resend requested", slog.Int("begin", r.Begin), slog.Int("end", r.End))
	return nil
}

func (s *Session) send(qm *quickfix.Message, onSeq func(int)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, domain.ErrSessionClosed
	}
	seq, raw, err := s.factory.Stamp(qm)
	if err != nil {
		return 0, err
	}
	if onSeq != nil {
		onSeq(seq)
	}
	msgType, _ := qm.Header.GetString(TagMsgType)
	infra.RecordOutbound(msgType)
	s.lastSent.Store(time.Now().UnixMilli())
	if err := s.conn.Send(raw); err != nil {
		return seq, domain.NewNetworkError("send", err)
	}
	return seq, nil
}

func (s *Session) sendRaw(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return domain.ErrSessionClosed
	}
	s.lastSent.Store(time.Now().UnixMilli())
	if err := s.conn.Send(frame); err != nil {
		return domain.NewNetworkError("send", err)
	}
	return nil
}

func (s *Session) persist() {
	s.resendDone.Store(s.seq.IsResendComplete())
	err := s.history.SaveSequences(Sequences{Local: s.factory.NextSeq(), Remote: s.seq.Remote()})
	if err != nil {
		s.log.Error("Persist sequences failed", slog.Any("error", err))
	}
}

func (s *Session) disconnected(conn transport.Conn) {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()

	s.seq.Disconnected()
	s.orderServer.Store(false)
	s.persist()
	s.transition(TriggerDisconnected)
	s.handler.OnDisconnected()
}

func (s *Session) dispose() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.transition(TriggerDispose)
}

func (s *Session) transition(t Trigger) {
	from := s.State()
	to, err := Transition(from, t)
	if err != nil {
		s.log.Debug("State trigger ignored", slog.Any("error", err))
		return
	}
	if to != from {
		s.log.Debug("State changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	s.publishState(to)
}

func (s *Session) publishState(st State) {
	s.state.Store(int32(st))
	infra.SessionState.WithLabelValues(s.cfg.Name).Set(float64(st))
}
