package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/transport"

	"github.com/quickfixgo/quickfix"
)

// Options configures the broker side of the session. Comp ids are from the
// simulator's point of view.
type Options struct {
	SenderCompID string
	TargetCompID string
	Account      string
	QueueLimit   int
	// OfflineFor is how long a ServerOffline fault keeps the order server down.
	OfflineFor time.Duration
	Logger     *slog.Logger
}

// Server accepts one client connection at a time. Sequence numbers and the
// outbound archive survive reconnects, so messages produced while the
// client is away are recovered through resend requests.
type Server struct {
	opts      Options
	dialect   fix.Dialect
	history   fix.History
	factory   *fix.Factory
	seq       *fix.SequenceController // serve goroutine only
	responder *fix.Responder
	matcher   *Matcher
	faults    *Faults
	log       *slog.Logger

	state    atomic.Int32
	accepted atomic.Int64

	orderMu sync.Mutex // serializes matching with the reports it produces

	mu           sync.Mutex // guards conn, loggedOn, offline and outbound stamping
	conn         transport.Conn
	loggedOn     bool
	offline      bool
	offlineUntil time.Time
	lastSent     time.Time
}

// NewServer creates a server resuming sequence numbers from history.
func NewServer(dialect fix.Dialect, history fix.History, matcher *Matcher, faults *Faults, opts Options) (*Server, error) {
	seqs, err := history.Sequences()
	if err != nil {
		return nil, fmt.Errorf("load sequences: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}
	if opts.OfflineFor <= 0 {
		opts.OfflineFor = 2 * time.Second
	}
	log := opts.Logger.With(slog.String("component", "simulator"))
	factory := fix.NewFactory(dialect.BeginString(), opts.SenderCompID, opts.TargetCompID, history, seqs.Local)
	s := &Server{
		opts:      opts,
		dialect:   dialect,
		history:   history,
		factory:   factory,
		seq:       fix.NewSequenceController(seqs.Remote, opts.QueueLimit),
		responder: fix.NewResponder(factory, history, nil, log),
		matcher:   matcher,
		faults:    faults,
		log:       log,
	}
	s.state.Store(int32(fix.StateNew))
	return s, nil
}

// State returns the broker-side session state.
func (s *Server) State() fix.State { return fix.State(s.state.Load()) }

// Accepted returns the number of connections served so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Matcher returns the order matcher.
func (s *Server) Matcher() *Matcher { return s.matcher }

// NextOutboundSeq returns the sequence of the next message to the client.
func (s *Server) NextOutboundSeq() int { return s.factory.NextSeq() }

// Serve accepts connections until ctx ends or the listener closes.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	s.log.Info("Simulator listening", slog.String("addr", l.Addr()))
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		s.accepted.Add(1)
		s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn transport.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.transition(fix.TriggerConnected)

	ss := &serverSession{srv: s, conn: conn, hb: 30 * time.Second, lastRecv: time.Now()}
	err := ss.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errClientLogout) {
		s.log.Warn("Client session ended", slog.Any("error", err))
	} else {
		s.log.Info("Client session ended")
	}

	s.mu.Lock()
	s.conn = nil
	s.loggedOn = false
	s.mu.Unlock()
	conn.Close()
	s.seq.Disconnected()
	s.persist()
	s.transition(fix.TriggerDisconnected)
	s.transition(fix.TriggerRetryScheduled)
	s.transition(fix.TriggerRetryElapsed)
}

func (s *Server) transition(t fix.Trigger) {
	from := s.State()
	to, err := fix.Transition(from, t)
	if err != nil {
		s.log.Debug("State trigger ignored", slog.Any("error", err))
		return
	}
	s.state.Store(int32(to))
}

func (s *Server) checkRecovered() {
	if s.State() == fix.StatePendingRecovery && s.seq.IsResendComplete() {
		s.transition(fix.TriggerRecoveryComplete)
		s.log.Info("Client recovered", slog.Int("remote_seq", s.seq.Remote()))
	}
}

func (s *Server) persist() {
	err := s.history.SaveSequences(fix.Sequences{Local: s.factory.NextSeq(), Remote: s.seq.Remote()})
	if err != nil {
		s.log.Error("Persist sequences failed", slog.Any("error", err))
	}
}

// sendAdmin stamps and sends a session-level message.
func (s *Server) sendAdmin(qm *quickfix.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, raw, err := s.factory.Stamp(qm)
	if err != nil {
		return err
	}
	return s.writeLocked(raw)
}

// sendApp stamps and archives an application message and sends it if a
// client is logged on. Outbound faults apply here. written is the sequence
// number of the frame put on the wire, 0 if nothing was written.
func (s *Server) sendApp(qm *quickfix.Message, symbol string) (written int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next := s.factory.NextSeq(); s.loggedOn {
		if _, ok := s.faults.Fire(SkipSequence, next, symbol); ok {
			s.factory.SetNextSeq(next + 1)
			s.log.Info("FAULT skip sequence", slog.Int("seq", next))
		}
	}
	seq, raw, err := s.factory.Stamp(qm)
	if err != nil {
		return 0, err
	}
	if s.conn == nil || !s.loggedOn {
		return 0, nil
	}
	if _, ok := s.faults.Fire(BlackHole, seq, symbol); ok {
		s.log.Info("FAULT black hole", slog.Int("seq", seq))
		return 0, nil
	}
	if _, ok := s.faults.Fire(SendDisconnect, seq, symbol); ok {
		s.log.Info("FAULT send disconnect", slog.Int("seq", seq))
		return 0, s.conn.Close()
	}
	if err := s.writeLocked(raw); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Server) sendRaw(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(frame)
}

func (s *Server) writeLocked(raw []byte) error {
	if s.conn == nil {
		return domain.ErrSessionClosed
	}
	s.lastSent = time.Now()
	if err := s.conn.Send(raw); err != nil {
		return domain.NewNetworkError("send", err)
	}
	return nil
}

func (s *Server) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// goOffline takes the order server down for OfflineFor.
func (s *Server) goOffline() {
	s.mu.Lock()
	s.offline = true
	s.offlineUntil = time.Now().Add(s.opts.OfflineFor)
	s.mu.Unlock()
	s.log.Info("FAULT order server offline", slog.Duration("for", s.opts.OfflineFor))
	if s.dialect.RequiresSessionStatus() {
		s.sendStatus(fix.TradSesStatusClosed)
	}
}

// isOffline reports whether the order server is down, bringing it back
// once the outage has elapsed.
func (s *Server) isOffline(now time.Time) (offline, reopened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.offline {
		return false, false
	}
	if now.Before(s.offlineUntil) {
		return true, false
	}
	s.offline = false
	return false, true
}

func (s *Server) sendStatus(status string) {
	qm := fix.NewMessage(fix.MsgTypeTradingSessionStatus)
	qm.Body.SetString(fix.TagTradSesStatus, status)
	if err := s.sendAdmin(qm); err != nil {
		s.log.Debug("Session status not sent", slog.Any("error", err))
	}
}

// OnQuote matches resting orders against a new quote and reports the fills.
func (s *Server) OnQuote(t domain.Tick) { s.Match(t) }

// Match is OnQuote returning the sequence number of the last fill report
// written to the client, 0 if none was.
func (s *Server) Match(t domain.Tick) int {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	last := 0
	for _, f := range s.matcher.OnTick(t) {
		if seq := s.reportFill(f); seq > last {
			last = seq
		}
	}
	return last
}

// OnEndOfData is called when the quote feed for symbol is exhausted.
func (s *Server) OnEndOfData(symbol string) {
	s.log.Info("Quote feed finished", slog.String("symbol", symbol), slog.Int("resting", s.matcher.Resting()))
}

func (s *Server) reportFill(f Fill) int {
	qm := s.execReport(f.Order, fix.ExecTypeTrade, f.Order.Status, f.Qty, f.Price, "")
	seq, err := s.sendApp(qm, f.Order.Symbol)
	if err != nil {
		s.log.Warn("Fill report not sent", slog.String("order", f.Order.ClOrdID), slog.Any("error", err))
	}
	return seq
}
