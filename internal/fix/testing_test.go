package fix

import (
	"context"
	"sync"
	"testing"
	"time"

	"fix_provider/internal/infra"
	"fix_provider/internal/transport"

	"github.com/quickfixgo/quickfix"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu           sync.Mutex
	logons       int
	recovered    int
	disconnected int
	online       []bool
	app          []*Message
	appErr       error
}

func (h *fakeHandler) Reconstruct(*Message) (*quickfix.Message, bool) { return nil, false }

func (h *fakeHandler) OnLogon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logons++
}

func (h *fakeHandler) OnApplicationMessage(m *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.app = append(h.app, m)
	return h.appErr
}

func (h *fakeHandler) OnOrderServer(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = append(h.online, online)
}

func (h *fakeHandler) OnRecovered() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered++
}

func (h *fakeHandler) OnDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected++
}

func (h *fakeHandler) count(f func() int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return f()
}

// peer plays the broker side of a connection in tests.
type peer struct {
	t       *testing.T
	conn    transport.Conn
	factory *Factory
	// heartBtInt is answered in logon; it echoes the client's by default.
	heartBtInt int
}

func newPeer(t *testing.T, conn transport.Conn, beginString string, next int) *peer {
	return &peer{
		t:       t,
		conn:    conn,
		factory: NewFactory(beginString, "BROKER", "CLIENT", NewMemoryHistory(), next),
	}
}

// expect returns the next frame of msgType, skipping heartbeats and test requests.
func (p *peer) expect(msgType string) *Message {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-p.conn.Receive():
			m, err := Parse(frame)
			require.NoError(p.t, err)
			if m.Type == msgType {
				return m
			}
			if m.Type == MsgTypeHeartbeat || m.Type == MsgTypeTestRequest {
				continue
			}
			p.t.Fatalf("expected %s, got %s#%d", msgType, m.Type, m.SeqNum)
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

func (p *peer) send(qm *quickfix.Message) int {
	p.t.Helper()
	seq, raw, err := p.factory.Stamp(qm)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(raw))
	return seq
}

func (p *peer) sendRaw(frame []byte) {
	p.t.Helper()
	require.NoError(p.t, p.conn.Send(frame))
}

func (p *peer) logon() {
	qm := NewMessage(MsgTypeLogon)
	qm.Body.SetInt(TagEncryptMethod, 0)
	qm.Body.SetInt(TagHeartBtInt, p.heartBtInt)
	p.send(qm)
}

func (p *peer) sessionStatus(status string) {
	qm := NewMessage(MsgTypeTradingSessionStatus)
	qm.Body.SetString(TagTradSesStatus, status)
	p.send(qm)
}

type sessionHarness struct {
	session  *Session
	handler  *fakeHandler
	listener *transport.MemoryListener
	history  *MemoryHistory
	cancel   context.CancelFunc
	done     chan error
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SenderCompID: "CLIENT",
		TargetCompID: "BROKER",
		Heartbeat:    time.Second,
		RetryStart:   10 * time.Millisecond,
		RetryInc:     10 * time.Millisecond,
		RetryMax:     50 * time.Millisecond,
		QueueLimit:   100,
	}
}

func startSession(t *testing.T, cfg SessionConfig, dialectName string) *sessionHarness {
	t.Helper()
	dialect, err := NewDialect(dialectName)
	require.NoError(t, err)

	h := &sessionHarness{
		handler:  &fakeHandler{},
		listener: transport.NewMemoryListener(),
		history:  NewMemoryHistory(),
		done:     make(chan error, 1),
	}
	h.session, err = NewSession(cfg, dialect, h.listener, h.history, h.handler, infra.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.listener.Close()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *sessionHarness) accept(t *testing.T, next int) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := h.listener.Accept(ctx)
	require.NoError(t, err)
	p := newPeer(t, conn, h.session.Dialect().BeginString(), next)
	p.heartBtInt = int(h.session.cfg.Heartbeat / time.Second)
	return p
}

func (h *sessionHarness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want },
		3*time.Second, 5*time.Millisecond, "state %s, want %s", h.session.State(), want)
}
