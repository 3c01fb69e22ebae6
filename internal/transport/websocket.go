package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// wsConn adapts a websocket connection: one goroutine reads frames into a
// buffered channel, writes are serialized by writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		in:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() <-chan []byte { return c.in }
func (c *wsConn) Done() <-chan struct{}  { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

// WebSocketDialer dials a ws:// or wss:// FIX endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return newWSConn(conn), nil
}

// WebSocketListener serves FIX-over-websocket on one HTTP path.
type WebSocketListener struct {
	srv   *http.Server
	ln    net.Listener
	path  string
	conns chan Conn
	done  chan struct{}
	once  sync.Once
	log   *slog.Logger
}

// ListenWebSocket starts an HTTP server on addr upgrading requests to path.
// Use port 0 to pick a free port; Addr reports the resulting URL.
func ListenWebSocket(addr, path string, log *slog.Logger) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WebSocketListener{
		ln:    ln,
		path:  path,
		conns: make(chan Conn),
		done:  make(chan struct{}),
		log:   log,
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		c := newWSConn(conn)
		select {
		case l.conns <- c:
		case <-l.done:
			c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("websocket listener stopped", slog.Any("error", err))
		}
	}()
	return l, nil
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() string {
	return "ws://" + l.ln.Addr().String() + l.path
}

func (l *WebSocketListener) Close() error {
	l.once.Do(func() { close(l.done) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}
