package transport

import (
	"context"
	"sync"
)

const bufferSize = 1024

type pipeEnd struct {
	in   chan []byte
	peer *pipeEnd
	pipe *pipeState
}

type pipeState struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (p *pipeState) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Pipe returns the two ends of an in-process connection. Closing either end
// disconnects both.
func Pipe() (Conn, Conn) {
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{in: make(chan []byte, bufferSize), pipe: state}
	b := &pipeEnd{in: make(chan []byte, bufferSize), pipe: state}
	a.peer, b.peer = b, a
	return a, b
}

func (e *pipeEnd) Send(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-e.pipe.done:
		return ErrClosed
	default:
	}
	select {
	case e.peer.in <- buf:
		return nil
	case <-e.pipe.done:
		return ErrClosed
	}
}

func (e *pipeEnd) Receive() <-chan []byte { return e.in }
func (e *pipeEnd) Done() <-chan struct{}  { return e.pipe.done }

func (e *pipeEnd) Err() error {
	e.pipe.mu.Lock()
	defer e.pipe.mu.Unlock()
	return e.pipe.err
}

func (e *pipeEnd) Close() error {
	e.pipe.close(nil)
	return nil
}

// MemoryListener is an in-process listener that is also its own Dialer.
type MemoryListener struct {
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

// NewMemoryListener creates an in-process listener.
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

// Dial connects a new pipe to the listener; it blocks until accepted.
func (l *MemoryListener) Dial(ctx context.Context) (Conn, error) {
	client, server := Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Addr() string { return "memory" }

func (l *MemoryListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
