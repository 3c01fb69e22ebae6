// Package transport provides reliable framed message channels for FIX
// sessions: an in-process pipe for tests and the simulator, and websocket
// connections for real deployments.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one bidirectional framed connection. Every frame sent by one side
// arrives whole and in order on the other side's Receive channel until the
// connection closes.
//
// Receive is never closed; Done is closed once the connection is gone. Frames
// already buffered may still be read from Receive after Done closes.
type Conn interface {
	Send(frame []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	// Err reports why the connection ended, nil while it is open or after a
	// local Close.
	Err() error
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener accepts server connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Drain returns frames still buffered on c without blocking.
func Drain(c Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.Receive():
			out = append(out, f)
		default:
			return out
		}
	}
}
