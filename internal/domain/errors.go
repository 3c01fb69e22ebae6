package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport fault (disconnect, timeout, dial failure).
// Transport faults are retried with backoff and never reach the strategy layer.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ProtocolError is a session-level violation: unexpected message for the current
// state, malformed logon acknowledgement, sequence regression. It is fatal to the
// current session instance, which is reset and reconnected.
type ProtocolError struct {
	MsgType string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.MsgType == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error [%s]: %s", e.MsgType, e.Reason)
}

// IsRetriable reports true: the session recovers by reconnecting.
func (e *ProtocolError) IsRetriable() bool {
	return true
}

// NewProtocolError creates a ProtocolError with a formatted reason.
func NewProtocolError(msgType, format string, args ...any) *ProtocolError {
	return &ProtocolError{MsgType: msgType, Reason: fmt.Sprintf(format, args...)}
}

// RejectClass is the outcome of classifying broker reject text.
type RejectClass int

const (
	// RejectUnknown matched no known pattern.
	RejectUnknown RejectClass = iota
	// RejectOrderGone means the broker no longer knows the order (filled, canceled, unknown).
	RejectOrderGone
	// RejectRetry means the order may be resubmitted by the order algorithm.
	RejectRetry
	// RejectResync means the broker side is offline or out of sync; reconnect and resync.
	RejectResync
)

// RetriesOrder reports whether the order algorithm should run again for
// the rejected order's symbol.
func (c RejectClass) RetriesOrder() bool {
	return c == RejectRetry || c == RejectOrderGone
}

func (c RejectClass) String() string {
	switch c {
	case RejectOrderGone:
		return "order_gone"
	case RejectRetry:
		return "retry"
	case RejectResync:
		return "resync"
	default:
		return "unknown"
	}
}

// RejectError is a business-level reject reported by the broker.
type RejectError struct {
	Class       RejectClass
	BrokerOrder string
	Text        string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("broker reject [%s] order %s: %s", e.Class, e.BrokerOrder, e.Text)
}

func (e *RejectError) IsRetriable() bool {
	return e.Class != RejectUnknown
}

// UnrecoverableError terminates the owning task. It is raised for reject text that
// matches no known pattern once the session is recovered.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// InvariantViolation is the panic value used when a synchronization invariant
// is broken (for example a second tick in flight for one symbol).
type InvariantViolation struct {
	Symbol int64
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (symbol %d): %s", e.Symbol, e.Reason)
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when the transport cannot be established. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotRecovered is returned when an order operation is attempted before the session is recovered.
	ErrNotRecovered = errors.New("session not recovered")

	// ErrOrderNotFound is returned when a broker order id is unknown to the order store.
	ErrOrderNotFound = errors.New("order not found")

	// ErrSessionClosed is returned after the session has been disposed.
	ErrSessionClosed = errors.New("session closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
