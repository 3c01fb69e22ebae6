package fix

import "fmt"

// State is the connection status of a FIX session.
type State int32

const (
	StateNew State = iota
	StateConnected
	StatePendingLogin
	StatePendingRecovery
	StateRecovered
	StateDisconnected
	StatePendingRetry
	StatePendingLogOut
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateConnected:
		return "Connected"
	case StatePendingLogin:
		return "PendingLogin"
	case StatePendingRecovery:
		return "PendingRecovery"
	case StateRecovered:
		return "Recovered"
	case StateDisconnected:
		return "Disconnected"
	case StatePendingRetry:
		return "PendingRetry"
	case StatePendingLogOut:
		return "PendingLogOut"
	case StateDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Trigger is an event that moves the session state machine.
type Trigger int

const (
	TriggerConnected Trigger = iota + 1
	TriggerLogonSent
	TriggerLogonAccepted
	TriggerRecoveryComplete
	TriggerOrderServerOffline
	TriggerDisconnected
	TriggerRetryScheduled
	TriggerRetryElapsed
	TriggerLogout
	TriggerDispose
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnected:
		return "connected"
	case TriggerLogonSent:
		return "logon_sent"
	case TriggerLogonAccepted:
		return "logon_accepted"
	case TriggerRecoveryComplete:
		return "recovery_complete"
	case TriggerOrderServerOffline:
		return "order_server_offline"
	case TriggerDisconnected:
		return "disconnected"
	case TriggerRetryScheduled:
		return "retry_scheduled"
	case TriggerRetryElapsed:
		return "retry_elapsed"
	case TriggerLogout:
		return "logout"
	case TriggerDispose:
		return "dispose"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// transitions is the full state table. A missing entry is an invalid move.
var transitions = map[State]map[Trigger]State{
	StateNew: {
		TriggerConnected:      StateConnected,
		TriggerRetryScheduled: StatePendingRetry,
	},
	StateConnected: {
		TriggerLogonSent:    StatePendingLogin,
		TriggerDisconnected: StateDisconnected,
		TriggerLogout:       StatePendingLogOut,
	},
	StatePendingLogin: {
		TriggerLogonAccepted: StatePendingRecovery,
		TriggerDisconnected:  StateDisconnected,
		TriggerLogout:        StatePendingLogOut,
	},
	StatePendingRecovery: {
		TriggerRecoveryComplete: StateRecovered,
		TriggerDisconnected:     StateDisconnected,
		TriggerLogout:           StatePendingLogOut,
	},
	StateRecovered: {
		TriggerOrderServerOffline: StatePendingRecovery,
		TriggerDisconnected:       StateDisconnected,
		TriggerLogout:             StatePendingLogOut,
	},
	StateDisconnected: {
		TriggerRetryScheduled: StatePendingRetry,
	},
	StatePendingRetry: {
		TriggerRetryElapsed: StateNew,
	},
	StatePendingLogOut: {
		TriggerDisconnected: StateDisposed,
	},
}

// Transition returns the state reached from s on t. Dispose is accepted
// from every state.
func Transition(s State, t Trigger) (State, error) {
	if t == TriggerDispose {
		return StateDisposed, nil
	}
	if next, ok := transitions[s][t]; ok {
		return next, nil
	}
	return s, fmt.Errorf("invalid transition %s --%s-->", s, t)
}

// CanSendApplication reports whether application messages may be sent.
func (s State) CanSendApplication() bool {
	return s == StateRecovered
}

// IsLoggedOn reports whether a logon has been accepted on the current connection.
func (s State) IsLoggedOn() bool {
	return s == StatePendingRecovery || s == StateRecovered
}
