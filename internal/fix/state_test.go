package fix

import (
	"testing"
)

func TestTransition_HappyPath(t *testing.T) {
	path := []struct {
		trigger Trigger
		want    State
	}{
		{TriggerConnected, StateConnected},
		{TriggerLogonSent, StatePendingLogin},
		{TriggerLogonAccepted, StatePendingRecovery},
		{TriggerRecoveryComplete, StateRecovered},
		{TriggerDisconnected, StateDisconnected},
		{TriggerRetryScheduled, StatePendingRetry},
		{TriggerRetryElapsed, StateNew},
	}

	s := StateNew
	for _, step := range path {
		next, err := Transition(s, step.trigger)
		if err != nil {
			t.Fatalf("%s on %s: %v", s, step.trigger, err)
		}
		if next != step.want {
			t.Fatalf("%s on %s = %s, want %s", s, step.trigger, next, step.want)
		}
		s = next
	}
}

func TestTransition_Invalid(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
	}{
		{StateNew, TriggerLogonAccepted},
		{StatePendingLogin, TriggerRecoveryComplete},
		{StateDisconnected, TriggerConnected},
		{StateDisposed, TriggerConnected},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			next, err := Transition(tt.from, tt.trigger)
			if err == nil {
				t.Errorf("expected error, moved to %s", next)
			}
			if next != tt.from {
				t.Errorf("state must not change on invalid trigger, got %s", next)
			}
		})
	}
}

func TestTransition_LogoutAndDispose(t *testing.T) {
	s, err := Transition(StateRecovered, TriggerLogout)
	if err != nil || s != StatePendingLogOut {
		t.Fatalf("logout: %s %v", s, err)
	}
	s, err = Transition(s, TriggerDisconnected)
	if err != nil || s != StateDisposed {
		t.Fatalf("disconnect during logout should dispose: %s %v", s, err)
	}
	if s, _ := Transition(StatePendingRetry, TriggerDispose); s != StateDisposed {
		t.Errorf("dispose must be accepted everywhere, got %s", s)
	}
}

func TestTransition_OrderServerOffline(t *testing.T) {
	s, err := Transition(StateRecovered, TriggerOrderServerOffline)
	if err != nil || s != StatePendingRecovery {
		t.Errorf("expected fallback to PendingRecovery, got %s %v", s, err)
	}
	if s.CanSendApplication() {
		t.Error("application sends must be blocked below Recovered")
	}
}
