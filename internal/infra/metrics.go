package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FIX session metrics
var (
	// FIXMessages counts FIX messages by direction (in/out) and message type.
	FIXMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fix_messages_total",
			Help: "Total number of FIX messages sent or received",
		},
		[]string{"direction", "type"},
	)

	// ResendRequests counts resend requests issued by this side.
	ResendRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fix_resend_requests_total",
			Help: "Total number of resend requests issued after a sequence gap",
		},
	)

	// GapFills counts gap-fill messages emitted while answering resend requests.
	GapFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fix_gap_fills_total",
			Help: "Total number of gap-fill sequence resets sent",
		},
	)

	// Reconnects counts transport reconnect attempts.
	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fix_reconnects_total",
			Help: "Total number of reconnect attempts by session",
		},
		[]string{"session"},
	)

	// SessionState exposes the numeric connection state per session.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fix_session_state",
			Help: "Current connection state of the FIX session",
		},
		[]string{"session"},
	)
)

// TickSync and reconciliation metrics
var (
	// TickSyncAnomalies counts counter decrements that would have gone negative.
	TickSyncAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticksync_anomalies_total",
			Help: "Counter decrements below zero corrected by TickSync",
		},
		[]string{"counter"},
	)

	// Fills counts fill events emitted to the strategy layer.
	Fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_fills_total",
			Help: "Total number of fills emitted to the strategy layer",
		},
	)

	// Rejects counts broker rejects by classifier outcome.
	Rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_rejects_total",
			Help: "Broker rejects by classification",
		},
		[]string{"class"},
	)

	// PositionMismatches counts symbols whose broker position differed from the local book.
	PositionMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_position_mismatch_total",
			Help: "Symbols whose broker position differed from the local position after recovery",
		},
	)
)

func init() {
	prometheus.MustRegister(FIXMessages, ResendRequests, GapFills, Reconnects, SessionState)
	prometheus.MustRegister(TickSyncAnomalies, Fills, Rejects, PositionMismatches)
}

// RecordInbound records a received FIX message.
func RecordInbound(msgType string) {
	FIXMessages.WithLabelValues("in", msgType).Inc()
}

// RecordOutbound records a sent FIX message.
func RecordOutbound(msgType string) {
	FIXMessages.WithLabelValues("out", msgType).Inc()
}
