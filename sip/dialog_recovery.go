package sip

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RecoveryPolicy controls how the dialog manager reacts to transport
// errors on in-dialog traffic. A transport error never terminates a
// dialog by itself; the policy decides whether to probe the peer with
// an in-dialog OPTIONS and where that probe runs.
type RecoveryPolicy struct {
	// Disabled turns off recovery probes entirely. Transport errors
	// are still counted and logged.
	Disabled bool
	// Synchronous runs probes inline on the event loop instead of a
	// background task. Meant for tests that need deterministic
	// ordering.
	Synchronous bool
	// MaxAttempts bounds probes per dialog. Zero means 3.
	MaxAttempts int
}

func (p *RecoveryPolicy) enabled() bool { return p != nil && !p.Disabled }

func (p *RecoveryPolicy) synchronous() bool { return p != nil && p.Synchronous }

func (p *RecoveryPolicy) maxAttempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// DialogMetrics aggregates dialog manager counters.
type DialogMetrics struct {
	DialogsLive        prometheus.Gauge
	DialogsEstablished prometheus.Counter
	DialogsTerminated  prometheus.Counter
	RecoveryAttempts   prometheus.Counter
	RecoverySuccesses  prometheus.Counter
	SweepRuns          prometheus.Counter
	SweepRemoved       prometheus.Counter
}

// NewDialogMetrics builds the metric set and registers it with reg.
// A nil reg leaves the metrics unregistered, which tests use to avoid
// global registry collisions.
func NewDialogMetrics(reg prometheus.Registerer) *DialogMetrics {
	m := &DialogMetrics{
		DialogsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "live",
			Help:      "Number of live dialogs.",
		}),
		DialogsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "established_total",
			Help:      "Total dialogs that reached the confirmed state.",
		}),
		DialogsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "terminated_total",
			Help:      "Total dialogs that reached the terminal state.",
		}),
		RecoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "recovery_attempts_total",
			Help:      "Total in-dialog recovery probes sent after transport errors.",
		}),
		RecoverySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "recovery_successes_total",
			Help:      "Total recovery probes answered by the peer.",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "sweep_runs_total",
			Help:      "Total cleanup sweeps over the dialog store.",
		}),
		SweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcall",
			Subsystem: "dialog",
			Name:      "sweep_removed_total",
			Help:      "Total terminated dialogs reclaimed by sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DialogsLive,
			m.DialogsEstablished,
			m.DialogsTerminated,
			m.RecoveryAttempts,
			m.RecoverySuccesses,
			m.SweepRuns,
			m.SweepRemoved,
		)
	}
	return m
}
