package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RegistryMetrics struct {
	announcesAccepted  prometheus.Counter
	pingsAccepted      prometheus.Counter
	stateTransitions   *prometheus.CounterVec
	activeByState      *prometheus.GaugeVec
	poseBans           prometheus.Counter
	votesAccepted      prometheus.Counter
	payWinnerSelected  prometheus.Counter
	syncAttempts       *prometheus.CounterVec
	rankComputeSeconds prometheus.Histogram
}

var (
	registryOnce     sync.Once
	registryInstance *RegistryMetrics
)

func Registry() *RegistryMetrics {
	registryOnce.Do(func() {
		registryInstance = &RegistryMetrics{
			announcesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "servicenode_announces_accepted_total",
				Help: "Count of Announce messages accepted into the registry.",
			}),
			pingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "servicenode_pings_accepted_total",
				Help: "Count of Ping messages accepted into the registry.",
			}),
			stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "servicenode_state_transitions_total",
				Help: "Count of registry entries moving into a given state.",
			}, []string{"state"}),
			activeByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "servicenode_entries_by_state",
				Help: "Current registry population by state.",
			}, []string{"state"}),
			poseBans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "servicenode_pose_bans_total",
				Help: "Count of nodes moved to POSE_BANNED.",
			}),
			votesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "servicenode_payment_votes_accepted_total",
				Help: "Count of PaymentVote messages accepted into the ledger.",
			}),
			payWinnerSelected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "servicenode_payment_winner_selected_total",
				Help: "Count of payment-queue winners selected for a target height.",
			}),
			syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "servicenode_sync_attempts_total",
				Help: "Count of sync-driver attempts by outcome.",
			}, []string{"outcome"}),
			rankComputeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name: "servicenode_rank_compute_seconds",
				Help: "Time spent recomputing the ranking table.",
			}),
		}
		prometheus.MustRegister(
			registryInstance.announcesAccepted,
			registryInstance.pingsAccepted,
			registryInstance.stateTransitions,
			registryInstance.activeByState,
			registryInstance.poseBans,
			registryInstance.votesAccepted,
			registryInstance.payWinnerSelected,
			registryInstance.syncAttempts,
			registryInstance.rankComputeSeconds,
		)
	})
	return registryInstance
}

func (m *RegistryMetrics) ObserveAnnounceAccepted() {
	if m == nil {
		return
	}
	m.announcesAccepted.Inc()
}

func (m *RegistryMetrics) ObservePingAccepted() {
	if m == nil {
		return
	}
	m.pingsAccepted.Inc()
}

func (m *RegistryMetrics) ObserveStateTransition(state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state).Inc()
}

func (m *RegistryMetrics) SetActiveByState(state string, count float64) {
	if m == nil {
		return
	}
	m.activeByState.WithLabelValues(state).Set(count)
}

func (m *RegistryMetrics) ObservePoseBan() {
	if m == nil {
		return
	}
	m.poseBans.Inc()
}

func (m *RegistryMetrics) ObserveVoteAccepted() {
	if m == nil {
		return
	}
	m.votesAccepted.Inc()
}

func (m *RegistryMetrics) ObservePaymentWinnerSelected() {
	if m == nil {
		return
	}
	m.payWinnerSelected.Inc()
}

func (m *RegistryMetrics) ObserveSyncAttempt(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.syncAttempts.WithLabelValues(outcome).Inc()
}

func (m *RegistryMetrics) ObserveRankComputeSeconds(seconds float64) {
	if m == nil {
		return
	}
	m.rankComputeSeconds.Observe(seconds)
}
