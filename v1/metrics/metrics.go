package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActionsApplied counts state changes applied to the local registry.
	ActionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kustodio_actions_applied_total",
		Help: "Total number of lock actions applied to the local registry",
	}, []string{"action"})
	// ActionsSkipped counts actions that were rejected by the registry.
	ActionsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kustodio_actions_skipped_total",
		Help: "Total number of lock actions that did not change state",
	}, []string{"action"})
	// EventsEmitted counts events handed to the watch bus.
	EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kustodio_events_emitted_total",
		Help: "Total number of lock events emitted to watchers",
	}, []string{"action"})
	// WatcherGauge reports the number of active watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kustodio_watchers",
		Help: "Current number of active watchers",
	})
	// WatchersPruned counts watchers removed after their consumer went away.
	WatchersPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kustodio_watchers_pruned_total",
		Help: "Total number of watchers pruned",
	})
	// MessagesSubmitted counts payloads handed to the membership service.
	MessagesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kustodio_messages_submitted_total",
		Help: "Total number of messages submitted to the cluster",
	})
	// MessagesReceived counts payloads delivered by the membership service.
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kustodio_messages_received_total",
		Help: "Total number of messages received from the cluster",
	})
	// MessagesDropped counts received payloads that were not dispatched.
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kustodio_messages_dropped_total",
		Help: "Total number of received messages dropped",
	}, []string{"reason"})
	// LockGauge reports the number of locks in the local registry.
	LockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kustodio_locks",
		Help: "Current number of locks in the local registry",
	})
	// PeerGauge reports the number of cluster peers in the membership view.
	PeerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kustodio_peers",
		Help: "Current number of known cluster peers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers kustodio metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ActionsApplied,
		ActionsSkipped,
		EventsEmitted,
		WatcherGauge,
		WatchersPruned,
		MessagesSubmitted,
		MessagesReceived,
		MessagesDropped,
		LockGauge,
		PeerGauge,
	)
}
