package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logicalsnap"

// Registry holds the builder metrics. It satisfies snapbuild.Metrics.
type Registry struct {
	reg *prometheus.Registry

	Phase          prometheus.Gauge
	Committed      prometheus.Gauge
	Events         *prometheus.CounterVec
	Serializations *prometheus.CounterVec
	Restores       *prometheus.CounterVec
}

// NewRegistry creates a registry with the builder metrics and the Go
// runtime collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "phase",
			Help:      "Current snapshot builder phase (-1 start, 0 building, 1 full, 2 consistent).",
		}),
		Committed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "committed_xids",
			Help:      "Number of transactions in the committed set.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "events_total",
			Help:      "Events processed by the snapshot builder.",
		}, []string{"type"}),
		Serializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "serializations_total",
			Help:      "Snapshot serialization attempts by result.",
		}, []string{"result"}),
		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "restores_total",
			Help:      "Snapshot restore attempts by result.",
		}, []string{"result"}),
	}
	r.Phase.Set(-1)

	r.reg.MustRegister(
		r.Phase,
		r.Committed,
		r.Events,
		r.Serializations,
		r.Restores,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// MustRegister registers additional collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) SetPhase(phase int) {
	r.Phase.Set(float64(phase))
}

func (r *Registry) IncEvent(kind string) {
	r.Events.WithLabelValues(kind).Inc()
}

func (r *Registry) SetCommitted(n int) {
	r.Committed.Set(float64(n))
}

func (r *Registry) IncSerialization(result string) {
	r.Serializations.WithLabelValues(result).Inc()
}

func (r *Registry) IncRestore(result string) {
	r.Restores.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler for the Prometheus metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
