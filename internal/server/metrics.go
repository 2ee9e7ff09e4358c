package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"gihan9a/braidhttp/internal/registry"
)

// namespace is the basic namespace where all metrics are defined under.
const namespace = "braid"

// Labels of the edits counter.
const (
	sourceHTTP = "http"
	sourceFile = "file"

	outcomeApplied   = "applied"
	outcomeConflict  = "conflict"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeLimited   = "limited"
	outcomeUnchanged = "unchanged"
)

// metrics are kept in a registry of their own so that several servers can
// live in one process.
type metrics struct {
	registry      *prometheus.Registry
	subscriptions prometheus.Gauge
	edits         *prometheus.CounterVec
	broadcasts    prometheus.Counter
	drops         prometheus.Counter
	proxied       prometheus.Counter
}

func newMetrics(reg *registry.Registry) *metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(r)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "resources",
		Help:      "Number of resources in the registry.",
	}, func() float64 { return float64(len(reg.ListResources())) })

	return &metrics{
		registry: r,
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Number of open subscriptions.",
		}),
		edits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "edits_total",
			Help:      "Edits received, by source and outcome.",
		}, []string{"source", "outcome"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "updates_sent_total",
			Help:      "Updates queued for subscribers.",
		}),
		drops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "dropped_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		proxied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests forwarded to the upstream server.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// middleware records request metrics under a single handler label so that
// resource paths do not become label values.
func (m *metrics) middleware(next http.Handler) http.Handler {
	mdlw := middleware.New(middleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{
			Registry: m.registry,
			Prefix:   namespace,
		}),
	})
	return std.Handler(namespace, mdlw, next)
}
