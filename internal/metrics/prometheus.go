// Package metrics exposes Prometheus counters for the port-mapping server
// and the sharing session.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all metrics.
type Registry struct {
	reg *prometheus.Registry

	// NAT-PMP metrics
	NatPmpRequests *prometheus.CounterVec
	NatPmpMappings prometheus.Gauge
	NatPmpReloads  *prometheus.CounterVec

	// Session metrics
	SharingActive prometheus.Gauge
	StageFailures *prometheus.CounterVec
	StaleResults  *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
	})
	return registry
}

// New builds an isolated registry. Production code uses Get.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.NatPmpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunshare_natpmp_requests_total",
		Help: "NAT-PMP requests answered, by opcode and result code",
	}, []string{"opcode", "result"})

	r.NatPmpMappings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunshare_natpmp_mappings",
		Help: "Live NAT-PMP port mappings",
	})

	r.NatPmpReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunshare_natpmp_anchor_reloads_total",
		Help: "NAT-PMP anchor regenerations, by outcome",
	}, []string{"outcome"})

	r.SharingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunshare_sharing_active",
		Help: "1 while a sharing session is active",
	})

	r.StageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunshare_stage_failures_total",
		Help: "Failed start/stop stages",
	}, []string{"stage"})

	r.StaleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunshare_stale_results_total",
		Help: "Background results discarded because their operation was cancelled",
	}, []string{"kind"})

	r.reg.MustRegister(
		r.NatPmpRequests,
		r.NatPmpMappings,
		r.NatPmpReloads,
		r.SharingActive,
		r.StageFailures,
		r.StaleResults,
		prometheus.NewGoCollector(),
	)
	return r
}

// ObserveNatPmp counts one answered request.
func (r *Registry) ObserveNatPmp(opcode uint8, result uint16) {
	r.NatPmpRequests.WithLabelValues(strconv.Itoa(int(opcode)), strconv.Itoa(int(result))).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
