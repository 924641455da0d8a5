package dht

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exports DHT counters as Prometheus collectors.
type PromMetrics struct {
	rpcs      *prometheus.CounterVec
	lookups   *prometheus.HistogramVec
	queries   *prometheus.CounterVec
	tableSize prometheus.Gauge
	buckets   *prometheus.GaugeVec
}

// NewPromMetrics registers its collectors on reg.
func NewPromMetrics(reg prometheus.Registerer) (*PromMetrics, error) {
	m := &PromMetrics{
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhtchat",
			Subsystem: "dht",
			Name:      "rpcs_total",
			Help:      "Outbound DHT queries by method and outcome.",
		}, []string{"method", "ok"}),
		lookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dhtchat",
			Subsystem: "dht",
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind", "ok"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhtchat",
			Subsystem: "dht",
			Name:      "lookup_queries_total",
			Help:      "Queries issued by iterative lookups.",
		}, []string{"kind"}),
		tableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhtchat",
			Subsystem: "dht",
			Name:      "routing_table_size",
			Help:      "Contacts in the routing table.",
		}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dhtchat",
			Subsystem: "dht",
			Name:      "bucket_occupancy",
			Help:      "Contacts per bucket.",
		}, []string{"bucket"}),
	}
	for _, c := range []prometheus.Collector{m.rpcs, m.lookups, m.queries, m.tableSize, m.buckets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMetrics) IncRPC(method string, ok bool) {
	m.rpcs.WithLabelValues(method, strconv.FormatBool(ok)).Inc()
}

func (m *PromMetrics) ObserveLookup(kind string, queries int, duration time.Duration, ok bool) {
	m.lookups.WithLabelValues(kind, strconv.FormatBool(ok)).Observe(duration.Seconds())
	m.queries.WithLabelValues(kind).Add(float64(queries))
}

func (m *PromMetrics) SetRoutingTableSize(n int) { m.tableSize.Set(float64(n)) }

func (m *PromMetrics) SetBucketOccupancy(bucket int, n int) {
	m.buckets.WithLabelValues(strconv.Itoa(bucket)).Set(float64(n))
}
