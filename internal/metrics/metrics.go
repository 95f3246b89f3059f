package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics набор метрик realtime-чата
type Metrics struct {
	Sessions          prometheus.Gauge
	Rooms             prometheus.Gauge
	MessagesPersisted *prometheus.CounterVec
	DeliveriesDropped prometheus.Counter
	StoreLatency      *prometheus.HistogramVec
	StatusRetries     *prometheus.CounterVec
}

// New регистрирует метрики в reg. Nil reg означает отдельный реестр, удобно для тестов.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "sessions_connected",
			Help:      "Number of open websocket sessions.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one joined session.",
		}),
		MessagesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages persisted by type.",
		}, []string{"type"}),
		DeliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "deliveries_dropped_total",
			Help:      "Events not delivered because the session was gone or too slow.",
		}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chat",
			Name:      "store_duration_seconds",
			Help:      "Latency of persistence calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StatusRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "request_status_retries_total",
			Help:      "Request status updates retried after a failure, by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveStore записывает длительность операции хранилища
func (m *Metrics) ObserveStore(op string, started time.Time) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
