// Package metrics holds the Prometheus collectors shared by the crawler and the bot.
package metrics

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors of the process.
type Metrics struct {
	// Crawl metrics
	CrawlPages         *prometheus.CounterVec
	CrawlItems         *prometheus.CounterVec
	CrawlCycles        *prometheus.CounterVec
	CrawlCycleDuration *prometheus.HistogramVec

	// Push metrics
	PushDeliveries    *prometheus.CounterVec
	PushTickDuration  prometheus.Histogram
	ActiveSubscribers prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process wide metrics, registering them on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CrawlPages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallbot_crawl_pages_total",
			Help: "Listing pages fetched, by source and result",
		}, []string{"source", "result"}),
		CrawlItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallbot_crawl_items_total",
			Help: "Crawled items, by source and upsert outcome",
		}, []string{"source", "outcome"}),
		CrawlCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallbot_crawl_cycles_total",
			Help: "Finished crawl cycles, by source and status",
		}, []string{"source", "status"}),
		CrawlCycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallbot_crawl_cycle_duration_seconds",
			Help:    "Duration of crawl cycles",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"source"}),
		PushDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallbot_push_deliveries_total",
			Help: "Push attempts, by outcome",
		}, []string{"outcome"}),
		PushTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallbot_push_tick_duration_seconds",
			Help:    "Duration of push ticks",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallbot_active_subscribers",
			Help: "Subscribers seen active at the last push tick",
		}),
	}
}

// NewRouter returns the ops router serving /health and /metrics.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
