package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's Prometheus collectors on a dedicated
// registry. All methods are nil-safe so components can run without metrics.
type Metrics struct {
	Registry          *prometheus.Registry
	PagesScrapedTotal *prometheus.CounterVec
	RowsScrapedTotal  *prometheus.CounterVec
	EntriesTotal      *prometheus.CounterVec
	SendDuration      prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_scraped_total",
			Help: "Total list pages scraped, by site.",
		},
		[]string{"site_id"},
	)
	rows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_rows_scraped_total",
			Help: "Total product rows extracted, by site.",
		},
		[]string{"site_id"},
	)
	entries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_queue_entries_total",
			Help: "Queue entry outcomes by result (sent, failed).",
		},
		[]string{"result"},
	)
	sendDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_backend_send_duration_seconds",
			Help:    "Latency of batch deliveries to the ingestion API.",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(pages, rows, entries, sendDuration)

	return &Metrics{
		Registry:          registry,
		PagesScrapedTotal: pages,
		RowsScrapedTotal:  rows,
		EntriesTotal:      entries,
		SendDuration:      sendDuration,
	}
}

func (m *Metrics) IncPage(siteID string) {
	if m == nil {
		return
	}
	m.PagesScrapedTotal.WithLabelValues(siteID).Inc()
}

func (m *Metrics) AddRows(siteID string, n int) {
	if m == nil {
		return
	}
	m.RowsScrapedTotal.WithLabelValues(siteID).Add(float64(n))
}

func (m *Metrics) IncEntry(result string) {
	if m == nil {
		return
	}
	m.EntriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSend(d time.Duration) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(d.Seconds())
}
