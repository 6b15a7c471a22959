package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	invoicesCreated  *prometheus.CounterVec
	invoicesAborted  *prometheus.CounterVec
	createDuration   prometheus.Histogram
	releaseFailures  prometheus.Counter
	stockReservation *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medbazaar_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medbazaar_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medbazaar_invoices_created_total",
		Help: "Invoice yang berhasil dibuat per status awal.",
	}, []string{"status"})
	aborted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medbazaar_invoices_aborted_total",
		Help: "Pembuatan invoice yang dibatalkan per tahap dan alasan.",
	}, []string{"stage", "reason"})
	createDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "medbazaar_invoice_create_duration_seconds",
		Help:    "Durasi transaksi pembuatan invoice.",
		Buckets: prometheus.DefBuckets,
	})
	releaseFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "medbazaar_stock_release_failures_total",
		Help: "Kompensasi stok yang gagal dan dijadwalkan ulang.",
	})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medbazaar_stock_reservations_total",
		Help: "Hasil reservasi stok per outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, created, aborted, createDuration, releaseFailures, reservations)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		invoicesCreated:  created,
		invoicesAborted:  aborted,
		createDuration:   createDuration,
		releaseFailures:  releaseFailures,
		stockReservation: reservations,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// InvoiceCreated mencatat invoice yang berhasil disimpan.
func (m *Metrics) InvoiceCreated(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invoicesCreated.WithLabelValues(status).Inc()
	m.createDuration.Observe(elapsed.Seconds())
}

// InvoiceAborted mencatat pembuatan invoice yang gagal.
func (m *Metrics) InvoiceAborted(stage, reason string) {
	if m == nil {
		return
	}
	m.invoicesAborted.WithLabelValues(stage, reason).Inc()
}

// StockReservation mencatat hasil reservasi: reserved, insufficient, not_found, expired, error.
func (m *Metrics) StockReservation(outcome string) {
	if m == nil {
		return
	}
	m.stockReservation.WithLabelValues(outcome).Inc()
}

// ReleaseFailed mencatat kompensasi stok yang gagal.
func (m *Metrics) ReleaseFailed() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
