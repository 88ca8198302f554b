package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "guesty"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace, Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	QuotaRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "quota_remaining", Help: "Vendor requests left in the 24h window."},
	)
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sync_runs_total", Help: "Finished batch sync runs."},
		[]string{"sync_type", "status"},
	)
	SyncedItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "synced_items_total", Help: "Records written by batch sync."},
		[]string{"sync_type"},
	)
	Webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "webhooks_total", Help: "Webhook events by outcome."},
		[]string{"event", "outcome"}, // outcome: ok|error|ignored|invalid
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open."},
		[]string{"name"},
	)
)

// Serve exposes /metrics on a separate listener. An empty addr disables it.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		QuotaRemaining, SyncRuns, SyncedItems, Webhooks, BreakerState,
	)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) {
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObserveQuota(remaining int) { QuotaRemaining.Set(float64(remaining)) }

func ObserveSyncRun(syncType, status string) { SyncRuns.WithLabelValues(syncType, status).Inc() }

func ObserveSyncedItem(syncType string) { SyncedItems.WithLabelValues(syncType).Inc() }

func ObserveWebhook(event, outcome string) {
	if event == "" {
		event = "unknown"
	}
	Webhooks.WithLabelValues(event, outcome).Inc()
}

func ObserveBreaker(name string, state int) { BreakerState.WithLabelValues(name).Set(float64(state)) }
