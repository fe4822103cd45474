// Package metrics holds the Prometheus collectors shared by the session core.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilvpn_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"from", "to"})

	HandshakeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilvpn_handshake_attempts_total",
		Help: "Total number of tunnel handshake attempts by outcome",
	}, []string{"outcome"})

	EventDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilvpn_event_drops_total",
		Help: "Total number of status events dropped because a subscriber queue was full",
	})

	TrafficBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilvpn_traffic_bytes_total",
		Help: "Total tunnel bytes recorded by direction",
	}, []string{"direction"})

	KillSwitchEngagementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilvpn_killswitch_engagements_total",
		Help: "Total number of times the kill switch was engaged",
	})

	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilvpn_killswitch_engaged",
		Help: "1 while the kill switch is engaged",
	})

	CatalogRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilvpn_catalog_refreshes_total",
		Help: "Total number of catalog refreshes by result",
	}, []string{"result"})

	CatalogServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilvpn_catalog_servers",
		Help: "Number of servers in the current catalog snapshot",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veilvpn_http_request_duration_seconds",
		Help:    "Admin API request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// IncTransition records one state transition.
func IncTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncHandshake records a handshake attempt outcome ("success" or an error kind).
func IncHandshake(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	HandshakeAttemptsTotal.WithLabelValues(outcome).Inc()
}

// IncEventDrop records one dropped status event.
func IncEventDrop() {
	EventDropsTotal.Inc()
}

// AddTraffic records traffic deltas.
func AddTraffic(sent, received uint64) {
	if sent > 0 {
		TrafficBytesTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if received > 0 {
		TrafficBytesTotal.WithLabelValues("received").Add(float64(received))
	}
}

// SetKillSwitch records a kill-switch state change.
func SetKillSwitch(engaged bool) {
	if engaged {
		KillSwitchEngagementsTotal.Inc()
		KillSwitchEngaged.Set(1)
		return
	}
	KillSwitchEngaged.Set(0)
}

// ObserveCatalogRefresh records a refresh result and the resulting size.
func ObserveCatalogRefresh(err error, servers int) {
	if err != nil {
		CatalogRefreshesTotal.WithLabelValues("error").Inc()
		return
	}
	CatalogRefreshesTotal.WithLabelValues("ok").Inc()
	CatalogServers.Set(float64(servers))
}

// ObserveHTTPRequest records one admin API request. path is the route
// pattern, never the raw URL.
func ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
