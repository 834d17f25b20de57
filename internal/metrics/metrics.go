// Package metrics exposes Prometheus collectors for the link server,
// adapted from the teacher's monitoring package. Unlike the teacher's
// global package-level vars registered in an init(), collectors here are
// held on a Metrics value constructed once per process and registered
// against its own prometheus.Registry, so tests can build one without
// tripping the default registry's duplicate-registration panic.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the link server reports.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected *prometheus.CounterVec

	containersInserted prometheus.Counter
	containersReplaced prometheus.Counter
	containersRejected *prometheus.CounterVec

	linksExpiredTotal prometheus.Counter

	announcesSent          prometheus.Counter
	slowSocketsDisconnected prometheus.Counter

	cpuPercent       prometheus.Gauge
	goroutinesActive prometheus.Gauge
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_ws_connections_total",
			Help: "Total websocket connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "link_ws_connections_active",
			Help: "Current number of open websocket connections",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_ws_connections_rejected_total",
			Help: "Connection attempts rejected by admission control, by reason",
		}, []string{"reason"}),

		containersInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_containers_inserted_total",
			Help: "Total containers inserted via PUT",
		}),
		containersReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_containers_replaced_total",
			Help: "Total containers replaced via PUT",
		}),
		containersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_containers_rejected_total",
			Help: "Total containers rejected, by reason",
		}, []string{"reason"}),

		linksExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_records_expired_total",
			Help: "Total link records removed by the expiration sweeper",
		}),

		announcesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_announces_sent_total",
			Help: "Total ANNOUNCE frames sent to subscribers",
		}),
		slowSocketsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "link_slow_sockets_disconnected_total",
			Help: "Total sockets disconnected for failing to keep up with sends",
		}),

		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "link_cpu_usage_percent",
			Help: "Sampled host CPU usage percentage",
		}),
		goroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "link_goroutines_active",
			Help: "Current number of goroutines",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal, m.connectionsActive, m.connectionsRejected,
		m.containersInserted, m.containersReplaced, m.containersRejected,
		m.linksExpiredTotal,
		m.announcesSent, m.slowSocketsDisconnected,
		m.cpuPercent, m.goroutinesActive,
	)

	return m
}

// Handler serves this Metrics' collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened()           { m.connectionsTotal.Inc(); m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed()           { m.connectionsActive.Dec() }
func (m *Metrics) ConnectionRejected(reason string) { m.connectionsRejected.WithLabelValues(reason).Inc() }

func (m *Metrics) ContainerInserted()           { m.containersInserted.Inc() }
func (m *Metrics) ContainerReplaced()           { m.containersReplaced.Inc() }
func (m *Metrics) ContainerRejected(reason string) { m.containersRejected.WithLabelValues(reason).Inc() }

func (m *Metrics) LinksExpired(n int64) { m.linksExpiredTotal.Add(float64(n)) }

func (m *Metrics) AnnounceSent()           { m.announcesSent.Inc() }
func (m *Metrics) SlowSocketDisconnected() { m.slowSocketsDisconnected.Inc() }

// RunRuntimeSampler periodically reports goroutine count and CPU usage
// (sourced from cpuPercent, typically a resource guard's sampled value)
// into the gauges above until ctx is canceled.
func (m *Metrics) RunRuntimeSampler(ctx context.Context, interval time.Duration, cpuPercent func() float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.goroutinesActive.Set(float64(runtime.NumGoroutine()))
			if cpuPercent != nil {
				m.cpuPercent.Set(cpuPercent())
			}
		case <-ctx.Done():
			return
		}
	}
}
