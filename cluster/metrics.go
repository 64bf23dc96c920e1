package cluster

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rethinkdb/gocluster/config"
)

// metrics holds the prometheus collectors for one Cluster instance. Each
// Cluster gets its own registry rather than registering into the package
// default, so more than one Cluster can exist in a test process.
type metrics struct {
	registry *prometheus.Registry

	livePeers      prometheus.Gauge
	mailboxCount   prometheus.Gauge
	barrierLatency prometheus.Histogram
	admissions     *prometheus.CounterVec
	evictions      *prometheus.CounterVec

	srv *http.Server
}

func newMetrics(cfg *config.Config) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gocluster",
			Name:      "live_peers",
			Help:      "Number of peers currently in the connected state.",
		}),
		mailboxCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gocluster",
			Name:      "mailboxes",
			Help:      "Number of mailboxes currently registered on this node.",
		}),
		barrierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gocluster",
			Name:      "barrier_latency_seconds",
			Help:      "Time from barrier creation to every expected reply arriving.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocluster",
			Name:      "admissions_total",
			Help:      "Completed admission rounds, by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gocluster",
			Name:      "evictions_total",
			Help:      "Completed eviction rounds, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.livePeers, m.mailboxCount, m.barrierLatency, m.admissions, m.evictions)
	return m
}

// serve starts the /metrics HTTP endpoint if addr is non-empty.
// MetricsAddress="" disables it entirely for a deployment that wants no
// extra listening socket.
func (m *metrics) serve(addr string, logPrefix string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		err := m.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Printf("%s: metrics server exited: %s", logPrefix, err.Error())
		}
	}()
}

func (m *metrics) close() {
	if m.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	m.srv.Shutdown(ctx)
}

func (m *metrics) observeBarrierLatency(d time.Duration) {
	m.barrierLatency.Observe(d.Seconds())
}
