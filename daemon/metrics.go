package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
)

// Metrics exposes daemon counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

// NewMetrics registers the daemon metrics, the Go runtime collectors and
// a collector reading tunnel state from backend on every scrape.
func NewMetrics(backend Backend) *Metrics {
	reg := prometheus.NewRegistry()
	promFactory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		requestsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wirevault_daemon_requests_total",
				Help: "IPC requests handled by the daemon labelled by method and result code",
			},
			[]string{"method", "code"},
		),
		subscriptions: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "wirevault_daemon_subscriptions",
			Help: "Current number of stats subscriptions",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newTunnelCollector(backend),
	)
	return m
}

func (m *Metrics) observe(method, code string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "invalid"
	}
	m.requestsTotal.WithLabelValues(method, code).Inc()
}

func (m *Metrics) subscribed(delta float64) {
	if m == nil {
		return
	}
	m.subscriptions.Add(delta)
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	common.LogInfo("Daemon: metrics available on http://%s/metrics", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tunnelCollector reports the tunnel table and peer counters at scrape
// time.
type tunnelCollector struct {
	backend Backend

	tunnels *prometheus.Desc
	txBytes *prometheus.Desc
	rxBytes *prometheus.Desc
	handshk *prometheus.Desc
}

func newTunnelCollector(backend Backend) *tunnelCollector {
	return &tunnelCollector{
		backend: backend,
		tunnels: prometheus.NewDesc("wirevault_tunnels",
			"Tunnels known to the daemon labelled by status", []string{"status"}, nil),
		txBytes: prometheus.NewDesc("wirevault_peer_transmit_bytes_total",
			"Bytes sent to a peer", []string{"tunnel", "peer"}, nil),
		rxBytes: prometheus.NewDesc("wirevault_peer_receive_bytes_total",
			"Bytes received from a peer", []string{"tunnel", "peer"}, nil),
		handshk: prometheus.NewDesc("wirevault_peer_last_handshake_seconds",
			"Unix time of the last handshake with a peer", []string{"tunnel", "peer"}, nil),
	}
}

func (c *tunnelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tunnels
	ch <- c.txBytes
	ch <- c.rxBytes
	ch <- c.handshk
}

func (c *tunnelCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[tunnel.Status]int{
		tunnel.StatusStarting: 0,
		tunnel.StatusRunning:  0,
		tunnel.StatusStopping: 0,
		tunnel.StatusError:    0,
	}
	for _, st := range c.backend.List() {
		counts[st.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.tunnels, prometheus.GaugeValue, float64(n), status.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.ControlTimeout)
	defer cancel()
	for id, peers := range c.backend.Sample(ctx) {
		for peer, st := range peers {
			ch <- prometheus.MustNewConstMetric(c.txBytes, prometheus.CounterValue, float64(st.TxBytes), id, peer)
			ch <- prometheus.MustNewConstMetric(c.rxBytes, prometheus.CounterValue, float64(st.RxBytes), id, peer)
			ch <- prometheus.MustNewConstMetric(c.handshk, prometheus.GaugeValue, float64(st.LastHandshake), id, peer)
		}
	}
}
