// Package statsmodule exposes the router's per-link, per-queue, and
// control-plane counters as Prometheus metrics (spec.md §3's
// StatsModule, expanded). It takes no snapshots itself: periodic
// snapshots for long-term storage are collected in cmd/forestrouter
// and written by internal/telemetry/clickhouse.
package statsmodule

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	LinkPacketsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forest_link_packets_total",
			Help: "Total packets sent or received on a link",
		},
		[]string{"link", "direction"}, // in, out
	)

	LinkBytesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forest_link_bytes_total",
			Help: "Total bytes sent or received on a link",
		},
		[]string{"link", "direction"},
	)

	LinkPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forest_link_packets_dropped_total",
			Help: "Total packets dropped on a link",
		},
		[]string{"link", "reason"},
	)

	QueueDepthPackets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forest_queue_depth_packets",
			Help: "Current queue occupancy in packets",
		},
		[]string{"link", "queue"},
	)

	QueueDepthBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forest_queue_depth_bytes",
			Help: "Current queue occupancy in bytes",
		},
		[]string{"link", "queue"},
	)

	ControlRequestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forest_control_requests_sent_total",
			Help: "Total control requests sent, including retransmits",
		},
		[]string{"type"},
	)

	ControlRequestsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forest_control_requests_dropped_total",
			Help: "Total control requests given up on after exhausting retries",
		},
		[]string{"type"},
	)

	PendingControlRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forest_pending_control_requests",
			Help: "Number of control requests currently awaiting a reply",
		},
	)
)

// RecordForwarded records a transmitted or received packet on lnk.
func RecordForwarded(lnk int, direction string, bytes int) {
	l := fmt.Sprintf("%d", lnk)
	LinkPacketsForwarded.WithLabelValues(l, direction).Inc()
	LinkBytesForwarded.WithLabelValues(l, direction).Add(float64(bytes))
}

// RecordDropped records a packet dropped on lnk for the given reason
// (e.g. "comtree", "rate-limit", "unreachable").
func RecordDropped(lnk int, reason string) {
	LinkPacketsDropped.WithLabelValues(fmt.Sprintf("%d", lnk), reason).Inc()
}

// SetQueueDepth publishes a queue's current occupancy.
func SetQueueDepth(lnk, qid, npkts, nbytes int) {
	l, q := fmt.Sprintf("%d", lnk), fmt.Sprintf("%d", qid)
	QueueDepthPackets.WithLabelValues(l, q).Set(float64(npkts))
	QueueDepthBytes.WithLabelValues(l, q).Set(float64(nbytes))
}

// RecordControlSent records a control request transmission (or
// retransmission) of the given CpType name.
func RecordControlSent(cpType string) { ControlRequestsSent.WithLabelValues(cpType).Inc() }

// RecordControlDropped records a control request given up on.
func RecordControlDropped(cpType string) { ControlRequestsDropped.WithLabelValues(cpType).Inc() }

// SetPendingControlRequests publishes the tracker's current backlog.
func SetPendingControlRequests(n int) { PendingControlRequests.Set(float64(n)) }

// Server is the Prometheus /metrics HTTP endpoint.
type Server struct {
	addr   string
	logger *zap.Logger
	srv    *http.Server
}

// NewServer returns a metrics server that will listen on addr
// (e.g. ":9108") once Start is called.
func NewServer(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, logger: logger}
}

// Start runs the metrics HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("stats server listening", zap.String("addr", s.addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
