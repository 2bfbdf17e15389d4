// Package metrics 暴露 Prometheus 指标。
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聚合编排器的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	RoundsTotal      *prometheus.CounterVec
	LiabilitiesTotal *prometheus.CounterVec
	ConfirmTimeouts  prometheus.Counter
	NonceResyncs     prometheus.Counter
	SalesTotal       prometheus.Counter
	GasUsedTotal     prometheus.Counter
	SMMAEstimate     prometheus.Gauge
	BatchSize        prometheus.Gauge
	UnsoldBalance    prometheus.Gauge
	RoundDuration    prometheus.Histogram
}

// New 构造并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "rounds_total",
			Help: "Scheduling rounds by outcome.",
		}, []string{"mode", "outcome"}),
		LiabilitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "liabilities_total",
			Help: "Liabilities by terminal state.",
		}, []string{"state"}),
		ConfirmTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "confirm_timeouts_total",
			Help: "Receipt waits that exceeded the confirmation timeout.",
		}),
		NonceResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "nonce_resyncs_total",
			Help: "Forced nonce resynchronizations after a conflict.",
		}),
		SalesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "sales_total",
			Help: "Completed liquidation sales.",
		}),
		GasUsedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lighthouse", Name: "gas_used_total",
			Help: "Cumulative gas consumed by confirmed transactions.",
		}),
		SMMAEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lighthouse", Name: "smma_estimate_wei",
			Help: "Local moving-average estimate in wei.",
		}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lighthouse", Name: "batch_size",
			Help: "Current scheduler batch size.",
		}),
		UnsoldBalance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lighthouse", Name: "unsold_balance",
			Help: "Minted token balance not yet liquidated.",
		}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lighthouse", Name: "round_duration_seconds",
			Help:    "Wall time of a scheduling round.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Handler 返回指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在指定地址启动指标服务,ctx 取消时优雅退出。
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
