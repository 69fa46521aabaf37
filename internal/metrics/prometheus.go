package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// Config holds configuration for the Prometheus sink.
type Config struct {
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// PushGatewayURL enables pushing to a Push Gateway when set.
	PushGatewayURL string `yaml:"push_gateway_url" env:"PUSH_GATEWAY_URL"`
	// JobName is the job name used when pushing.
	JobName string `yaml:"job_name" env:"JOB_NAME"`
	// PushInterval is the interval between pushes.
	PushInterval time.Duration `yaml:"push_interval" env:"PUSH_INTERVAL"`
}

// DefaultConfig returns the default Prometheus sink configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespace:    "taskbus",
		JobName:      "taskbus",
		PushInterval: 10 * time.Second,
	}
}

// LatencySnapshot summarises remote call latencies.
type LatencySnapshot struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// PrometheusSink exposes bus telemetry as Prometheus metrics and keeps an
// HDR histogram of call latencies for percentile reporting.
type PrometheusSink struct {
	config   *Config
	registry *prometheus.Registry

	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	published   prometheus.Counter
	fanout      prometheus.Histogram

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram
}

// NewPrometheusSink creates a sink with its own registry.
func NewPrometheusSink(config *Config) *PrometheusSink {
	if config == nil {
		config = DefaultConfig()
	}
	ns := config.Namespace

	s := &PrometheusSink{
		config:   config,
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Remote calls by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Remote call latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "parcel",
			Name:      "published_total",
			Help:      "Parcels published.",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "parcel",
			Name:      "subscribers",
			Help:      "Subscribers matched per published parcel.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
		// 1µs to 1 minute at 3 significant figures.
		hist: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3),
	}

	s.registry.MustRegister(
		s.rpcCalls,
		s.rpcDuration,
		s.transitions,
		s.published,
		s.fanout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// RPCSucceeded implements Sink.
func (s *PrometheusSink) RPCSucceeded(method string, latency time.Duration) {
	s.rpcCalls.WithLabelValues(method, "success").Inc()
	s.observe(method, latency)
}

// RPCFailed implements Sink.
func (s *PrometheusSink) RPCFailed(method string, status types.PacketStatus, latency time.Duration) {
	s.rpcCalls.WithLabelValues(method, string(status)).Inc()
	s.observe(method, latency)
}

// TaskTransition implements Sink.
func (s *PrometheusSink) TaskTransition(state types.TaskState) {
	s.transitions.WithLabelValues(string(state)).Inc()
}

// ParcelPublished implements Sink.
func (s *PrometheusSink) ParcelPublished(subscribers int) {
	s.published.Inc()
	s.fanout.Observe(float64(subscribers))
}

func (s *PrometheusSink) observe(method string, latency time.Duration) {
	s.rpcDuration.WithLabelValues(method).Observe(latency.Seconds())

	us := latency.Microseconds()
	if us < 1 {
		us = 1
	}
	s.histMu.Lock()
	// Values above the trackable range are dropped by the histogram.
	_ = s.hist.RecordValue(us)
	s.histMu.Unlock()
}

// Latency returns percentiles of every recorded call latency.
func (s *PrometheusSink) Latency() LatencySnapshot {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencySnapshot{
		Count: s.hist.TotalCount(),
		Mean:  time.Duration(s.hist.Mean() * float64(time.Microsecond)),
		P50:   us(s.hist.ValueAtQuantile(50)),
		P90:   us(s.hist.ValueAtQuantile(90)),
		P99:   us(s.hist.ValueAtQuantile(99)),
		Max:   us(s.hist.Max()),
	}
}

// Registry returns the registry holding the sink's collectors.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Push sends the current metrics to the configured Push Gateway once.
func (s *PrometheusSink) Push(ctx context.Context) error {
	if s.config.PushGatewayURL == "" {
		return fmt.Errorf("push gateway url is not configured")
	}
	if err := push.New(s.config.PushGatewayURL, s.config.JobName).Gatherer(s.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// RunPusher pushes every PushInterval until ctx is done. It returns at once
// when no Push Gateway is configured.
func (s *PrometheusSink) RunPusher(ctx context.Context) {
	if s.config.PushGatewayURL == "" || s.config.PushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Push(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("metrics push failed", zap.String("url", s.config.PushGatewayURL), zap.Error(err))
			}
		}
	}
}

var _ Sink = (*PrometheusSink)(nil)
