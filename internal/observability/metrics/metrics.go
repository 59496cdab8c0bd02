// Package metrics 注册编排器的 Prometheus 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 是编排器私有的指标注册表，避免与全局默认注册表冲突。
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_http_request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	agentInvocations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_agent_invocations_total",
		Help: "Agent invocation attempts and terminal outcomes.",
	}, []string{"agent", "outcome"})

	agentLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_agent_latency_seconds",
		Help:    "Latency of individual agent attempts.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"agent"})

	queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_queue_depth",
		Help: "Number of intents waiting in the queue.",
	})

	dispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_dispatch_total",
		Help: "Dispatched intents by route and outcome.",
	}, []string{"route", "outcome"})

	dispatchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_dispatch_duration_seconds",
		Help:    "Time spent dispatching a single intent.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"route"})

	governorVerdicts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_governor_verdicts_total",
		Help: "Non-stable governor verdicts by action.",
	}, []string{"action"})

	governorFailures = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_governor_consecutive_failures",
		Help: "Current consecutive failure count tracked by the governor.",
	})

	pendingInterventions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_interventions_pending",
		Help: "Outstanding human intervention requests.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAgent 记录一次处理器尝试或终态。latency 为 0 时只计数。
func ObserveAgent(agent, outcome string, latency time.Duration) {
	agentInvocations.WithLabelValues(agent, outcome).Inc()
	if latency > 0 {
		agentLatency.WithLabelValues(agent).Observe(latency.Seconds())
	}
}

// SetQueueDepth 更新队列长度。
func SetQueueDepth(depth int) { queueDepth.Set(float64(depth)) }

// ObserveDispatch 记录一次意图分派。
func ObserveDispatch(route, outcome string, duration time.Duration) {
	dispatches.WithLabelValues(route, outcome).Inc()
	dispatchDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveGovernor 记录非稳定的调速判定。
func ObserveGovernor(action string) { governorVerdicts.WithLabelValues(action).Inc() }

// SetGovernorFailures 更新连续失败计数。
func SetGovernorFailures(n int) { governorFailures.Set(float64(n)) }

// SetPendingInterventions 更新待处理的人工介入数量。
func SetPendingInterventions(n int) { pendingInterventions.Set(float64(n)) }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
