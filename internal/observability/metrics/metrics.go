package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

const namespace = "openmcp"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})

	runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Orchestration runs by outcome.",
	}, []string{"outcome"})

	runRetries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_retries_used",
		Help:      "Retry rounds consumed per completed run.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})

	runLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "End-to-end orchestration run duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and result.",
	}, []string{"tool", "result"})

	toolAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_attempts",
		Help:      "Attempts made per tool invocation.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	}, []string{"tool"})

	toolLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation duration including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generations_total",
		Help:      "Generation calls by stage and result.",
	}, []string{"stage", "result"})

	generationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Generation call duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
	}, []string{"stage"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		runs, runRetries, runLatency,
		toolCalls, toolAttempts, toolLatency,
		generations, generationLatency,
	)
}

// Registry 返回进程内使用的指标注册表。
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRun 记录一次编排运行的结果。
func ObserveRun(outcome string, retriesUsed int, duration time.Duration) {
	runs.WithLabelValues(outcome).Inc()
	runLatency.Observe(duration.Seconds())
	if outcome != "error" {
		runRetries.Observe(float64(retriesUsed))
	}
}

// ObserveToolCall 记录一次工具调用（含重试）。
func ObserveToolCall(tool string, attempts int, duration time.Duration, err error) {
	toolCalls.WithLabelValues(tool, resultLabel(err)).Inc()
	toolAttempts.WithLabelValues(tool).Observe(float64(attempts))
	toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveGeneration 记录一次生成调用。
func ObserveGeneration(stage string, duration time.Duration, err error) {
	generations.WithLabelValues(stage, resultLabel(err)).Inc()
	generationLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if xerrors.HasCode(err, xerrors.CodeTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
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
