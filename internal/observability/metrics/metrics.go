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

const namespace = "daq"

// Registry holds every collector exported by the plugin process.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests served by the REST API.",
	}, []string{"handler", "method", "status"})
	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of REST API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method"})

	rpcRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Total number of gRPC calls served, labelled by result code.",
	}, []string{"method", "code"})

	admissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acquisitions_admitted_total",
		Help:      "Acquisition requests by admission outcome.",
	}, []string{"outcome"})
	transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job state transitions by capability and target state.",
	}, []string{"capability", "state"})
	captureLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "capture_duration_seconds",
		Help:      "Duration of a single driver capture attempt.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"capability", "result"})
	captureRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_retries_total",
		Help:      "Automatic capture retries after a transient driver fault.",
	}, []string{"capability"})
	storeWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_writes_total",
		Help:      "Store write attempts by result.",
	}, []string{"result"})
	discarded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_discarded_total",
		Help:      "Captured payloads dropped because the job was canceled.",
	}, []string{"capability"})
	trackedRequests = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_requests",
		Help:      "Acquisition requests currently held in the job table.",
	})
	directoryFailures = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "directory_consecutive_failures",
		Help:      "Consecutive failed directory announcements.",
	})
	directoryAnnouncements = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_announcements_total",
		Help:      "Directory register/renew attempts by operation and result.",
	}, []string{"op", "result"})
	eventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Job lifecycle events handed to the event bus.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records a REST request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRPC records a gRPC call outcome.
func ObserveRPC(method, code string) {
	rpcRequests.WithLabelValues(method, code).Inc()
}

// ObserveAdmission records the outcome of an AcquireData admission.
func ObserveAdmission(outcome string) {
	admissions.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a job entering state.
func ObserveTransition(capability, state string) {
	transitions.WithLabelValues(capability, state).Inc()
}

// ObserveCapture records a capture attempt.
func ObserveCapture(capability string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	captureLatency.WithLabelValues(capability, result).Observe(duration.Seconds())
}

// IncCaptureRetry counts an automatic capture retry.
func IncCaptureRetry(capability string) {
	captureRetries.WithLabelValues(capability).Inc()
}

// ObserveStoreWrite counts a store write.
func ObserveStoreWrite(err error) {
	if err != nil {
		storeWrites.WithLabelValues("error").Inc()
		return
	}
	storeWrites.WithLabelValues("ok").Inc()
}

// IncDiscarded counts a payload dropped after cancellation.
func IncDiscarded(capability string) {
	discarded.WithLabelValues(capability).Inc()
}

// SetTrackedRequests reports the job table size.
func SetTrackedRequests(n int) {
	trackedRequests.Set(float64(n))
}

// ObserveAnnouncement records a directory operation.
func ObserveAnnouncement(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	directoryAnnouncements.WithLabelValues(op, result).Inc()
}

// SetDirectoryFailures reports the keep-alive failure streak.
func SetDirectoryFailures(n int) {
	directoryFailures.Set(float64(n))
}

// ObserveEventPublish counts lifecycle events handed to the bus.
func ObserveEventPublish(err error) {
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

// Handler exposes the registry in the Prometheus text format.
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
