package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"SmartBin/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	FramesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_frames_captured_total",
		Help: "Frames published by the capture loop",
	})
	CaptureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_capture_failures_total",
		Help: "Camera reads that failed and were skipped",
	})
	FramesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_frames_skipped_total",
		Help: "Captured frames superseded before inference picked them up",
	})
	Inferences = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_inferences_total",
		Help: "Completed inference iterations",
	})
	InferenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_inference_failures_total",
		Help: "Inference iterations that failed and were skipped",
	})
	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smartbin_inference_duration_seconds",
		Help:    "Detector forward pass plus decode time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
	})
	Detections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartbin_detections",
		Help: "Boxes per label in the latest detection set",
	}, []string{"label"})
	ControlTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_control_ticks_total",
		Help: "Control loop ticks",
	})
	ActuatorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_actuator_errors_total",
		Help: "Actuator or display calls that returned an error",
	})
	APIRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smartbin_api_requests_total",
		Help: "Total number of HTTP and gRPC requests served",
	})
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process registry, built on first use.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(memUsage, cpuUsage,
			FramesCaptured, CaptureFailures, FramesSkipped,
			Inferences, InferenceFailures, InferenceSeconds, Detections,
			ControlTicks, ActuatorErrors, APIRequests)
	})
	return registry
}

// SetDetections resets the per-label gauge to the latest counts.
func SetDetections(labels []string, counts map[int]int) {
	for i, l := range labels {
		Detections.WithLabelValues(l).Set(float64(counts[i]))
	}
}

func Handler() http.Handler {
	reg := Registry()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func checkProcessInfo(pid *process.Process) {
	if memInfo, err := pid.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := pid.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func StartMon(port int, ctx context.Context) {
	pid, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Error("process lookup failed, usage sampling disabled", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if pid != nil {
				checkProcessInfo(pid)
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server Shutdown error", zap.Error(err))
	}
}
