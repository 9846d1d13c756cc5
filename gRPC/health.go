package rpc

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PerceptionService is the health service name tracking detection freshness.
const PerceptionService = "smartbin.Perception"

// HealthServer reports NOT_SERVING until SetReady and whenever the latest
// detections are older than staleAfter.
type HealthServer struct {
	state      *perception.State
	staleAfter time.Duration
	ready      atomic.Bool

	grpc   *grpc.Server
	health *health.Server
}

func NewHealthServer(state *perception.State, staleAfter time.Duration) *HealthServer {
	h := &HealthServer{
		state:      state,
		staleAfter: staleAfter,
		health:     health.NewServer(),
	}
	h.grpc = grpc.NewServer(grpc.UnaryInterceptor(countRequests))
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.APIRequests.Inc()
	return handler(ctx, req)
}

// SetReady marks the pipeline as past its self-test.
func (h *HealthServer) SetReady() {
	h.ready.Store(true)
	h.Evaluate(time.Now())
}

// Evaluate recomputes and publishes the serving status as of now.
func (h *HealthServer) Evaluate(now time.Time) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.ready.Load() {
		if snap, ok := h.state.Detections(); ok && now.Sub(snap.PublishedAt) <= h.staleAfter {
			status = healthpb.HealthCheckResponse_SERVING
		}
	}
	h.set(status)
	return status
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(PerceptionService, status)
}

// Start listens on port and serves in the background.
func (h *HealthServer) Start(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	go func() {
		logger.Log().Info("gRPC health server listening", zap.Int("port", port))
		if err := h.grpc.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Watch re-evaluates the status every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := h.Evaluate(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if status := h.Evaluate(now); status != last {
				logger.Log().Warn("perception health changed", zap.Stringer("status", status))
				last = status
			}
		}
	}
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
