package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"yaud.dev/internal/obs"
)

// HealthServer publishes readiness through the standard gRPC health protocol,
// both for the empty service name and for serviceName.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

// NewHealthServer creates the health service. Status starts as NOT_SERVING
// until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	hs := &HealthServer{Server: health.NewServer(), readiness: r}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Refresh re-evaluates readiness and returns the resulting status.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.readiness.Check(ctx); err != nil {
		obs.Error("readiness check failed", err, nil)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Run refreshes readiness every interval until ctx is done.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
}

// NewGRPCServer registers the health service on a fresh grpc.Server.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.Server)
	return s
}
