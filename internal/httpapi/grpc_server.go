package httpapi

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"qazna.org/esign/internal/obs"
)

// GRPCHealth implements grpc.health.v1.Health on top of the HTTP readiness check.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCHealth creates the gRPC health service.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyCheck{}
	}
	return &GRPCHealth{readiness: r}
}

// Check evaluates readiness. Unknown service names yield NotFound.
func (s *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
