package grpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer reports serving status for the service name and the overall
// server. Shutdown flips both to NOT_SERVING before the listener closes.
type HealthServer struct {
	*health.Server
	serviceName string
}

func NewHealthServer(serviceName string) *HealthServer {
	s := &HealthServer{Server: health.NewServer(), serviceName: serviceName}
	s.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

func (s *HealthServer) MarkNotServing() {
	s.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.SetServingStatus(s.serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
}
