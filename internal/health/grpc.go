package health

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the scheduler.
const ServiceName = "schedopt.Scheduler"

// GRPCReporter mirrors monitor reports into a gRPC health server.
// Degraded still counts as SERVING; only unhealthy reports NOT_SERVING.
type GRPCReporter struct {
	server *health.Server
}

// NewGRPCReporter 建立 gRPC 健康回報器，初始狀態為 SERVING
func NewGRPCReporter() *GRPCReporter {
	s := health.NewServer()
	s.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCReporter{server: s}
}

// Server returns the health service to register on a grpc.Server.
func (g *GRPCReporter) Server() *health.Server {
	return g.server
}

// Publish updates the serving status of ServiceName and the overall ("") entry.
func (g *GRPCReporter) Publish(r Report) {
	status := healthpb.HealthCheckResponse_SERVING
	if r.Status == StatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.server.SetServingStatus(ServiceName, status)
	g.server.SetServingStatus("", status)
}

// Shutdown marks every service NOT_SERVING ahead of process exit.
func (g *GRPCReporter) Shutdown() {
	g.server.Shutdown()
}
