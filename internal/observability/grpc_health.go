package observability

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCHealth serves the standard gRPC health service. The service reports
// NOT_SERVING while any session has exhausted its transcription reconnects.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger

	mu       sync.Mutex
	degraded map[string]struct{}
}

// NewGRPCHealth creates a gRPC server with the health service registered
func NewGRPCHealth() *GRPCHealth {
	server := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    10 * time.Second,
		Timeout: 3 * time.Second,
	}))
	h := health.NewServer()
	healthpb.RegisterHealthServer(server, h)

	g := &GRPCHealth{
		server:   server,
		health:   h,
		logger:   WithComponent(GetLogger(), "grpc_health"),
		degraded: make(map[string]struct{}),
	}
	g.setStatus(healthpb.HealthCheckResponse_SERVING)
	return g
}

// Serve accepts connections until the listener fails or Stop is called
func (g *GRPCHealth) Serve(lis net.Listener) error {
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

// MarkDegraded records a session whose live transcription is down
func (g *GRPCHealth) MarkDegraded(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.degraded[sessionID] = struct{}{}
	g.updateLocked()
}

// ClearDegraded removes a session from the degraded set
func (g *GRPCHealth) ClearDegraded(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.degraded, sessionID)
	g.updateLocked()
}

// Serving reports whether no session is degraded
func (g *GRPCHealth) Serving() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.degraded) == 0
}

func (g *GRPCHealth) updateLocked() {
	if len(g.degraded) == 0 {
		g.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	g.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (g *GRPCHealth) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}
