package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rytkhs/event-pay/internal/obs"
)

const grpcServiceName = "event-pay"

// GRPCHealthServer exposes the standard gRPC health service so orchestration
// can probe the process over gRPC as well as /readyz. Serving status mirrors
// the same ReadyProbe the HTTP layer uses.
type GRPCHealthServer struct {
	srv    *grpc.Server
	health *health.Server
	probe  ReadyProbe
}

// NewGRPCHealthServer creates the health service wrapper.
func NewGRPCHealthServer(probe ReadyProbe) *GRPCHealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealthServer{srv: srv, health: hs, probe: probe}
}

// Serve runs the gRPC server on lis until ctx ends, re-checking readiness
// periodically and updating the advertised status.
func (g *GRPCHealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go g.watch(ctx)
	go func() {
		<-ctx.Done()
		g.srv.GracefulStop()
	}()
	return g.srv.Serve(lis)
}

func (g *GRPCHealthServer) watch(ctx context.Context) {
	g.refresh(ctx)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refresh(ctx)
		}
	}
}

func (g *GRPCHealthServer) refresh(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.probe.Check(cctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	g.health.SetServingStatus(grpcServiceName, status)
	g.health.SetServingStatus("", status)
}
