package transportgrpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/arklim/auditmarket-core/internal/transport/grpc/interceptors"
)

// ServiceName is the health-check service reported for the core.
const ServiceName = "auditmarket.core"

var healthMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// ServerDependencies encapsulates the collaborators of the gRPC server layer.
type ServerDependencies struct {
	Verifier      grpcinterceptors.PrincipalVerifier
	Metrics       *grpcinterceptors.GRPCMetrics
	Tracing       *grpcinterceptors.Tracing
	Logger        *zap.Logger
	PublicMethods []string // methods that don't require authentication
}

// Server bundles the gRPC server with its health service.
type Server struct {
	*grpc.Server
	health *health.Server
}

// NewServer wires the health and reflection services behind the metrics and auth interceptors.
// Health methods are always public.
func NewServer(deps ServerDependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	public := append(append([]string{}, healthMethods...), deps.PublicMethods...)
	auth := grpcinterceptors.NewAuthInterceptor(deps.Verifier, grpcinterceptors.AuthOptions{
		Logger:       logger,
		AllowMethods: public,
	})

	opts := deps.Tracing.ServerOption()
	opts = append(opts,
		grpc.ChainUnaryInterceptor(deps.Metrics.UnaryServerInterceptor(), auth.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(auth.StreamServerInterceptor()),
	)
	server := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	// Register reflection service for tools like Postman, grpcurl, etc.
	reflection.Register(server)

	return &Server{Server: server, health: hs}
}

// SetServing flips the health status of the core and the overall server.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// GracefulStop marks the server as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}
