package interceptors

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/stats"
)

// TracingOptions customises server-side tracing.
type TracingOptions struct {
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	// Filter excludes calls from tracing, e.g. health probes.
	Filter     func(*stats.RPCTagInfo) bool
	Additional []otelgrpc.Option
}

// Tracing holds the OpenTelemetry stats handler for the gRPC server.
type Tracing struct {
	handler stats.Handler
}

// NewTracing builds the stats handler with the supplied options.
func NewTracing(opts TracingOptions) *Tracing {
	options := make([]otelgrpc.Option, 0, len(opts.Additional)+3)
	if opts.TracerProvider != nil {
		options = append(options, otelgrpc.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Propagators != nil {
		options = append(options, otelgrpc.WithPropagators(opts.Propagators))
	}
	if opts.Filter != nil {
		filter := opts.Filter
		options = append(options, otelgrpc.WithFilter(func(info *stats.RPCTagInfo) bool {
			return !filter(info)
		}))
	}
	options = append(options, opts.Additional...)

	return &Tracing{handler: otelgrpc.NewServerHandler(options...)}
}

// ServerOption installs the stats handler; a nil Tracing yields no option.
func (t *Tracing) ServerOption() []grpc.ServerOption {
	if t == nil || t.handler == nil {
		return nil
	}
	return []grpc.ServerOption{grpc.StatsHandler(t.handler)}
}

// SkipHealth excludes the standard health service from tracing.
func SkipHealth(info *stats.RPCTagInfo) bool {
	service, _ := splitFullMethod(info.FullMethodName)
	return service == "grpc.health.v1.Health"
}
