// Package server builds the HTTP and gRPC servers from their dependencies.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	captchahandler "capgate/internal/captcha/handler"
	healthhandler "capgate/internal/health/handler"
	"capgate/internal/server/interceptors"
)

// Deps holds what the servers route to.
type Deps struct {
	// Captcha serves /api/cap/*. Required for the HTTP handler.
	Captcha captchahandler.Service
	// Health answers /healthz and grpc.health.v1. Required.
	Health *healthhandler.Server
	// Gatherer backs /metrics. If nil, /metrics is not mounted.
	Gatherer prometheus.Gatherer
	// Logger is used for request logs. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Production hides internal error details from HTTP responses.
	Production bool
	// ServiceName names the otelhttp server span operation.
	ServiceName string
}

// Paths not request-logged. Probes and scrapes would drown everything else.
var (
	quietPaths   = map[string]bool{"/healthz": true, "/metrics": true}
	quietMethods = map[string]bool{
		"/grpc.health.v1.Health/Check": true,
		"/grpc.health.v1.Health/List":  true,
	}
)

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewHTTPHandler returns the HTTP mux:
//
//	POST /api/cap/{challenge,redeem,validate}  captcha endpoints
//	GET  /healthz                              store readiness
//	GET  /metrics                              Prometheus metrics
//
// wrapped with request logging and otelhttp.
func NewHTTPHandler(deps Deps) http.Handler {
	logger := deps.logger()
	mux := http.NewServeMux()
	captchahandler.New(deps.Captcha, logger, deps.Production).Register(mux)
	mux.Handle("GET /healthz", deps.Health)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	name := deps.ServiceName
	if name == "" {
		name = "capgate"
	}
	return otelhttp.NewHandler(interceptors.LoggingHTTP(logger, quietPaths, mux), name)
}

// NewGRPCServer returns a gRPC server with otelgrpc instrumentation and the health service registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(deps.logger(), quietMethods)),
	}, opts...)
	s := grpc.NewServer(opts...)
	deps.Health.Register(s)
	return s
}
