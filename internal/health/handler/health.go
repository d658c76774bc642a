package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PingTimeout bounds a single readiness check of the store.
const PingTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable. repository.Repository implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements grpc.health.v1 for readiness/liveness. Every Check pings the store and
// updates the overall ("") status before answering. Named services keep whatever status was
// set on the embedded health.Server.
type Server struct {
	*health.Server
	pinger Pinger
	logger *slog.Logger
}

var _ healthpb.HealthServer = (*Server)(nil)

// NewServer returns a health server. If pinger is nil the server always reports SERVING.
func NewServer(pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Server: health.NewServer(), pinger: pinger, logger: logger.With("component", "health")}
}

// Register adds the health service to s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s)
}

// Check refreshes the overall status from the store, then answers from the health.Server.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if req.GetService() == "" {
		s.refresh(ctx)
	}
	return s.Server.Check(ctx, req)
}

// Ready pings the store and reports whether it answered.
func (s *Server) Ready(ctx context.Context) bool {
	return s.refresh(ctx) == healthpb.HealthCheckResponse_SERVING
}

func (s *Server) refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, PingTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "store ping failed", "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.SetServingStatus("", status)
	return status
}

type healthResponse struct {
	Status string `json:"status"`
}

// ServeHTTP answers GET /healthz: 200 {"status":"ok"} or 503 {"status":"unavailable"}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code, body := http.StatusOK, healthResponse{Status: "ok"}
	if !s.Ready(r.Context()) {
		code, body = http.StatusServiceUnavailable, healthResponse{Status: "unavailable"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
