package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// RunStatus is the outcome of the last scheduled run of a service.
type RunStatus struct {
	At  time.Time
	Err error
}

// HealthChecker implements the gRPC health checking protocol. Every
// connector and the loader is a service; the empty service name reports
// the process itself.
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	mu      sync.RWMutex
	status  map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	lastRun map[string]RunStatus
	now     func() time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		status:  map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{"": grpc_health_v1.HealthCheckResponse_SERVING},
		lastRun: make(map[string]RunStatus),
		now:     time.Now,
	}
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.status[req.Service]; ok {
		return &grpc_health_v1.HealthCheckResponse{
			Status: status,
		}, nil
	}

	return nil, status.Error(codes.NotFound, "unknown service")
}

func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watching is not supported")
}

// SetServingStatus sets the serving status of a service
func (h *HealthChecker) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status
}

// Register announces service before its first run. A registered service
// reports SERVING until a run fails.
func (h *HealthChecker) Register(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.status[service]; !ok {
		h.status[service] = grpc_health_v1.HealthCheckResponse_SERVING
	}
}

// MarkRun records the outcome of a run of service: NOT_SERVING after a
// failed run, SERVING after a successful one.
func (h *HealthChecker) MarkRun(service string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRun[service] = RunStatus{At: h.now(), Err: err}
	if err != nil {
		h.status[service] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		return
	}
	h.status[service] = grpc_health_v1.HealthCheckResponse_SERVING
}

// LastRun returns the last recorded run of service.
func (h *HealthChecker) LastRun(service string) (RunStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.lastRun[service]
	return r, ok
}
