package server

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	middleware "github.com/tejusbharadwaj/meterflow/internal/grpc/middlewares"
	"github.com/tejusbharadwaj/meterflow/internal/metrics"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"`             // Requests per second
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"` // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0, // 5 requests per second
		RateLimitBurst: 10,  // Burst of 10 requests
	}
}

// SetupServer creates the gRPC server exposing health with all middleware.
func SetupServer(health *HealthChecker, config ServerConfig, m *metrics.Collectors, log *logrus.Entry) *grpc.Server {
	if config.RateLimit <= 0 || config.RateLimitBurst <= 0 {
		config = DefaultServerConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	limiter := rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.ContextMiddleware,                   // Add request ID first
			middleware.NewRateLimitingInterceptor(limiter), // Rate limit early
			middleware.NewLoggingInterceptor(log),          // Log all requests (with request ID)
			middleware.NewMetricsInterceptor(m),            // Collect metrics
		),
	)

	grpc_health_v1.RegisterHealthServer(server, health)
	return server
}
