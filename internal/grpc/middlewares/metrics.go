package middleware

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/tejusbharadwaj/meterflow/internal/metrics"
)

func NewMetricsInterceptor(m *metrics.Collectors) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ObserveRequest(path.Base(info.FullMethod), status.Code(err).String(), time.Since(start))

		return resp, err
	}
}
