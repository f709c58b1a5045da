package metrics

import (
	"context"
	"time"
)

// RPCHandlerFunc is the shape of a single hub<->runner control-channel
// method invocation, as dispatched by the sync registry.
type RPCHandlerFunc func(ctx context.Context, method string, params any) (any, error)

// InstrumentRPC wraps an RPC dispatch function and records call count and
// duration per method/outcome, without coupling metrics to the
// dispatcher's internal types.
func InstrumentRPC(next RPCHandlerFunc) RPCHandlerFunc {
	return func(ctx context.Context, method string, params any) (any, error) {
		start := time.Now()

		result, err := next(ctx, method, params)

		code := "ok"
		if err != nil {
			code = "error"
		}

		RPCRequestsTotal.WithLabelValues(method, code).Inc()
		RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

		return result, err
	}
}
