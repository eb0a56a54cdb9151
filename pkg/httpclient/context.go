package httpclient

import "context"

type onRetryKey struct{}

// ContextWithOnRetry attaches a per-request retry observer. Dialect
// clients build their requests from the session context, so the reasoning
// loop can watch retries without threading a callback through every
// layer.
func ContextWithOnRetry(ctx context.Context, fn OnRetry) context.Context {
	return context.WithValue(ctx, onRetryKey{}, fn)
}

// OnRetryFromContext returns the observer attached by ContextWithOnRetry,
// or nil.
func OnRetryFromContext(ctx context.Context) OnRetry {
	fn, _ := ctx.Value(onRetryKey{}).(OnRetry)
	return fn
}
