package core

import "context"

type contextKey string

const (
	ctxKeyClientIP  contextKey = "load_client_ip"
	ctxKeyUserAgent contextKey = "load_user_agent"
)

// WithClientIP attaches the caller's address for load history.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// WithUserAgent attaches the caller's User-Agent for load history.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, ctxKeyUserAgent, ua)
}

func ClientIPFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyClientIP).(string)
	return v
}

func UserAgentFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserAgent).(string)
	return v
}
