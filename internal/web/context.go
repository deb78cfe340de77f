package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// withRequestMetadata adds the client IP and User-Agent to ctx for the
// load history.
func withRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = core.WithClientIP(ctx, clientIP(r))
	ctx = core.WithUserAgent(ctx, r.UserAgent())
	return ctx
}
