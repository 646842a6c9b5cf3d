package context

import (
	"context"

	"github.com/fieldops/layoutd/internal/permissions"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey int

const (
	requestIDKey contextKey = iota
	principalKey
)

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// SetRequestID adds the request ID to the context
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetPrincipal extracts the authenticated principal from the context
func GetPrincipal(ctx context.Context) (permissions.Principal, bool) {
	p, ok := ctx.Value(principalKey).(permissions.Principal)
	return p, ok
}

// SetPrincipal adds the authenticated principal to the context
func SetPrincipal(ctx context.Context, p permissions.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}
