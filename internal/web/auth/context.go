package auth

import (
	"context"

	"github.com/fieldops/layoutd/internal/permissions"
	webcontext "github.com/fieldops/layoutd/internal/web/context"
)

// CurrentPrincipal retrieves the authenticated principal from the context
func CurrentPrincipal(ctx context.Context) (permissions.Principal, bool) {
	return webcontext.GetPrincipal(ctx)
}

// WithPrincipal adds the principal to the context
func WithPrincipal(ctx context.Context, p permissions.Principal) context.Context {
	return webcontext.SetPrincipal(ctx, p)
}
