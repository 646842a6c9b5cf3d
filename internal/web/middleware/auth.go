package middleware

import (
	"net/http"
	"strings"

	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/response"
)

// TokenValidator resolves a bearer token to a principal
type TokenValidator interface {
	Validate(token string) (permissions.Principal, error)
}

// Auth creates an authentication middleware. The token is read from the
// Authorization header, or from the token query parameter for websocket
// upgrades, which cannot set headers from a browser.
func Auth(tokens TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				response.RenderUnauthorized(w, "")
				return
			}

			principal, err := tokens.Validate(token)
			if err != nil {
				response.RenderUnauthorized(w, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
	}
	return "", false
}
