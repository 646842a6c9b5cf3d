package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/web/response"
)

func (h *handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := h.authorizeUser(r, userID); err != nil {
		h.fail(w, r, err)
		return
	}

	perms, err := h.permissions.ForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, perms)
}

// clearCache drops a user's snapshots. An optional role query parameter also
// drops that role's snapshot and the recommendations built from it.
func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := h.authorizeUser(r, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role != "" {
		if err := h.authorizeRole(r.Context(), principal(r), role); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	if err := h.permissions.ClearCache(r.Context(), userID, role); err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// authorizeUser lets users inspect themselves and admins inspect anyone
func (h *handler) authorizeUser(r *http.Request, userID string) error {
	p := principal(r)
	if p.UserID != "" && p.UserID == userID {
		return nil
	}
	if p.IsAdmin {
		return nil
	}
	res, err := h.permissions.Resolver(r.Context(), p)
	if err != nil {
		return err
	}
	if !res.IsAdmin() {
		return engine.E(engine.ErrPermissionDenied, "api.authorizeUser",
			fmt.Errorf("only admins may inspect the permissions of user %q", userID))
	}
	return nil
}
