package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/interactions"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/response"
)

// analysisResponse is the field analysis of an entity as the caller may see it
type analysisResponse struct {
	EntityType        string                   `json:"entityType"`
	SampleSize        int                      `json:"sampleSize"`
	Fields            []analyzer.FieldAnalysis `json:"fields"`
	SignificantFields []string                 `json:"significantFields"`
	SuggestedGroups   []analyzer.Group         `json:"suggestedGroups"`
}

type saveRequest struct {
	LayoutType string         `json:"layoutType"`
	Layout     *layout.Layout `json:"layout"`
	IsGlobal   bool           `json:"isGlobal"`
}

type resetRequest struct {
	LayoutType string  `json:"layoutType"`
	UserRole   *string `json:"userRole"`
}

type layoutResponse struct {
	Success bool           `json:"success"`
	Layout  *layout.Layout `json:"layout"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	entityType := chi.URLParam(r, "entityType")

	result, err := h.layouts.Analyze(r.Context(), entityType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.permissions.Resolver(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// only fields the caller may read are described
	visible := &analyzer.Result{EntityType: result.EntityType, SampleSize: result.SampleSize}
	for _, fa := range result.Ranked {
		if res.CanRead(entityType, fa.FieldName) {
			visible.Ranked = append(visible.Ranked, fa)
		}
	}

	out := analysisResponse{
		EntityType:        result.EntityType,
		SampleSize:        result.SampleSize,
		Fields:            visible.Ranked,
		SignificantFields: []string{},
		SuggestedGroups:   visible.Groups(),
	}
	if out.Fields == nil {
		out.Fields = []analyzer.FieldAnalysis{}
	}
	if out.SuggestedGroups == nil {
		out.SuggestedGroups = []analyzer.Group{}
	}
	for _, fa := range visible.Significant(h.config.SignificantImportance) {
		out.SignificantFields = append(out.SignificantFields, fa.FieldName)
	}
	response.RenderJSON(w, http.StatusOK, out)
}

func (h *handler) recommend(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	role := roleParam(r, p)
	if err := h.authorizeRole(r.Context(), p, role); err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err := h.layouts.Recommend(r.Context(), chi.URLParam(r, "entityType"), layoutTypeParam(r), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, rec)
}

func (h *handler) save(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Layout == nil {
		h.fail(w, r, engine.Validationf("api.save", "layout is required"))
		return
	}

	l := req.Layout
	l.EntityType = chi.URLParam(r, "entityType")
	if req.LayoutType != "" {
		l.LayoutType = layout.Type(req.LayoutType)
	}

	saved, err := h.layouts.SaveLayout(r.Context(), principal(r), l, req.IsGlobal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, layoutResponse{Success: true, Layout: saved})
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p := principal(r)
	role := p.Role
	if req.UserRole != nil {
		role = *req.UserRole
	}

	if req.LayoutType == "" {
		req.LayoutType = string(layout.TypeDetail)
	}

	l, err := h.layouts.ResetLayout(r.Context(), p, chi.URLParam(r, "entityType"), req.LayoutType, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, layoutResponse{Success: true, Layout: l})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	role := roleParam(r, p)
	if err := h.authorizeRole(r.Context(), p, role); err != nil {
		h.fail(w, r, err)
		return
	}

	versions, err := h.layouts.History(r.Context(), chi.URLParam(r, "entityType"), layoutTypeParam(r), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []*layout.Layout{}
	}
	response.RenderJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (h *handler) trackInteraction(w http.ResponseWriter, r *http.Request) {
	var rec interactions.InteractionRecord
	if err := decode(w, r, &rec); err != nil {
		h.fail(w, r, err)
		return
	}

	accepted, err := h.tracker.TrackFieldInteraction(r.Context(), rec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusAccepted, acceptedResponse{Accepted: accepted})
}

func (h *handler) layoutFeedback(w http.ResponseWriter, r *http.Request) {
	var fb interactions.LayoutFeedback
	if err := decode(w, r, &fb); err != nil {
		h.fail(w, r, err)
		return
	}
	if fb.UserRole == "" {
		fb.UserRole = principal(r).Role
	}

	accepted, err := h.tracker.TrackLayoutFeedback(r.Context(), fb)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusAccepted, acceptedResponse{Accepted: accepted})
}

func (h *handler) refreshMetadata(w http.ResponseWriter, r *http.Request) {
	if err := h.layouts.RefreshMetadata(r.Context(), chi.URLParam(r, "entityType")); err != nil {
		h.fail(w, r, err)
		return
	}
	response.RenderJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// authorizeRole lets admins act on any role and everyone else on their own
func (h *handler) authorizeRole(ctx context.Context, p permissions.Principal, role string) error {
	if role == p.Role || p.IsAdmin {
		return nil
	}
	res, err := h.permissions.Resolver(ctx, p)
	if err != nil {
		return err
	}
	if !res.IsAdmin() {
		return engine.E(engine.ErrPermissionDenied, "api.authorizeRole",
			fmt.Errorf("role %q may not act for role %q", p.Role, role))
	}
	return nil
}

// fail renders err and logs what the caller cannot see
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := response.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	response.RenderError(w, err)
}

func principal(r *http.Request) permissions.Principal {
	p, _ := auth.CurrentPrincipal(r.Context())
	return p
}

// roleParam is the userRole query parameter, defaulting to the caller's role
func roleParam(r *http.Request, p permissions.Principal) string {
	if role := strings.TrimSpace(r.URL.Query().Get("userRole")); role != "" {
		return role
	}
	return p.Role
}

// layoutTypeParam is the layoutType query parameter, defaulting to detail
func layoutTypeParam(r *http.Request) string {
	if lt := r.URL.Query().Get("layoutType"); lt != "" {
		return lt
	}
	return string(layout.TypeDetail)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	const op = "api.decode"
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return engine.Validationf(op, "unsupported content type %q", ct)
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return engine.Validationf(op, "request body exceeds %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return engine.Validationf(op, "request body is required")
		default:
			return engine.Validationf(op, "malformed request body: %v", err)
		}
	}
	return nil
}
