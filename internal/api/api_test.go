package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/layoutd/internal/dispatch"
	"github.com/fieldops/layoutd/internal/interactions"
	"github.com/fieldops/layoutd/internal/layout"
	"github.com/fieldops/layoutd/internal/metadata"
	"github.com/fieldops/layoutd/internal/permissions"
	"github.com/fieldops/layoutd/internal/recommender"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/cache"
	"github.com/fieldops/layoutd/internal/web/ratelimit"
	"github.com/fieldops/layoutd/internal/web/websocket"
)

const eventsPerMinute = 5

var (
	admin      = permissions.Principal{UserID: "a1", Role: "admin"}
	technician = permissions.Principal{UserID: "u1", Role: "technician"}
	dispatcher = permissions.Principal{UserID: "u2", Role: "dispatcher"}
)

type fixture struct {
	server  *httptest.Server
	tokens  *auth.TokenService
	tracker *interactions.Tracker
	hub     *websocket.Hub
	grants  *permissions.MemoryStore
	cache   cache.Cache
}

func workOrder() metadata.EntityMetadata {
	return metadata.EntityMetadata{
		EntityType: "WorkOrder",
		Fields: []metadata.FieldDefinition{
			{Name: "number", Kind: metadata.KindText, Required: true},
			{Name: "status", Kind: metadata.KindEnum, Required: true, Options: []string{"open", "closed"}},
			{Name: "priority", Kind: metadata.KindEnum, Options: []string{"low", "high"}},
			{Name: "due_date", Kind: metadata.KindDate},
			{Name: "internal_notes", Kind: metadata.KindLongText},
			{Name: "comments", Kind: metadata.KindLongText},
		},
		NaturalKey: []string{"number"},
	}
}

func sample(n int) []metadata.Record {
	records := make([]metadata.Record, n)
	for i := range records {
		records[i] = metadata.Record{
			"number":   "WO-1",
			"status":   "open",
			"priority": "low",
			"due_date": "2026-01-01",
		}
		if i%2 == 0 {
			records[i]["internal_notes"] = "billing dispute"
			records[i]["comments"] = "replaced filter"
		}
	}
	return records
}

func newFixture(t *testing.T, checks map[string]HealthCheck) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, checks, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, checks map[string]HealthCheck, config Config) *fixture {
	t.Helper()
	mc := cache.NewMemoryCache()
	t.Cleanup(func() { mc.Close() })

	meta, err := metadata.NewStaticSource(metadata.Document{
		Entities: []metadata.EntityMetadata{workOrder()},
		Samples:  map[string][]metadata.Record{"WorkOrder": sample(20)},
	})
	require.NoError(t, err)

	store := permissions.NewMemoryStore()
	for _, p := range []permissions.Principal{admin, technician, dispatcher} {
		store.PutPrincipal(p)
	}
	store.PutGrant(permissions.Grant{Subject: "technician", EntityType: "WorkOrder", Read: true, Edit: true})
	store.PutGrant(permissions.Grant{Subject: "technician", EntityType: "WorkOrder", Field: "internal_notes", Read: false})
	store.PutGrant(permissions.Grant{Subject: "dispatcher", EntityType: "WorkOrder", Read: true})
	perms := permissions.NewService(store, mc, permissions.DefaultServiceConfig())

	pool := dispatch.NewPool(dispatch.PoolConfig{QueueSize: 16, Workers: 1, HandlerTimeout: time.Second})
	tracker := interactions.NewTracker(pool, interactions.NewMemoryCounterStore(time.Hour), nil, interactions.TrackerConfig{})
	pool.Start()
	t.Cleanup(func() { pool.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(nil)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	rec := recommender.New(recommender.Deps{
		Metadata:    metadata.NewCachedSource(meta, mc, metadata.CachedSourceConfig{TTL: time.Minute, Timeout: time.Second}),
		Permissions: perms,
		Layouts:     layout.NewMemoryStore(),
		Usage:       tracker,
		Cache:       mc,
		Events:      hub,
	}, recommender.DefaultConfig())

	limiter := ratelimit.NewTokenBucket(ratelimit.TokenBucketConfig{Capacity: eventsPerMinute, Window: time.Minute})
	t.Cleanup(func() { limiter.Close() })

	tokens := auth.NewTokenService("test-secret", time.Hour)
	router := NewRouter(Deps{
		Layouts:      rec,
		Permissions:  perms,
		Tracker:      tracker,
		Tokens:       tokens,
		Stream:       websocket.NewUpgrader(hub, nil),
		EventLimiter: limiter,
		Checks:       checks,
		Gauges: func() map[string]int {
			return map[string]int{"stream_clients": hub.ClientCount()}
		},
	}, config)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &fixture{server: server, tokens: tokens, tracker: tracker, hub: hub, grants: store, cache: mc}
}

func (f *fixture) do(t *testing.T, p *permissions.Principal, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p != nil {
		token, err := f.tokens.Issue(*p)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &body)
	return body.Code
}

func layoutBody(version int64, fields ...string) map[string]interface{} {
	section := layout.Section{Name: "Main"}
	for i, f := range fields {
		section.Fields = append(section.Fields, layout.Field{
			Name: f, Label: f, Kind: metadata.KindText, Width: layout.WidthHalf, Order: i + 1, Visible: true,
		})
	}
	return map[string]interface{}{
		"layoutType": "detail",
		"layout": &layout.Layout{
			LayoutType: layout.TypeDetail,
			UserRole:   layout.RolePtr("technician"),
			Version:    version,
			Tabs:       []layout.Tab{{Name: "Main", Sections: []layout.Section{section}}},
		},
	}
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		})
		resp := f.do(t, nil, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		decodeBody(t, resp, &body)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		f := newFixture(t, map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		resp := f.do(t, nil, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decodeBody(t, resp, &body)
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "ok", body.Checks["database"])
		assert.Equal(t, "unavailable", body.Checks["redis"])
	})
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{
		"/intelligence/layouts/WorkOrder",
		"/intelligence/analyze/WorkOrder",
		"/permissions/user/u1",
	} {
		resp := f.do(t, nil, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, &technician, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, resp))
}

func TestRecommend(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=detail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec recommender.Recommendation
	decodeBody(t, resp, &rec)
	require.NotNil(t, rec.Layout)
	assert.Equal(t, recommender.SourceSynthesized, rec.Source)
	assert.Less(t, rec.Confidence, 0.8)
	require.NotNil(t, rec.Layout.UserRole)
	assert.Equal(t, "technician", *rec.Layout.UserRole)
	assert.NotContains(t, rec.Layout.FieldNames(), "internal_notes")
	assert.Contains(t, rec.Layout.FieldNames(), "status")
}

func TestRecommend_RoleAuthorization(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?userRole=dispatcher", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, &admin, http.MethodGet, "/intelligence/layouts/WorkOrder?userRole=technician", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec recommender.Recommendation
	decodeBody(t, resp, &rec)
	assert.NotContains(t, rec.Layout.FieldNames(), "internal_notes")
}

func TestRecommend_Validation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=poster", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, &technician, http.MethodGet, "/intelligence/layouts/Invoice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyze_HidesUnreadableFields(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodGet, "/intelligence/analyze/WorkOrder", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		EntityType        string   `json:"entityType"`
		SampleSize        int      `json:"sampleSize"`
		SignificantFields []string `json:"significantFields"`
		Fields            []struct {
			FieldName string `json:"fieldName"`
		} `json:"fields"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "WorkOrder", body.EntityType)
	assert.Equal(t, 20, body.SampleSize)

	names := make([]string, 0, len(body.Fields))
	for _, fa := range body.Fields {
		names = append(names, fa.FieldName)
	}
	assert.NotContains(t, names, "internal_notes")
	assert.Contains(t, names, "number")
	assert.NotContains(t, body.SignificantFields, "internal_notes")
	for _, name := range body.SignificantFields {
		assert.Contains(t, names, name)
	}

	resp = f.do(t, &admin, http.MethodGet, "/intelligence/analyze/WorkOrder", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var full struct {
		Fields []struct {
			FieldName string `json:"fieldName"`
		} `json:"fields"`
	}
	decodeBody(t, resp, &full)
	assert.Len(t, full.Fields, len(workOrder().Fields))
}

func TestSaveLayout(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/save", layoutBody(0, "number", "status"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var saved layoutResponse
	decodeBody(t, resp, &saved)
	assert.True(t, saved.Success)
	assert.Equal(t, int64(1), saved.Layout.Version)
	assert.Equal(t, "WorkOrder", saved.Layout.EntityType)

	resp = f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=detail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec recommender.Recommendation
	decodeBody(t, resp, &rec)
	assert.Equal(t, recommender.SourcePersisted, rec.Source)
	assert.Equal(t, 1.0, rec.Confidence)
	assert.Equal(t, []string{"number", "status"}, rec.Layout.FieldNames())

	t.Run("stale version conflicts", func(t *testing.T) {
		resp := f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/save", layoutBody(0, "status"))
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "version_conflict", errorCode(t, resp))
	})

	t.Run("history keeps superseded versions", func(t *testing.T) {
		resp := f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/save", layoutBody(1, "status", "priority"))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder/history?layoutType=detail", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Versions []*layout.Layout `json:"versions"`
		}
		decodeBody(t, resp, &body)
		require.Len(t, body.Versions, 1)
		assert.Equal(t, int64(1), body.Versions[0].Version)
	})
}

func TestSaveLayout_Rejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		who    permissions.Principal
		body   interface{}
		status int
	}{
		{"other role", technician, func() interface{} {
			b := layoutBody(0, "status")
			b["layout"].(*layout.Layout).UserRole = layout.RolePtr("dispatcher")
			return b
		}(), http.StatusForbidden},
		{"no edit rights", dispatcher, func() interface{} {
			b := layoutBody(0, "status")
			b["layout"].(*layout.Layout).UserRole = layout.RolePtr("dispatcher")
			return b
		}(), http.StatusForbidden},
		{"unknown field", technician, layoutBody(0, "status", "mileage"), http.StatusBadRequest},
		{"missing layout", technician, map[string]interface{}{"layoutType": "detail"}, http.StatusBadRequest},
		{"malformed body", technician, `{"layout": [`, http.StatusBadRequest},
		{"empty body", technician, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who := tt.who
			resp := f.do(t, &who, http.MethodPost, "/intelligence/layouts/WorkOrder/save", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSaveLayout_AdminForAnyRole(t *testing.T) {
	f := newFixture(t, nil)

	body := layoutBody(0, "status")
	body["layout"].(*layout.Layout).UserRole = layout.RolePtr("dispatcher")
	resp := f.do(t, &admin, http.MethodPost, "/intelligence/layouts/WorkOrder/save", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, &dispatcher, http.MethodGet, "/intelligence/layouts/WorkOrder", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec recommender.Recommendation
	decodeBody(t, resp, &rec)
	assert.Equal(t, recommender.SourcePersisted, rec.Source)
}

func TestResetLayout(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/save", layoutBody(0, "status"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/reset", map[string]string{"layoutType": "detail"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reset layoutResponse
	decodeBody(t, resp, &reset)
	assert.True(t, reset.Success)
	assert.Equal(t, int64(2), reset.Layout.Version)
	assert.NotContains(t, reset.Layout.FieldNames(), "internal_notes")

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/reset",
		map[string]string{"layoutType": "detail", "userRole": "dispatcher"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTrackInteraction(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/track-interaction", map[string]string{
		"entityType":      "WorkOrder",
		"fieldName":       "priority",
		"interactionType": "edit",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body acceptedResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Accepted)

	require.Eventually(t, func() bool {
		counters, err := f.tracker.Counters(context.Background(), "WorkOrder")
		return err == nil && counters.Fields["priority"].Edits > 0
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/track-interaction", map[string]string{
		"entityType":      "WorkOrder",
		"fieldName":       "priority",
		"interactionType": "hover",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackInteraction_RateLimited(t *testing.T) {
	f := newFixture(t, nil)
	event := map[string]string{
		"entityType":      "WorkOrder",
		"fieldName":       "status",
		"interactionType": "view",
	}

	for i := 0; i < eventsPerMinute; i++ {
		resp := f.do(t, &technician, http.MethodPost, "/intelligence/track-interaction", event)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/track-interaction", event)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, resp))

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/layout-feedback", map[string]string{
		"entityType": "WorkOrder",
		"layoutType": "detail",
		"feedback":   "positive",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "feedback shares the event budget")

	resp = f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=detail", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestLayoutFeedback(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/layout-feedback", map[string]string{
		"entityType": "WorkOrder",
		"layoutType": "detail",
		"feedback":   "negative",
		"comments":   "too many tabs",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		tally, err := f.tracker.Feedback(context.Background(), interactions.FeedbackKey{
			EntityType: "WorkOrder", LayoutType: "detail", Role: "technician",
		})
		return err == nil && tally.Negative == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/layout-feedback", map[string]string{
		"entityType": "WorkOrder",
		"layoutType": "detail",
		"feedback":   "meh",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectsNonJSONBody(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/intelligence/track-interaction", strings.NewReader("entityType=WorkOrder"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	token, err := f.tokens.Issue(technician)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserPermissions(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodGet, "/permissions/user/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perms permissions.UserPermissions
	decodeBody(t, resp, &perms)
	assert.Equal(t, "technician", perms.Role)
	assert.False(t, perms.IsAdmin)
	wo := perms.Entities["WorkOrder"]
	assert.True(t, wo.Edit)
	assert.False(t, wo.Fields["internal_notes"].Read)

	resp = f.do(t, &technician, http.MethodGet, "/permissions/user/u2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, &admin, http.MethodGet, "/permissions/user/u2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &perms)
	assert.Equal(t, "dispatcher", perms.Role)

	resp = f.do(t, &admin, http.MethodGet, "/permissions/user/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &technician, http.MethodPost, "/permissions/user/u1/clear-cache", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	decodeBody(t, resp, &body)
	assert.True(t, body["success"])

	resp = f.do(t, &dispatcher, http.MethodPost, "/permissions/user/u1/clear-cache", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClearCache_WithRole(t *testing.T) {
	f := newFixture(t, nil)
	fields := func() []string {
		resp := f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=detail", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var rec recommender.Recommendation
		decodeBody(t, resp, &rec)
		return rec.Layout.FieldNames()
	}

	assert.Contains(t, fields(), "status")
	f.grants.PutGrant(permissions.Grant{Subject: "technician", EntityType: "WorkOrder", Field: "status", Read: false})
	assert.Contains(t, fields(), "status")

	resp := f.do(t, &dispatcher, http.MethodPost, "/permissions/user/u2/clear-cache?role=technician", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, &technician, http.MethodPost, "/permissions/user/u1/clear-cache?role=technician", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, fields(), "status")
}

func TestRefreshMetadata(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.do(t, &technician, http.MethodGet, "/intelligence/layouts/WorkOrder?layoutType=detail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := f.cache.Get(ctx, cache.MetadataKey("WorkOrder"))
	require.NoError(t, err)
	_, err = f.cache.Get(ctx, cache.RecommendationKey("WorkOrder", "detail", "technician"))
	require.NoError(t, err)

	resp = f.do(t, &technician, http.MethodPost, "/intelligence/metadata/WorkOrder/refresh", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, &admin, http.MethodPost, "/intelligence/metadata/WorkOrder/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	decodeBody(t, resp, &body)
	assert.True(t, body["success"])

	_, err = f.cache.Get(ctx, cache.MetadataKey("WorkOrder"))
	assert.True(t, cache.IsCacheMiss(err))
	_, err = f.cache.Get(ctx, cache.SampleKey("WorkOrder"))
	assert.True(t, cache.IsCacheMiss(err))
	_, err = f.cache.Get(ctx, cache.RecommendationKey("WorkOrder", "detail", "technician"))
	assert.True(t, cache.IsCacheMiss(err))
}

func TestLayoutStream(t *testing.T) {
	f := newFixture(t, nil)

	token, err := f.tokens.Issue(technician)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/intelligence/layouts/stream?entityType=WorkOrder&token=" + token
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	resp := f.do(t, &technician, http.MethodPost, "/intelligence/layouts/WorkOrder/save", layoutBody(0, "status"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, recommender.EventLayoutSaved, msg.Type)
	var event recommender.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "WorkOrder", event.EntityType)
	assert.Equal(t, int64(1), event.Version)
}

func TestLayoutStream_RequiresToken(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/intelligence/layouts/stream"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProfiling(t *testing.T) {
	config := DefaultConfig()
	config.Profiling = true
	f := newFixtureWithConfig(t, nil, config)

	resp := f.do(t, &admin, http.MethodGet, "/debug/pprof/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Goroutines int            `json:"goroutines"`
		Gauges     map[string]int `json:"gauges"`
	}
	decodeBody(t, resp, &stats)
	assert.Greater(t, stats.Goroutines, 0)
	assert.Contains(t, stats.Gauges, "stream_clients")

	resp = f.do(t, &technician, http.MethodGet, "/debug/pprof/heap", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, nil, http.MethodGet, "/debug/pprof/heap", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProfiling_DisabledByDefault(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, &admin, http.MethodGet, "/debug/pprof/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
