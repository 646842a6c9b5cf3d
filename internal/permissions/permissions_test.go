package permissions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/layoutd/internal/database"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/web/cache"
)

func technician() *UserPermissions {
	return &UserPermissions{
		UserID: "u1",
		Role:   "technician",
		Entities: map[string]EntityPermissions{
			"WorkOrder": {
				Read: true,
				Edit: true,
				Fields: map[string]FieldPermission{
					"comments": {Read: false, Edit: false},
					"priority": {Read: true, Edit: false},
				},
			},
		},
	}
}

func TestResolver_AdminOverridesEverything(t *testing.T) {
	snapshots := []*UserPermissions{
		{IsAdmin: true},
		{IsAdmin: true, Entities: map[string]EntityPermissions{
			"WorkOrder": {Fields: map[string]FieldPermission{"comments": {}}},
		}},
	}
	for _, perms := range snapshots {
		r := NewResolver(perms)
		assert.True(t, r.CanCreate("WorkOrder"))
		assert.True(t, r.CanRead("WorkOrder", ""))
		assert.True(t, r.CanRead("WorkOrder", "comments"))
		assert.True(t, r.CanEdit("WorkOrder", "comments"))
		assert.True(t, r.CanDelete("WorkOrder"))
		assert.True(t, r.CanRead("Invoice", "total"))
		assert.Equal(t, []string{"a", "b"}, r.ReadableFields("Invoice", []string{"a", "b"}))
	}
}

func TestResolver_AbsentEntityDeniesAll(t *testing.T) {
	r := NewResolver(technician())
	assert.False(t, r.CanCreate("Invoice"))
	assert.False(t, r.CanRead("Invoice", ""))
	assert.False(t, r.CanRead("Invoice", "total"))
	assert.False(t, r.CanEdit("Invoice", ""))
	assert.False(t, r.CanDelete("Invoice"))
	assert.Empty(t, r.ReadableFields("Invoice", []string{"total"}))

	assert.False(t, NewResolver(nil).CanRead("WorkOrder", ""))
}

func TestResolver_FieldGrants(t *testing.T) {
	r := NewResolver(technician())

	tests := []struct {
		name  string
		check func() bool
		want  bool
	}{
		{name: "entity read", check: func() bool { return r.CanRead("WorkOrder", "") }, want: true},
		{name: "entity create", check: func() bool { return r.CanCreate("WorkOrder") }, want: false},
		{name: "field read override", check: func() bool { return r.CanRead("WorkOrder", "comments") }, want: false},
		{name: "field edit override", check: func() bool { return r.CanEdit("WorkOrder", "priority") }, want: false},
		{name: "field read granted", check: func() bool { return r.CanRead("WorkOrder", "priority") }, want: true},
		{name: "absent field falls back to read", check: func() bool { return r.CanRead("WorkOrder", "status") }, want: true},
		{name: "absent field falls back to edit", check: func() bool { return r.CanEdit("WorkOrder", "status") }, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check())
		})
	}
}

func TestResolver_FallbackUsesSameVerb(t *testing.T) {
	r := NewResolver(&UserPermissions{Entities: map[string]EntityPermissions{
		"WorkOrder": {Read: false, Edit: true},
	}})
	assert.False(t, r.CanRead("WorkOrder", "status"))
	assert.True(t, r.CanEdit("WorkOrder", "status"))
}

func TestResolver_ReadableFieldsScenario(t *testing.T) {
	r := NewResolver(technician())

	assert.False(t, r.CanRead("WorkOrder", "comments"))
	assert.Equal(t, []string{"status"}, r.ReadableFields("WorkOrder", []string{"status", "comments"}))
	assert.Equal(t, []string{"status", "site"}, r.EditableFields("WorkOrder", []string{"status", "priority", "site", "comments"}))
	assert.Equal(t, []string{"z", "a", "m"}, r.ReadableFields("WorkOrder", []string{"z", "a", "m"}))
}

func TestMerge(t *testing.T) {
	grants := []Grant{
		{Subject: "technician", EntityType: "WorkOrder", Read: true},
		{Subject: "technician", EntityType: "WorkOrder", Field: "comments", Read: true},
		{Subject: "u1", EntityType: "WorkOrder", Field: "comments", Read: false},
		{Subject: "u1", EntityType: "Asset", Field: "serial", Read: true},
	}
	up := Merge(Principal{UserID: "u1", Role: "technician"}, grants)

	require.Contains(t, up.Entities, "WorkOrder")
	assert.True(t, up.Entities["WorkOrder"].Read)
	assert.False(t, up.Entities["WorkOrder"].Fields["comments"].Read)

	// a field grant alone creates the entity row with entity verbs denied
	r := NewResolver(up)
	assert.False(t, r.CanRead("Asset", ""))
	assert.True(t, r.CanRead("Asset", "serial"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	store.PutPrincipal(Principal{UserID: "u1", Role: "technician"})
	store.PutGrant(Grant{Subject: "technician", EntityType: "WorkOrder", Read: true})
	store.PutGrant(Grant{Subject: "technician", EntityType: "WorkOrder", Read: true, Edit: true})
	store.PutGrant(Grant{Subject: "u1", EntityType: "WorkOrder", Field: "comments"})
	ctx := context.Background()

	p, err := store.Principal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "technician", p.Role)

	_, err = store.Principal(ctx, "nobody")
	assert.True(t, engine.Is(err, engine.ErrNotFound))

	grants, err := store.Grants(ctx, "technician", "u1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.True(t, grants[0].Edit)
	assert.Equal(t, "comments", grants[1].Field)
}

func TestMemoryStore_LoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"principals": [{"userId": "u9", "role": "dispatcher"}],
		"grants": [{"subject": "dispatcher", "entityType": "WorkOrder", "read": true}]
	}`), 0644))

	store := NewMemoryStore()
	require.NoError(t, store.LoadSeed(path))

	grants, err := store.Grants(context.Background(), "dispatcher")
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
	assert.True(t, engine.Is(store.LoadSeed(path), engine.ErrValidation))
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	_, err = database.Migrate(ctx, db, nil)
	require.NoError(t, err)

	store := NewSQLStore(db)
	require.NoError(t, store.PutPrincipal(ctx, Principal{UserID: "u1", Role: "technician"}))
	require.NoError(t, store.PutPrincipal(ctx, Principal{UserID: "u1", Role: "supervisor", IsAdmin: true}))
	require.NoError(t, store.PutGrant(ctx, Grant{Subject: "supervisor", EntityType: "WorkOrder", Read: true}))
	require.NoError(t, store.PutGrant(ctx, Grant{Subject: "u1", EntityType: "WorkOrder", Field: "comments", Read: false}))
	require.NoError(t, store.PutGrant(ctx, Grant{Subject: "u1", EntityType: "WorkOrder", Field: "comments", Read: true, Edit: true}))

	p, err := store.Principal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Role: "supervisor", IsAdmin: true}, p)

	_, err = store.Principal(ctx, "nobody")
	assert.True(t, engine.Is(err, engine.ErrNotFound))

	grants, err := store.Grants(ctx, "supervisor", "u1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "supervisor", grants[0].Subject)
	assert.Equal(t, "u1", grants[1].Subject)
	assert.True(t, grants[1].Edit)

	none, err := store.Grants(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLStore_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT subject, entity_type").
		WithArgs("technician").
		WillReturnError(errors.New("connection reset"))

	_, err = NewSQLStore(db).Grants(context.Background(), "technician")
	assert.True(t, engine.Is(err, engine.ErrUpstreamUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// countingStore counts Grants calls
type countingStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (c *countingStore) Grants(ctx context.Context, subjects ...string) ([]Grant, error) {
	c.calls.Add(1)
	return c.MemoryStore.Grants(ctx, subjects...)
}

func newTestService(t *testing.T) (*Service, *countingStore) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	store.PutPrincipal(Principal{UserID: "u1", Role: "technician"})
	store.PutGrant(Grant{Subject: "technician", EntityType: "WorkOrder", Read: true})

	mc := cache.NewMemoryCache()
	t.Cleanup(func() { mc.Close() })

	config := DefaultServiceConfig()
	config.TTL = time.Minute
	return NewService(store, mc, config), store
}

func TestService_CachesUntilCleared(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := Principal{UserID: "u1", Role: "technician"}

	perms, err := svc.ForPrincipal(ctx, p)
	require.NoError(t, err)
	assert.True(t, perms.Entities["WorkOrder"].Read)

	// a grant change is not visible until the cache is cleared
	store.PutGrant(Grant{Subject: "technician", EntityType: "WorkOrder", Read: false})
	for i := 0; i < 3; i++ {
		perms, err = svc.ForPrincipal(ctx, p)
		require.NoError(t, err)
		assert.True(t, perms.Entities["WorkOrder"].Read)
	}
	assert.Equal(t, int32(1), store.calls.Load())

	require.NoError(t, svc.ClearCache(ctx, "u1", ""))
	perms, err = svc.ForPrincipal(ctx, p)
	require.NoError(t, err)
	assert.False(t, perms.Entities["WorkOrder"].Read)
	assert.Equal(t, int32(2), store.calls.Load())

	assert.True(t, engine.Is(svc.ClearCache(ctx, "", ""), engine.ErrValidation))
}

func TestService_PrincipalAndStoredUserCachedApart(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stored, err := svc.ForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "technician", stored.Role)
	assert.False(t, stored.IsAdmin)

	// the token's role decides, not whichever loader ran first
	r, err := svc.Resolver(ctx, Principal{UserID: "u1", Role: "admin"})
	require.NoError(t, err)
	assert.True(t, r.IsAdmin())
	assert.Equal(t, "admin", r.Permissions().Role)

	r, err = svc.Resolver(ctx, Principal{UserID: "u1", Role: "technician"})
	require.NoError(t, err)
	assert.False(t, r.IsAdmin())
	assert.True(t, r.CanRead("WorkOrder", ""))

	stored, err = svc.ForUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, stored.IsAdmin)
}

func TestService_ClearCacheWithRole(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	c := svc.snapshots.Cache()

	_, err := svc.ForRole(ctx, "technician")
	require.NoError(t, err)
	_, err = svc.ForPrincipal(ctx, Principal{UserID: "u1", Role: "technician"})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, cache.RecommendationKey("WorkOrder", "detail", "technician"), []byte(`{}`), time.Minute))
	assert.Equal(t, int32(2), store.calls.Load())

	require.NoError(t, svc.ClearCache(ctx, "u1", ""))
	_, err = c.Get(ctx, cache.RecommendationKey("WorkOrder", "detail", "technician"))
	assert.NoError(t, err)
	_, err = svc.ForRole(ctx, "technician")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())

	store.PutGrant(Grant{Subject: "technician", EntityType: "WorkOrder", Read: false})
	require.NoError(t, svc.ClearCache(ctx, "u1", "technician"))
	_, err = c.Get(ctx, cache.RecommendationKey("WorkOrder", "detail", "technician"))
	assert.True(t, cache.IsCacheMiss(err))

	role, err := svc.ForRole(ctx, "technician")
	require.NoError(t, err)
	assert.False(t, role.Entities["WorkOrder"].Read)
	perms, err := svc.ForPrincipal(ctx, Principal{UserID: "u1", Role: "technician"})
	require.NoError(t, err)
	assert.False(t, perms.Entities["WorkOrder"].Read)
	assert.Equal(t, int32(4), store.calls.Load())
}

func TestService_ForUserAndRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	perms, err := svc.ForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "technician", perms.Role)
	assert.True(t, perms.Entities["WorkOrder"].Read)

	_, err = svc.ForUser(ctx, "ghost")
	assert.True(t, engine.Is(err, engine.ErrNotFound))

	admin, err := svc.ForRole(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	global, err := svc.ForRole(ctx, "")
	require.NoError(t, err)
	assert.False(t, NewResolver(global).CanRead("WorkOrder", ""))

	r, err := svc.Resolver(ctx, Principal{UserID: "u2", Role: "admin"})
	require.NoError(t, err)
	assert.True(t, r.IsAdmin())
}
