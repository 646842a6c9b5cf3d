package layout

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/layoutd/internal/database"
	"github.com/fieldops/layoutd/internal/engine"
	"github.com/fieldops/layoutd/internal/metadata"
)

func sampleLayout(role string) *Layout {
	return &Layout{
		EntityType: "WorkOrder",
		LayoutType: TypeDetail,
		UserRole:   RolePtr(role),
		Tabs: []Tab{{
			Name: "Main",
			Sections: []Section{{
				Name: "General",
				Fields: []Field{
					{Name: "status", Label: "Status", Kind: metadata.KindEnum, Width: WidthHalf, Order: 1, Visible: true},
					{Name: "comments", Label: "Comments", Kind: metadata.KindLongText, Width: WidthFull, Order: 2, Visible: true},
				},
			}},
		}},
	}
}

func setupSQLStore(t *testing.T) *SQLStore {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = database.Migrate(ctx, db, nil)
	require.NoError(t, err)
	return NewSQLStore(db)
}

// stores runs fn against every Store implementation
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupSQLStore(t)) })
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"detail", "list", "edit", "mobile", "print", "custom", " Detail "} {
		_, err := ParseType(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseType("grid")
	assert.True(t, engine.Is(err, engine.ErrValidation))
	_, err = ParseType("")
	assert.True(t, engine.Is(err, engine.ErrValidation))
}

func TestLayout_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(l *Layout)
		wantErr bool
	}{
		{name: "valid", mutate: func(l *Layout) {}},
		{name: "missing entity", mutate: func(l *Layout) { l.EntityType = "" }, wantErr: true},
		{name: "bad layout type", mutate: func(l *Layout) { l.LayoutType = "grid" }, wantErr: true},
		{name: "blank role", mutate: func(l *Layout) { blank := " "; l.UserRole = &blank }, wantErr: true},
		{name: "negative version", mutate: func(l *Layout) { l.Version = -1 }, wantErr: true},
		{name: "duplicate field", mutate: func(l *Layout) { l.Tabs[0].Sections[0].Fields[1].Name = "status" }, wantErr: true},
		{name: "bad width", mutate: func(l *Layout) { l.Tabs[0].Sections[0].Fields[0].Width = "wide" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := sampleLayout("technician")
			tt.mutate(l)
			err := l.Validate()
			if tt.wantErr {
				assert.True(t, engine.Is(err, engine.ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLayout_CloneAndFilter(t *testing.T) {
	original := sampleLayout("technician")
	clone := original.Clone()

	clone.Filter(func(f Field) bool { return f.Name != "comments" })
	*clone.UserRole = "dispatcher"

	assert.Equal(t, []string{"status"}, clone.FieldNames())
	assert.Equal(t, []string{"status", "comments"}, original.FieldNames())
	assert.Equal(t, "technician", *original.UserRole)

	clone.Filter(func(f Field) bool { return false })
	assert.Empty(t, clone.Tabs[0].Sections)
}

func TestKey(t *testing.T) {
	k := sampleLayout("technician").Key()
	assert.Equal(t, Key{EntityType: "WorkOrder", LayoutType: TypeDetail, Role: "technician"}, k)
	assert.Equal(t, Key{EntityType: "WorkOrder", LayoutType: TypeDetail}, k.Global())
	assert.Equal(t, "WorkOrder/detail/<global>", k.Global().String())
	assert.Nil(t, RolePtr(""))
}

func TestStore_SaveIncrementsVersion(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := Key{EntityType: "WorkOrder", LayoutType: TypeDetail, Role: "technician"}

		_, err := s.Get(ctx, key)
		assert.True(t, engine.Is(err, engine.ErrNotFound))

		first, err := s.Save(ctx, sampleLayout("technician"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)
		assert.NotEmpty(t, first.ID)

		second, err := s.Save(ctx, sampleLayout("technician"), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)
		assert.Equal(t, first.ID, second.ID)

		// repeating the save with the now stale version is rejected
		_, err = s.Save(ctx, sampleLayout("technician"), 1)
		assert.True(t, engine.Is(err, engine.ErrVersionConflict))
		_, err = s.Save(ctx, sampleLayout("technician"), 0)
		assert.True(t, engine.Is(err, engine.ErrVersionConflict))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, []string{"status", "comments"}, got.FieldNames())
		require.NotNil(t, got.UserRole)
		assert.Equal(t, "technician", *got.UserRole)

		history, err := s.History(ctx, key)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, int64(1), history[0].Version)
	})
}

func TestStore_GlobalAndRoleAreSeparate(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Save(ctx, sampleLayout(""), 0)
		require.NoError(t, err)
		_, err = s.Save(ctx, sampleLayout("technician"), 0)
		require.NoError(t, err)

		global, err := s.Get(ctx, Key{EntityType: "WorkOrder", LayoutType: TypeDetail})
		require.NoError(t, err)
		assert.Nil(t, global.UserRole)
		assert.Equal(t, int64(1), global.Version)
	})
}

func TestStore_ConcurrentSavesExactlyOneWins(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Save(ctx, sampleLayout("technician"), 0)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.Save(ctx, sampleLayout("technician"), 1)
			}(i)
		}
		wg.Wait()

		succeeded, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case engine.Is(err, engine.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		got, err := s.Get(ctx, Key{EntityType: "WorkOrder", LayoutType: TypeDetail, Role: "technician"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestSQLStore_UpdateRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	columns := []string{"id", "entity_type", "layout_type", "user_role", "is_default", "version", "tabs", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM layouts")).
		WithArgs("WorkOrder", "detail", "technician").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("id-1", "WorkOrder", "detail", "technician", false, int64(3), `[]`, time.Now()))
	// another writer bumped the row between read and update
	mock.ExpectExec(regexp.QuoteMeta("UPDATE layouts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = NewSQLStore(db).Save(context.Background(), sampleLayout("technician"), 3)
	assert.True(t, engine.Is(err, engine.ErrVersionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM layouts")).WillReturnError(context.DeadlineExceeded)

	_, err = NewSQLStore(db).Get(context.Background(), Key{EntityType: "WorkOrder", LayoutType: TypeDetail})
	assert.True(t, engine.Is(err, engine.ErrUpstreamUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}
