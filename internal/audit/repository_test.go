package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/infrastructure/database"
	"github.com/nerrad567/hwm-core/migrations"
)

func openRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "audit.db"), BusyTimeout: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), migrations.FS))
	return NewSQLiteRepository(db.DB)
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{Action: ActionCommand, EntityType: EntityDevice, EntityID: "radio-1", UserID: "alice", Source: "api",
			Details: map[string]any{"verb": "tune"}, CreatedAt: base},
		{Action: ActionCommandDenied, EntityType: EntityDevice, EntityID: "radio-1", UserID: "bob", Source: "mqtt",
			CreatedAt: base.Add(time.Second)},
		{Action: ActionCommand, EntityType: EntitySystem, EntityID: "station", UserID: "alice", Source: "api",
			CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, repo.Create(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, defaultLimit, all.Limit)
	require.Len(t, all.Entries, 3)
	assert.Equal(t, entries[2].ID, all.Entries[0].ID, "newest first")
	assert.Equal(t, "tune", all.Entries[2].Details["verb"])
	assert.True(t, all.Entries[2].CreatedAt.Equal(base))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by action", Filter{Action: ActionCommand}, 2},
		{"by entity type", Filter{EntityType: EntityDevice}, 2},
		{"by entity", Filter{EntityID: "station"}, 1},
		{"by user", Filter{UserID: "bob"}, 1},
		{"since", Filter{Since: base.Add(time.Second)}, 2},
		{"combined", Filter{Action: ActionCommand, UserID: "alice", EntityType: EntityDevice}, 1},
		{"no match", Filter{UserID: "mallory"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Total)
			assert.Len(t, got.Entries, tt.want)
		})
	}
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	for range 5 {
		require.NoError(t, repo.Create(ctx, &Entry{Action: ActionLogin, EntityType: EntityOperator, Source: "api"}))
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Entries, 1)

	clamped, err := repo.List(ctx, Filter{Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, clamped.Limit)
	assert.Equal(t, 0, clamped.Offset)
}
