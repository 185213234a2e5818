package session

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
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "hwm.db"), WALMode: true, BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), migrations.FS))
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	activated := at(10)
	s := &Session{
		ID:          "ses-1",
		UserID:      "alice",
		PipelineID:  "P1",
		Interval:    window(10, 20),
		State:       StateActive,
		Version:     3,
		CreatedAt:   at(0),
		UpdatedAt:   at(10),
		ActivatedAt: &activated,
	}
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.True(t, got.Interval.Start.Equal(at(10)))
	assert.True(t, got.Interval.End.Equal(at(20)))
	require.NotNil(t, got.ActivatedAt)
	assert.True(t, got.ActivatedAt.Equal(activated))
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Reason)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteRepository_StaleVersionIgnored(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	s := &Session{ID: "ses-1", UserID: "alice", PipelineID: "P1", Interval: window(10, 20), CreatedAt: at(0)}

	s.State, s.Version, s.UpdatedAt = StateActive, 3, at(10)
	require.NoError(t, repo.Save(ctx, s))

	stale := *s
	stale.State, stale.Version, stale.UpdatedAt = StateScheduled, 2, at(1)
	require.NoError(t, repo.Save(ctx, &stale))

	got, err := repo.Get(ctx, "ses-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 3, got.Version)

	s.State, s.Version, s.Reason = StateCompleted, 4, ReasonWindowElapsed
	require.NoError(t, repo.Save(ctx, s))
	got, _ = repo.Get(ctx, "ses-1")
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, ReasonWindowElapsed, got.Reason)
}

func TestSQLiteRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	rows := []Session{
		{ID: "a", UserID: "alice", PipelineID: "P1", Interval: window(30, 40), State: StateScheduled},
		{ID: "b", UserID: "bob", PipelineID: "P1", Interval: window(10, 20), State: StateCompleted},
		{ID: "c", UserID: "alice", PipelineID: "P2", Interval: window(20, 30), State: StatePending},
	}
	for i := range rows {
		rows[i].Version = 1
		rows[i].CreatedAt, rows[i].UpdatedAt = t0, t0
		require.NoError(t, repo.Save(ctx, &rows[i]))
	}

	ids := func(list []Session) []string {
		var out []string
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}

	all, err := repo.List(ctx, Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(all))

	live, err := repo.List(ctx, Filter{States: []State{StatePending, StateScheduled}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(live))

	alice, err := repo.List(ctx, Filter{UserID: "alice", PipelineID: "P1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(alice))

	first, err := repo.List(ctx, Filter{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(first))
}

func TestCoordinator_ArchivesAndRecovers(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	h := newHarness(t, []string{"D1", "D2"}, map[string][]string{"P1": {"D1"}, "P2": {"D2"}})
	h.coord.SetRepository(repo)

	active, err := h.coord.Request(ctx, "alice", "P1", window(10, 20))
	require.NoError(t, err)
	scheduled, err := h.coord.Request(ctx, "bob", "P1", window(30, 40))
	require.NoError(t, err)
	pending, err := h.coord.Submit(ctx, "carol", "P2", window(50, 60))
	require.NoError(t, err)
	_, err = h.coord.Request(ctx, "dave", "P1", window(35, 45))
	require.ErrorIs(t, err, ErrResourceConflict)

	h.clock.Set(at(10))
	h.coord.Tick(ctx)

	stored, err := repo.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)

	// Simulate a restart: fresh devices, pipelines and coordinator over
	// the same archive.
	restarted := newHarness(t, []string{"D1", "D2"}, map[string][]string{"P1": {"D1"}, "P2": {"D2"}})
	restarted.clock.Set(at(12))
	restarted.coord.SetRepository(repo)

	n, err := restarted.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, StateActive, restarted.state(t, active.ID))
	assert.Equal(t, StateScheduled, restarted.state(t, scheduled.ID))
	assert.Equal(t, StateScheduled, restarted.state(t, pending.ID))

	p1, _ := restarted.pipelines.Get("P1")
	assert.True(t, p1.Active(), "recovered active session re-reserves its pipeline")
	assert.Equal(t, []string{"P1"}, restarted.fake(t, "D1").Prepared())

	restarted.clock.Set(at(20))
	restarted.coord.Tick(ctx)
	stored, err = repo.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)

	// Terminal sessions no longer in memory are served from the archive.
	restarted.coord.cfg.Retention = time.Second
	restarted.clock.Set(at(25))
	restarted.coord.Tick(ctx)
	got, err := restarted.coord.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestCoordinator_RecoverDropsRemovedPipelines(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	h := newHarness(t, []string{"D1"}, map[string][]string{"P1": {"D1"}})
	h.coord.SetRepository(repo)
	s, err := h.coord.Request(ctx, "alice", "P1", window(10, 20))
	require.NoError(t, err)

	restarted := newHarness(t, []string{"D1"}, nil)
	restarted.coord.SetRepository(repo)
	_, err = restarted.coord.Recover(ctx)
	require.NoError(t, err)

	got, err := restarted.coord.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, ReasonPipelineRemoved, got.Reason)
}

func TestSQLiteRepository_Services(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	s := &Session{
		ID:         "ses-svc",
		UserID:     "alice",
		PipelineID: "P1",
		Interval:   window(10, 20),
		State:      StateScheduled,
		Services:   map[string]string{"tracker": "sgp4"},
		Version:    2,
		CreatedAt:  at(0),
		UpdatedAt:  at(0),
	}
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, "ses-svc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tracker": "sgp4"}, got.Services)
}
