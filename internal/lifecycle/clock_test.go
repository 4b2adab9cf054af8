package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanepool/internal/config"
	"lanepool/internal/db"
	"lanepool/internal/domain"
	"lanepool/internal/engine"
	"lanepool/internal/lane"
	"lanepool/internal/lifecycle"
	"lanepool/internal/migrate"
	"lanepool/internal/repo"
)

type testEnv struct {
	Ctx    context.Context
	Engine *engine.Engine
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	env.Engine = &eng
	return env
}

func (env *testEnv) poolFor(t *testing.T, cutoff string) string {
	t.Helper()
	res, err := env.Engine.SubmitItem(env.Ctx, engine.SubmitItemInput{
		OwnerID:    "owner",
		Lane:       lane.Input{Origin: "SGSIN", Destination: "USLAX", Mode: "sea", Cutoff: cutoff},
		Dimensions: domain.Dimensions{LengthCM: 100, WidthCM: 100, HeightCM: 100},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.PoolID)
	return res.PoolID
}

func (env *testEnv) status(t *testing.T, id string) string {
	t.Helper()
	p, err := env.Engine.GetPool(env.Ctx, id)
	require.NoError(t, err)
	return p.Status
}

func (env *testEnv) statusEvents(t *testing.T, id string) int {
	t.Helper()
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, nil, repo.EventFilters{PoolID: id, Type: domain.EventStatusChanged})
	require.NoError(t, err)
	return len(evts)
}

func TestTickClosesThenBooks(t *testing.T) {
	env := newTestEnv(t)
	due := env.poolFor(t, "2026-04-01T10:00:00Z")
	later := env.poolFor(t, "2026-04-09T10:00:00Z")
	clock := lifecycle.New(*env.Engine, 24*time.Hour, false, nil)

	res, err := clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Closing)
	assert.Empty(t, res.Booked)

	env.now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{due}, res.Closing)
	assert.Equal(t, domain.PoolClosing, env.status(t, due))
	assert.Equal(t, domain.PoolOpen, env.status(t, later))

	// a repeated tick is a no-op
	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Closing)
	assert.Equal(t, 1, env.statusEvents(t, due))

	// grace not yet over
	env.now = time.Date(2026, 4, 2, 9, 59, 59, 0, time.UTC)
	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Booked)

	env.now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{due}, res.Booked)
	assert.Equal(t, domain.PoolBooked, env.status(t, due))
	assert.Equal(t, 2, env.statusEvents(t, due))

	// booked pools are left alone
	env.now = env.now.Add(30 * 24 * time.Hour)
	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{later}, res.Closing)
	assert.Empty(t, res.Booked)
	assert.Equal(t, domain.PoolBooked, env.status(t, due))
	assert.Equal(t, 2, env.statusEvents(t, due))
}

func TestTickMovesOverduePoolOneStepAtATime(t *testing.T) {
	env := newTestEnv(t)
	id := env.poolFor(t, "2026-04-01T10:00:00Z")
	clock := lifecycle.New(*env.Engine, time.Hour, false, nil)

	env.now = time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)
	res, err := clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Closing)
	assert.Empty(t, res.Booked)

	res, err = clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Booked)
}

func TestTickAutoBooks(t *testing.T) {
	env := newTestEnv(t)
	id := env.poolFor(t, "2026-04-01T10:00:00Z")
	clock := lifecycle.New(*env.Engine, 0, true, nil)

	env.now = time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC)
	_, err := clock.Tick(env.Ctx)
	require.NoError(t, err)
	res, err := clock.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Confirmed)

	p, err := env.Engine.GetPool(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolBooked, p.Status)
	require.NotNil(t, p.BookingRef)
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, nil, repo.EventFilters{PoolID: id, Type: domain.EventBookingConfirmed})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
	assert.Equal(t, 2, env.statusEvents(t, id))
}
