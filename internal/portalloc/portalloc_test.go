package portalloc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"modelplane/internal/apperr"
	"modelplane/internal/database"
	"modelplane/internal/repositories"
)

func newUUID() uuid.UUID { return uuid.New() }

func newTestAllocator(t *testing.T, min, max int) *Allocator {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dbPath := filepath.Join(t.TempDir(), "control.db")
	db, err := database.Open(dbPath, log)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	ctx := context.Background()
	require.NoError(t, database.RunMigrations(ctx, db, log))

	repo := repositories.NewPortRepository(db.DB)
	return New(repo, min, max)
}

func TestAllocateLowestFree(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, 8001, 8003)

	id1, id2 := newUUID(), newUUID()

	p1, err := a.Allocate(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, 8001, p1)

	p2, err := a.Allocate(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, 8002, p2)

	require.NoError(t, a.Release(ctx, p1))

	id3 := newUUID()
	p3, err := a.Allocate(ctx, id3)
	require.NoError(t, err)
	require.Equal(t, 8001, p3, "released port must be the next lowest-free pick")
}

func TestAllocateExhaustedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, 9000, 9000)

	_, err := a.Allocate(ctx, newUUID())
	require.NoError(t, err)

	_, err = a.Allocate(ctx, newUUID())
	require.Error(t, err)
	require.Equal(t, apperr.KindExhausted, apperr.KindOf(err))

	reservations, err := a.repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, reservations, 1, "a failed allocate must not add a reservation row")
}

func TestAllocateConcurrentCallsReturnDistinctPorts(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, 8001, 8050)

	const n = 20
	results := make([]int, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Allocate(ctx, newUUID())
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[results[i]], "port %d allocated twice", results[i])
		seen[results[i]] = true
	}
}

func TestReleaseAbsentPortIsNotAnError(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, 8001, 8010)
	require.NoError(t, a.Release(ctx, 8005))
}
