package repositories

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelplane/internal/apperr"
	"modelplane/internal/database"
	"modelplane/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dbPath := filepath.Join(t.TempDir(), "control.db")
	db, err := database.Open(dbPath, log)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	ctx := t.Context()
	require.NoError(t, database.RunMigrations(ctx, db, log))
	return db
}

func TestInstanceCreateGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	port := 8001
	inst := &models.Instance{
		Kind:   models.KindVLLM,
		Name:   "x",
		Port:   &port,
		Status: models.StatusCreating,
	}
	require.NoError(t, repo.Create(ctx, inst))
	require.NotEqual(t, inst.ID.String(), "")

	got, err := repo.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, 8001, *got.Port)
}

func TestInstanceCreateDuplicatePortConflicts(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	port := 8001
	first := &models.Instance{Kind: models.KindVLLM, Name: "a", Port: &port, Status: models.StatusRunning}
	require.NoError(t, repo.Create(ctx, first))

	second := &models.Instance{Kind: models.KindVLLM, Name: "b", Port: &port, Status: models.StatusRunning}
	err := repo.Create(ctx, second)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestInstanceRemovedDoesNotConflictOnPort(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	port := 8001
	first := &models.Instance{Kind: models.KindVLLM, Name: "a", Port: &port, Status: models.StatusRunning}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Delete(ctx, first.ID))

	second := &models.Instance{Kind: models.KindVLLM, Name: "b", Port: &port, Status: models.StatusRunning}
	require.NoError(t, repo.Create(ctx, second), "a freed port must be reusable by a new instance")
}

func TestInstanceUpdateNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	status := models.StatusRunning
	err := repo.Update(ctx, uuid.New(), InstancePatch{Status: &status})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInstanceDeleteNotFoundOnSecondCall(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	inst := &models.Instance{Kind: models.KindOllama, Name: "shared", Status: models.StatusRunning}
	require.NoError(t, repo.Create(ctx, inst))

	require.NoError(t, repo.Delete(ctx, inst.ID))

	err := repo.Delete(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCountRunningByGPU(t *testing.T) {
	db := newTestDB(t)
	repo := NewInstanceRepository(db.DB)
	ctx := t.Context()

	gpu0 := "0"
	a := &models.Instance{Kind: models.KindVLLM, Name: "a", Status: models.StatusRunning, GPUID: &gpu0}
	b := &models.Instance{Kind: models.KindVLLM, Name: "b", Status: models.StatusRunning, GPUID: &gpu0}
	c := &models.Instance{Kind: models.KindVLLM, Name: "c", Status: models.StatusStopped, GPUID: &gpu0}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.Create(ctx, c))

	counts, err := repo.CountRunningByGPU(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["0"], "only running instances count toward the GPU usage view")
}
