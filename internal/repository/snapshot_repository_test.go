package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

func testSnapshots(t *testing.T) (*MapRepository, *SnapshotRepository) {
	t.Helper()

	engine, err := storage.Open(filepath.Join(t.TempDir(), "snap.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewMapRepository(engine, zap.NewNop()), NewSnapshotRepository(engine, zap.NewNop())
}

func TestSnapshotSaveIsUpsert(t *testing.T) {
	maps, snaps := testSnapshots(t)
	m, err := maps.Create(context.Background(), "snapshotted", nil)
	require.NoError(t, err)

	require.NoError(t, snaps.Save(context.Background(), m.ID, []byte("one")))
	require.NoError(t, snaps.Save(context.Background(), m.ID, []byte("two")))

	got, err := snaps.Load(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestSnapshotLoadMissingIsNotFound(t *testing.T) {
	_, snaps := testSnapshots(t)

	_, err := snaps.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestSnapshotDeleteIsIdempotent(t *testing.T) {
	maps, snaps := testSnapshots(t)
	m, err := maps.Create(context.Background(), "snapshotted", nil)
	require.NoError(t, err)

	require.NoError(t, snaps.Save(context.Background(), m.ID, []byte("blob")))
	require.NoError(t, snaps.Delete(context.Background(), m.ID))
	require.NoError(t, snaps.Delete(context.Background(), m.ID))

	_, err = snaps.Load(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestSnapshotGoneAfterMapDelete(t *testing.T) {
	maps, snaps := testSnapshots(t)
	m, err := maps.Create(context.Background(), "cascade", nil)
	require.NoError(t, err)
	require.NoError(t, snaps.Save(context.Background(), m.ID, []byte("blob")))

	require.NoError(t, maps.Delete(context.Background(), m.ID))

	_, err = snaps.Load(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
