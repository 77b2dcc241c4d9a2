package repository

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/storage"
)

func testRepo(t *testing.T) *MapRepository {
	t.Helper()

	engine, err := storage.Open(filepath.Join(t.TempDir(), "repo.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewMapRepository(engine, zap.NewNop())
}

func TestCreateStartsAtVersionOne(t *testing.T) {
	repo := testRepo(t)

	m, err := repo.Create(context.Background(), "first map", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, int64(len(m.StateJSON)), m.SizeBytes)

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.StateJSON, got.StateJSON)
}

func TestCreateValidatesDocument(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.Create(context.Background(), "bad", &domain.MindMap{
		Notes: []domain.Note{{ID: "a", Content: "<b>html</b>"}},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestGetUnknownIsNotFound(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestUpdateIncrementsVersionByOne(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "v", nil)
	require.NoError(t, err)

	name := "renamed"
	for want := int64(2); want <= 5; want++ {
		m, err = repo.Update(context.Background(), m.ID, UpdateInput{Version: m.Version, Name: &name})
		require.NoError(t, err)
		assert.Equal(t, want, m.Version)
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "conflict", nil)
	require.NoError(t, err)

	name := "winner"
	_, err = repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)

	// A second writer still holding version 1 loses.
	loser := "loser"
	_, err = repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Name: &loser})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "winner", got.Name)
	assert.Equal(t, int64(2), got.Version)
}

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "race", nil)
	require.NoError(t, err)

	const writers = 8
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			name := "writer-" + strconv.Itoa(i)
			_, err := repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Name: &name})
			results <- err
		}(i)
	}

	wins := 0
	for i := 0; i < writers; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.Equal(t, domain.KindConflict, domain.KindOf(err))
		}
	}
	assert.Equal(t, 1, wins)

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateWithDataDropsSnapshotRow(t *testing.T) {
	engine, err := storage.Open(filepath.Join(t.TempDir(), "repo.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	repo := NewMapRepository(engine, zap.NewNop())
	snaps := NewSnapshotRepository(engine, zap.NewNop())

	m, err := repo.Create(context.Background(), "doc", nil)
	require.NoError(t, err)
	require.NoError(t, snaps.Save(context.Background(), m.ID, []byte("stale state")))

	// A name-only update leaves the snapshot alone.
	name := "renamed"
	m2, err := repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)
	_, err = snaps.Load(context.Background(), m.ID)
	require.NoError(t, err)

	// A document update supersedes it.
	_, err = repo.Update(context.Background(), m.ID, UpdateInput{
		Version: m2.Version,
		Data:    &domain.MindMap{Notes: []domain.Note{{ID: "n", Content: "new"}}},
	})
	require.NoError(t, err)
	_, err = snaps.Load(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestUpdateRecomputesSizeBytes(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "size", nil)
	require.NoError(t, err)

	data := &domain.MindMap{Notes: []domain.Note{{ID: "n", Content: "some content here"}}}
	updated, err := repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Data: data})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(got.StateJSON)), got.SizeBytes)
	assert.Greater(t, got.SizeBytes, m.SizeBytes)
	assert.Equal(t, updated.SizeBytes, got.SizeBytes)
}

func TestUpdateRequiresSomething(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "empty update", nil)
	require.NoError(t, err)

	_, err = repo.Update(context.Background(), m.ID, UpdateInput{Version: m.Version})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	repo := testRepo(t)
	m, err := repo.Create(context.Background(), "gone", nil)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(context.Background(), m.ID))

	_, err = repo.Get(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	err = repo.Delete(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestWriteHooksFireInvalidation(t *testing.T) {
	repo := testRepo(t)

	var invalidated []string
	repo.SetInvalidateFunc(func(mapID string) { invalidated = append(invalidated, mapID) })

	m, err := repo.Create(context.Background(), "hooked", nil)
	require.NoError(t, err)

	name := "renamed"
	_, err = repo.Update(context.Background(), m.ID, UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(context.Background(), m.ID))

	assert.Equal(t, []string{m.ID, m.ID}, invalidated)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	repo := testRepo(t)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := repo.Create(context.Background(), "map "+strconv.Itoa(i), nil)
		require.NoError(t, err)
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond) // distinct updated_at
	}

	page, err := repo.List(context.Background(), "", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, ids[4], page.Items[0].ID)
	assert.Equal(t, ids[3], page.Items[1].ID)

	page2, err := repo.List(context.Background(), page.NextCursor, 2, "")
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.Equal(t, ids[2], page2.Items[0].ID)
	assert.Equal(t, ids[1], page2.Items[1].ID)

	page3, err := repo.List(context.Background(), page2.NextCursor, 2, "")
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.Empty(t, page3.NextCursor)
}

func TestListFilterEscapesWildcards(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.Create(context.Background(), "plan 100%", nil)
	require.NoError(t, err)
	_, err = repo.Create(context.Background(), "plain text", nil)
	require.NoError(t, err)

	page, err := repo.List(context.Background(), "", 0, "100%")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "plan 100%", page.Items[0].Name)
}

func TestListRejectsMalformedCursor(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.List(context.Background(), "not base64 at all!!!", 0, "")
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestETagDeterministicAndVersionUnique(t *testing.T) {
	a := ETag("map-1", 3)
	b := ETag("map-1", 3)
	assert.Equal(t, a, b, "same (id, version) must yield the same tag")

	assert.NotEqual(t, ETag("map-1", 3), ETag("map-1", 4))
	assert.NotEqual(t, ETag("map-1", 3), ETag("map-2", 3))

	// Strong tag shape: quoted, version prefix.
	assert.Regexp(t, `^"3-[0-9a-f]+"$`, a)
}

func TestEnsureExistsCreatesOnce(t *testing.T) {
	repo := testRepo(t)

	m, err := repo.EnsureExists(context.Background(), "fixed-id", "Untitled Map")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", m.ID)
	assert.Equal(t, int64(1), m.Version)

	again, err := repo.EnsureExists(context.Background(), "fixed-id", "Other Name")
	require.NoError(t, err)
	assert.Equal(t, "Untitled Map", again.Name, "the existing row wins")
}
