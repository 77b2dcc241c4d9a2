package registry

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmeld/internal/crdt"
	"mindmeld/internal/domain"
	"mindmeld/internal/repository"
	"mindmeld/internal/storage"
)

type fixture struct {
	maps  *repository.MapRepository
	snaps *repository.SnapshotRepository
	reg   *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	engine, err := storage.Open(filepath.Join(t.TempDir(), "registry.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	maps := repository.NewMapRepository(engine, zap.NewNop())
	snaps := repository.NewSnapshotRepository(engine, zap.NewNop())
	reg := New(maps, snaps, zap.NewNop())
	maps.SetInvalidateFunc(reg.Invalidate)
	return &fixture{maps: maps, snaps: snaps, reg: reg}
}

// deltaFor builds one wire frame producing a note on a fresh scratch replica.
func deltaFor(t *testing.T, id, content string) []byte {
	t.Helper()

	doc := crdt.NewDocument(crdt.NewSessionID())
	ops, err := doc.AddNote(id, content, [2]float64{0, 0}, "")
	require.NoError(t, err)
	frame, err := crdt.EncodeDelta(ops)
	require.NoError(t, err)
	return frame
}

func TestAcquireCreatesRowForUnknownID(t *testing.T) {
	f := newFixture(t)

	h, err := f.reg.Acquire(context.Background(), "brand-new")
	require.NoError(t, err)
	defer f.reg.Release(h)

	row, err := f.maps.Get(context.Background(), "brand-new")
	require.NoError(t, err)
	assert.Equal(t, DefaultMapName, row.Name)
	assert.True(t, f.reg.Loaded("brand-new"))
}

func TestAcquireSharesOneReplica(t *testing.T) {
	f := newFixture(t)

	h1, err := f.reg.Acquire(context.Background(), "shared")
	require.NoError(t, err)
	h2, err := f.reg.Acquire(context.Background(), "shared")
	require.NoError(t, err)

	f.reg.Release(h1)
	assert.True(t, f.reg.Loaded("shared"), "still referenced by h2")
	f.reg.Release(h2)
	assert.False(t, f.reg.Loaded("shared"))
}

func TestApplyPersistsSnapshotForLocalOrigin(t *testing.T) {
	f := newFixture(t)

	h, err := f.reg.Acquire(context.Background(), "persisted")
	require.NoError(t, err)
	defer f.reg.Release(h)

	err = f.reg.Apply(context.Background(), h, deltaFor(t, "n1", "hello"), Origin{Tag: "s1"})
	require.NoError(t, err)

	blob, err := f.snaps.Load(context.Background(), "persisted")
	require.NoError(t, err)

	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), blob)
	require.NoError(t, err)
	require.Len(t, doc.ToMindMap().Notes, 1)
	assert.Equal(t, "hello", doc.ToMindMap().Notes[0].Content)
}

func TestApplySkipsPersistForRemoteOrigin(t *testing.T) {
	f := newFixture(t)

	h, err := f.reg.Acquire(context.Background(), "relayed")
	require.NoError(t, err)
	defer f.reg.Release(h)

	err = f.reg.Apply(context.Background(), h, deltaFor(t, "n1", "hi"), Origin{Tag: "s1", Remote: true})
	require.NoError(t, err)

	_, err = f.snaps.Load(context.Background(), "relayed")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestApplyPublishesWithOrigin(t *testing.T) {
	f := newFixture(t)

	var gotMap string
	var gotOrigin Origin
	f.reg.SetPublishFunc(func(mapID string, update []byte, origin Origin) {
		gotMap = mapID
		gotOrigin = origin
	})

	h, err := f.reg.Acquire(context.Background(), "published")
	require.NoError(t, err)
	defer f.reg.Release(h)

	require.NoError(t, f.reg.Apply(context.Background(), h, deltaFor(t, "n1", ""), Origin{Tag: "tag-9"}))
	assert.Equal(t, "published", gotMap)
	assert.Equal(t, "tag-9", gotOrigin.Tag)
}

func TestApplyRejectsMalformedFrame(t *testing.T) {
	f := newFixture(t)

	h, err := f.reg.Acquire(context.Background(), "strict")
	require.NoError(t, err)
	defer f.reg.Release(h)

	err = f.reg.Apply(context.Background(), h, []byte("junk"), Origin{Tag: "s"})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestRESTWriteInvalidatesReplica(t *testing.T) {
	f := newFixture(t)

	var closed []string
	f.reg.SetInvalidateNotifyFunc(func(mapID string) { closed = append(closed, mapID) })

	m, err := f.maps.Create(context.Background(), "edited", nil)
	require.NoError(t, err)

	h, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)

	name := "renamed"
	_, err = f.maps.Update(context.Background(), m.ID, repository.UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)

	assert.Equal(t, []string{m.ID}, closed)
	assert.False(t, f.reg.Loaded(m.ID))

	// The stale handle refuses further work.
	err = f.reg.Apply(context.Background(), h, deltaFor(t, "n1", ""), Origin{Tag: "s"})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	_, err = f.reg.Snapshot(h)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestRESTDataWriteSupersedesSnapshot(t *testing.T) {
	f := newFixture(t)

	m, err := f.maps.Create(context.Background(), "doc", &domain.MindMap{
		Notes: []domain.Note{{ID: "n1", Content: "old"}},
	})
	require.NoError(t, err)

	h, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	require.NoError(t, f.reg.Apply(context.Background(), h, deltaFor(t, "n2", "live edit"), Origin{Tag: "s"}))
	_, err = f.snaps.Load(context.Background(), m.ID)
	require.NoError(t, err)

	_, err = f.maps.Update(context.Background(), m.ID, repository.UpdateInput{
		Version: 1,
		Data:    &domain.MindMap{Notes: []domain.Note{{ID: "n3", Content: "fresh"}}},
	})
	require.NoError(t, err)

	// The write supersedes the collaborative state: the stale snapshot is
	// gone, and a new session sees the fresh document only.
	_, err = f.snaps.Load(context.Background(), m.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	h2, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	defer f.reg.Release(h2)

	snap, err := f.reg.Snapshot(h2)
	require.NoError(t, err)
	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), snap)
	require.NoError(t, err)
	mm := doc.ToMindMap()
	require.Len(t, mm.Notes, 1)
	assert.Equal(t, "fresh", mm.Notes[0].Content)
}

func TestNameOnlyUpdateKeepsSnapshot(t *testing.T) {
	f := newFixture(t)

	m, err := f.maps.Create(context.Background(), "doc", nil)
	require.NoError(t, err)

	h, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	require.NoError(t, f.reg.Apply(context.Background(), h, deltaFor(t, "n1", "only in crdt"), Origin{Tag: "s"}))

	name := "renamed"
	_, err = f.maps.Update(context.Background(), m.ID, repository.UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)

	// A rename does not touch the document, so the collaborative edits
	// survive the reconnect.
	h2, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	defer f.reg.Release(h2)

	snap, err := f.reg.Snapshot(h2)
	require.NoError(t, err)
	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), snap)
	require.NoError(t, err)
	require.Len(t, doc.ToMindMap().Notes, 1)
	assert.Equal(t, "only in crdt", doc.ToMindMap().Notes[0].Content)
}

// noteFloodFrame builds a full-state frame carrying one more note than the
// per-map cap allows.
func noteFloodFrame(t *testing.T) []byte {
	t.Helper()

	sid := crdt.NewSessionID()
	state := &crdt.State{
		Notes:       make(map[string]*crdt.NoteState),
		Connections: make(map[string]*crdt.ConnState),
		Meta:        make(map[string]*crdt.MetaState),
	}
	for i := 0; i < domain.MaxNotesPerMap+1; i++ {
		id := "n" + strconv.Itoa(i)
		state.Notes[id] = &crdt.NoteState{
			ID:      id,
			Created: crdt.Timestamp{Counter: uint64(i + 1), SID: sid},
			Content: crdt.NewText(),
		}
	}
	frame, err := crdt.EncodeState(state)
	require.NoError(t, err)
	return frame
}

func TestOversizedStateFrameRejected(t *testing.T) {
	f := newFixture(t)

	var published int
	f.reg.SetPublishFunc(func(string, []byte, Origin) { published++ })

	h, err := f.reg.Acquire(context.Background(), "flooded")
	require.NoError(t, err)

	err = f.reg.Apply(context.Background(), h, noteFloodFrame(t), Origin{Tag: "s"})
	require.Error(t, err)
	assert.Equal(t, domain.KindTooLarge, domain.KindOf(err))
	assert.Zero(t, published, "an oversized update must not fan out")

	// Nothing oversized was persisted and the poisoned replica is dropped.
	_, err = f.snaps.Load(context.Background(), "flooded")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.False(t, f.reg.Loaded("flooded"))

	err = f.reg.Apply(context.Background(), h, deltaFor(t, "n1", "late"), Origin{Tag: "s"})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	// A fresh acquire starts from the last durable state.
	h2, err := f.reg.Acquire(context.Background(), "flooded")
	require.NoError(t, err)
	defer f.reg.Release(h2)

	snap, err := f.reg.Snapshot(h2)
	require.NoError(t, err)
	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), snap)
	require.NoError(t, err)
	assert.Empty(t, doc.ToMindMap().Notes)
}

func TestReacquireRestoresFromSnapshot(t *testing.T) {
	f := newFixture(t)

	h, err := f.reg.Acquire(context.Background(), "durable")
	require.NoError(t, err)
	require.NoError(t, f.reg.Apply(context.Background(), h, deltaFor(t, "n1", "kept"), Origin{Tag: "s"}))
	f.reg.Release(h)
	require.False(t, f.reg.Loaded("durable"))

	h2, err := f.reg.Acquire(context.Background(), "durable")
	require.NoError(t, err)
	defer f.reg.Release(h2)

	snap, err := f.reg.Snapshot(h2)
	require.NoError(t, err)
	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), snap)
	require.NoError(t, err)
	require.Len(t, doc.ToMindMap().Notes, 1)
	assert.Equal(t, "kept", doc.ToMindMap().Notes[0].Content)
}

func TestAcquireSeedsFromRESTRow(t *testing.T) {
	f := newFixture(t)

	m, err := f.maps.Create(context.Background(), "seeded", &domain.MindMap{
		Notes: []domain.Note{{ID: "a", Content: "from rest", Position: [2]float64{1, 2}}},
	})
	require.NoError(t, err)

	h, err := f.reg.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	defer f.reg.Release(h)

	snap, err := f.reg.Snapshot(h)
	require.NoError(t, err)
	doc, err := crdt.DecodeSnapshot(crdt.NewSessionID(), snap)
	require.NoError(t, err)
	require.Len(t, doc.ToMindMap().Notes, 1)
	assert.Equal(t, "from rest", doc.ToMindMap().Notes[0].Content)
}
