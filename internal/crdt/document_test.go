package crdt

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmeld/internal/domain"
)

// exchange delivers each replica's ops to the other as wire frames.
func exchange(t *testing.T, a, b *Document, aOps, bOps []Op) {
	t.Helper()

	if len(aOps) > 0 {
		frame, err := EncodeDelta(aOps)
		require.NoError(t, err)
		require.NoError(t, b.ApplyUpdate(frame))
	}
	if len(bOps) > 0 {
		frame, err := EncodeDelta(bOps)
		require.NoError(t, err)
		require.NoError(t, a.ApplyUpdate(frame))
	}
}

func requireConverged(t *testing.T, a, b *Document) {
	t.Helper()

	snapA, err := a.EncodeSnapshot()
	require.NoError(t, err)
	snapB, err := b.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snapA, snapB, "converged replicas must encode identically")
	assert.Equal(t, a.ToMindMap(), b.ToMindMap())
}

func TestConcurrentNoteCreationConverges(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	aOps, err := a.AddNote("n1", "from a", [2]float64{0, 0}, "")
	require.NoError(t, err)
	bOps, err := b.AddNote("n2", "from b", [2]float64{100, 100}, "#f00")
	require.NoError(t, err)

	exchange(t, a, b, aOps, bOps)
	requireConverged(t, a, b)

	m := a.ToMindMap()
	require.Len(t, m.Notes, 2)
}

func TestConcurrentMoveLastWriterWins(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	ops, err := a.AddNote("n1", "", [2]float64{0, 0}, "")
	require.NoError(t, err)
	frame, err := EncodeDelta(ops)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(frame))

	aOps, err := a.MoveNote("n1", [2]float64{10, 10})
	require.NoError(t, err)
	bOps, err := b.MoveNote("n1", [2]float64{99, 99})
	require.NoError(t, err)

	exchange(t, a, b, aOps, bOps)
	requireConverged(t, a, b)

	// Both moves used the same counter; the winner is decided by session id,
	// identically on both sides.
	posA := a.ToMindMap().Notes[0].Position
	assert.True(t, posA == [2]float64{10, 10} || posA == [2]float64{99, 99})
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	ops, err := a.AddNote("n1", "hello", [2]float64{1, 2}, "#0f0")
	require.NoError(t, err)
	frame, err := EncodeDelta(ops)
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(frame))
	before, err := b.EncodeSnapshot()
	require.NoError(t, err)

	// A resend of the same frame changes nothing.
	require.NoError(t, b.ApplyUpdate(frame))
	after, err := b.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestConcurrentTextInsertsConverge(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	ops, err := a.AddNote("n1", "base", [2]float64{0, 0}, "")
	require.NoError(t, err)
	frame, err := EncodeDelta(ops)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(frame))

	aOps, err := a.SetNoteContent("n1", "base plus a")
	require.NoError(t, err)
	bOps, err := b.SetNoteContent("n1", "base plus b")
	require.NoError(t, err)

	exchange(t, a, b, aOps, bOps)
	requireConverged(t, a, b)
}

func TestDeleteVersusEditKeepsTombstoneOrder(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	ops, err := a.AddNote("n1", "text", [2]float64{0, 0}, "")
	require.NoError(t, err)
	frame, err := EncodeDelta(ops)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(frame))

	aOps, err := a.DeleteNote("n1")
	require.NoError(t, err)
	bOps, err := b.SetNoteColor("n1", "#00f")
	require.NoError(t, err)

	exchange(t, a, b, aOps, bOps)
	requireConverged(t, a, b)
}

func TestConnectionAddDeleteConverges(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	ops1, err := a.AddNote("x", "", [2]float64{0, 0}, "")
	require.NoError(t, err)
	ops2, err := a.AddNote("y", "", [2]float64{1, 1}, "")
	require.NoError(t, err)
	ops3, err := a.AddConnection("x", "y", "")
	require.NoError(t, err)

	frame, err := EncodeDelta(append(append(ops1, ops2...), ops3...))
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(frame))

	// The delete on b carries a later timestamp, so it wins everywhere.
	bOps, err := b.DeleteConnection("x", "y", "arrow")
	require.NoError(t, err)
	exchange(t, a, b, nil, bOps)

	requireConverged(t, a, b)
	assert.Empty(t, a.ToMindMap().Connections)
}

func TestSamePairDistinctTypesCoexist(t *testing.T) {
	d := NewDocument(NewSessionID())
	_, err := d.AddNote("x", "", [2]float64{0, 0}, "")
	require.NoError(t, err)
	_, err = d.AddNote("y", "", [2]float64{1, 1}, "")
	require.NoError(t, err)

	_, err = d.AddConnection("x", "y", "arrow")
	require.NoError(t, err)
	_, err = d.AddConnection("x", "y", "line")
	require.NoError(t, err)

	assert.Len(t, d.ToMindMap().Connections, 2)
}

func TestSelfLoopRejected(t *testing.T) {
	d := NewDocument(NewSessionID())
	_, err := d.AddNote("x", "", [2]float64{0, 0}, "")
	require.NoError(t, err)

	_, err = d.AddConnection("x", "x", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
}

func TestContentLimitEnforcedOnApply(t *testing.T) {
	d := NewDocument(NewSessionID())
	_, err := d.AddNote("n1", strings.Repeat("a", domain.MaxNoteContentChars), [2]float64{0, 0}, "")
	require.NoError(t, err)

	// A remote insert that would push the note over the limit is refused.
	op := Op{
		Type:   OpTextInsert,
		NoteID: "n1",
		After:  Timestamp{},
		ElemID: Timestamp{Counter: 1, SID: NewSessionID()},
		Text:   "b",
	}
	op.TS = op.ElemID
	err = d.Apply(op)
	require.Error(t, err)
	assert.Equal(t, domain.KindTooLarge, domain.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := NewDocument(NewSessionID())
	_, err := d.AddNote("n1", "hello **world**", [2]float64{3, 4}, "#abc")
	require.NoError(t, err)
	_, err = d.AddNote("n2", "second", [2]float64{5, 6}, "")
	require.NoError(t, err)
	_, err = d.AddConnection("n1", "n2", "line")
	require.NoError(t, err)
	_, err = d.SetMeta("mapName", "roundtrip")
	require.NoError(t, err)

	snap, err := d.EncodeSnapshot()
	require.NoError(t, err)

	restored, err := DecodeSnapshot(NewSessionID(), snap)
	require.NoError(t, err)
	assert.Equal(t, d.ToMindMap(), restored.ToMindMap())

	// A restored replica can keep editing without colliding with old ids.
	_, err = restored.AddNote("n3", "after restore", [2]float64{7, 8}, "")
	require.NoError(t, err)
	assert.Len(t, restored.ToMindMap().Notes, 3)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		{},
		[]byte("hello"),
		{'M', 'M'},
		{'M', 'M', 0x02, 0x01},       // unknown version
		{'M', 'M', 0x01, 0x09},       // unknown kind
		{'M', 'M', 0x01, 0x02, '{'},  // truncated payload
	} {
		_, err := Decode(frame)
		require.Error(t, err)
		assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
	}
}

func TestStateMergeIsCommutative(t *testing.T) {
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	_, err := a.AddNote("n1", "alpha", [2]float64{0, 0}, "")
	require.NoError(t, err)
	_, err = b.AddNote("n2", "beta", [2]float64{9, 9}, "#123")
	require.NoError(t, err)

	stateA, err := a.EncodeSnapshot()
	require.NoError(t, err)
	stateB, err := b.EncodeSnapshot()
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(stateB))
	require.NoError(t, b.ApplyUpdate(stateA))

	requireConverged(t, a, b)
}

func TestSeedFromMindMapRoundTrip(t *testing.T) {
	src := &domain.MindMap{
		Notes: []domain.Note{
			{ID: "a", Content: "first", Position: [2]float64{1, 2}},
			{ID: "b", Content: "second", Position: [2]float64{3, 4}, Color: "#fff"},
		},
		Connections: []domain.Connection{{From: "a", To: "b", Type: "arrow"}},
		Meta:        domain.Meta{Version: "1.0", MapName: "seeded"},
	}

	d := NewDocument(NewSessionID())
	require.NoError(t, d.SeedFromMindMap(src))

	got := d.ToMindMap()
	assert.Equal(t, src.Notes, got.Notes)
	assert.Equal(t, src.Connections, got.Connections)
	assert.Equal(t, "seeded", got.Meta.MapName)
}

func TestCheckLimitsCatchesMergedContentOverCap(t *testing.T) {
	// Two replicas independently write near-cap content to the same note;
	// each passes its local check, the merged note does not.
	a := NewDocument(NewSessionID())
	b := NewDocument(NewSessionID())

	_, err := a.AddNote("n", strings.Repeat("a", 6000), [2]float64{0, 0}, "")
	require.NoError(t, err)
	_, err = b.AddNote("n", strings.Repeat("b", 6000), [2]float64{0, 0}, "")
	require.NoError(t, err)
	require.NoError(t, a.CheckLimits())
	require.NoError(t, b.CheckLimits())

	snap, err := b.EncodeSnapshot()
	require.NoError(t, err)
	require.NoError(t, a.ApplyUpdate(snap))

	err = a.CheckLimits()
	require.Error(t, err)
	assert.Equal(t, domain.KindTooLarge, domain.KindOf(err))
}

func TestCheckLimitsCatchesStateFrameNoteFlood(t *testing.T) {
	sid := NewSessionID()
	state := &State{
		Notes:       make(map[string]*NoteState),
		Connections: make(map[string]*ConnState),
		Meta:        make(map[string]*MetaState),
	}
	for i := 0; i < domain.MaxNotesPerMap+1; i++ {
		id := "n" + strconv.Itoa(i)
		state.Notes[id] = &NoteState{
			ID:      id,
			Created: Timestamp{Counter: uint64(i + 1), SID: sid},
			Content: NewText(),
		}
	}
	frame, err := EncodeState(state)
	require.NoError(t, err)

	doc := NewDocument(NewSessionID())
	require.NoError(t, doc.ApplyUpdate(frame))

	err = doc.CheckLimits()
	require.Error(t, err)
	assert.Equal(t, domain.KindTooLarge, domain.KindOf(err))
}

func TestCheckLimitsIgnoresTombstones(t *testing.T) {
	doc := NewDocument(NewSessionID())
	_, err := doc.AddNote("n1", "kept", [2]float64{0, 0}, "")
	require.NoError(t, err)
	_, err = doc.AddNote("n2", "dropped", [2]float64{1, 1}, "")
	require.NoError(t, err)
	_, err = doc.DeleteNote("n2")
	require.NoError(t, err)

	require.NoError(t, doc.CheckLimits())
}

func TestMetaZoomLevelRoundTrip(t *testing.T) {
	doc := NewDocument(NewSessionID())
	require.NoError(t, doc.SeedFromMindMap(&domain.MindMap{
		Meta: domain.Meta{Version: "1.0", ZoomLevel: 1.25, CanvasType: "freeform"},
	}))

	m := doc.ToMindMap()
	assert.Equal(t, 1.25, m.Meta.ZoomLevel)
	assert.Equal(t, "freeform", m.Meta.CanvasType)

	snap, err := doc.EncodeSnapshot()
	require.NoError(t, err)
	restored, err := DecodeSnapshot(NewSessionID(), snap)
	require.NoError(t, err)
	assert.Equal(t, 1.25, restored.ToMindMap().Meta.ZoomLevel)
}
