package hub

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmeld/internal/crdt"
	"mindmeld/internal/registry"
	"mindmeld/internal/repository"
	"mindmeld/internal/storage"
)

type harness struct {
	maps *repository.MapRepository
	reg  *registry.Registry
	hub  *Hub
	ts   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	engine, err := storage.Open(filepath.Join(t.TempDir(), "hub.sqlite"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	maps := repository.NewMapRepository(engine, zap.NewNop())
	snaps := repository.NewSnapshotRepository(engine, zap.NewNop())
	reg := registry.New(maps, snaps, zap.NewNop())
	maps.SetInvalidateFunc(reg.Invalidate)
	h := New(reg, zap.NewNop(), DefaultOptions())

	mux := http.NewServeMux()
	mux.Handle("GET /sync/{mapId}", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(h.Shutdown)

	return &harness{maps: maps, reg: reg, hub: h, ts: ts}
}

func (h *harness) dial(t *testing.T, mapID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/sync/" + mapID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	return data
}

func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close frame, got %v", err)
		return closeErr.Code
	}
}

// clientDoc wraps a replica on the client side of a session.
func clientDoc(t *testing.T, conn *websocket.Conn) *crdt.Document {
	t.Helper()

	doc := crdt.NewDocument(crdt.NewSessionID())
	require.NoError(t, doc.ApplyUpdate(readFrame(t, conn)))
	return doc
}

func send(t *testing.T, conn *websocket.Conn, ops []crdt.Op) {
	t.Helper()

	frame, err := crdt.EncodeDelta(ops)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func TestSessionStartsWithFullState(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "fresh-map")

	update, err := crdt.Decode(readFrame(t, conn))
	require.NoError(t, err)
	assert.True(t, update.IsState(), "the first frame must carry full state")

	// The first session on an unknown id creates the row.
	row, err := h.maps.Get(t.Context(), "fresh-map")
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultMapName, row.Name)
}

func TestFanOutSkipsOrigin(t *testing.T) {
	h := newHarness(t)

	connA := h.dial(t, "shared")
	docA := clientDoc(t, connA)
	connB := h.dial(t, "shared")
	docB := clientDoc(t, connB)

	opsA, err := docA.AddNote("n1", "from a", [2]float64{0, 0}, "")
	require.NoError(t, err)
	send(t, connA, opsA)

	// B receives A's delta.
	require.NoError(t, docB.ApplyUpdate(readFrame(t, connB)))
	require.Len(t, docB.ToMindMap().Notes, 1)

	// A must not receive its own delta back: the next frame A sees is B's.
	opsB, err := docB.AddNote("n2", "from b", [2]float64{5, 5}, "")
	require.NoError(t, err)
	send(t, connB, opsB)

	require.NoError(t, docA.ApplyUpdate(readFrame(t, connA)))
	m := docA.ToMindMap()
	require.Len(t, m.Notes, 2)
}

func TestClientsConvergeThroughHub(t *testing.T) {
	h := newHarness(t)

	connA := h.dial(t, "converge")
	docA := clientDoc(t, connA)
	connB := h.dial(t, "converge")
	docB := clientDoc(t, connB)

	opsA, err := docA.AddNote("a", "alpha", [2]float64{1, 1}, "#aaa")
	require.NoError(t, err)
	send(t, connA, opsA)
	opsB, err := docB.AddNote("b", "beta", [2]float64{2, 2}, "")
	require.NoError(t, err)
	send(t, connB, opsB)

	require.NoError(t, docA.ApplyUpdate(readFrame(t, connA)))
	require.NoError(t, docB.ApplyUpdate(readFrame(t, connB)))

	snapA, err := docA.EncodeSnapshot()
	require.NoError(t, err)
	snapB, err := docB.EncodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snapA, snapB)
}

func TestLateJoinerSeesPriorEdits(t *testing.T) {
	h := newHarness(t)

	connA := h.dial(t, "history")
	docA := clientDoc(t, connA)
	connB := h.dial(t, "history")
	docB := clientDoc(t, connB)

	ops, err := docA.AddNote("n1", "already here", [2]float64{0, 0}, "")
	require.NoError(t, err)
	send(t, connA, ops)

	// B's receipt proves the server applied the delta, so a late joiner's
	// initial state must already include the note.
	require.NoError(t, docB.ApplyUpdate(readFrame(t, connB)))

	connC := h.dial(t, "history")
	docC := clientDoc(t, connC)
	require.Len(t, docC.ToMindMap().Notes, 1)
	assert.Equal(t, "already here", docC.ToMindMap().Notes[0].Content)
}

func TestTextFrameClosesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "strict")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
}

func TestMalformedUpdateClosesSession(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "strict2")
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")))
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
}

func TestInvalidMapIDClosesSession(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/sync/bad%20id"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade itself succeeds")
	defer conn.Close()

	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
}

func TestRESTWriteClosesSessionsWithReconnect(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "edited")
	clientDoc(t, conn)
	require.Eventually(t, func() bool { return h.hub.SessionCount("edited") == 1 },
		time.Second, 10*time.Millisecond)

	name := "renamed over rest"
	_, err := h.maps.Update(t.Context(), "edited", repository.UpdateInput{Version: 1, Name: &name})
	require.NoError(t, err)

	assert.Equal(t, websocket.CloseServiceRestart, readClose(t, conn))
	assert.Eventually(t, func() bool { return h.hub.SessionCount("edited") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestShutdownClosesEverySession(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "draining")
	clientDoc(t, conn)

	h.hub.Shutdown()
	assert.Equal(t, websocket.CloseServiceRestart, readClose(t, conn))

	// New sessions are refused after shutdown.
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/sync/draining"
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	assert.Equal(t, websocket.CloseServiceRestart, readClose(t, late))
}

func TestSessionCount(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 0, h.hub.SessionCount("counted"))
	connA := h.dial(t, "counted")
	clientDoc(t, connA)
	connB := h.dial(t, "counted")
	clientDoc(t, connB)

	require.Eventually(t, func() bool { return h.hub.SessionCount("counted") == 2 },
		time.Second, 10*time.Millisecond)

	connA.Close()
	require.Eventually(t, func() bool { return h.hub.SessionCount("counted") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestJoinDuringActiveEditingConverges(t *testing.T) {
	h := newHarness(t)

	writer := h.dial(t, "busy")
	doc := clientDoc(t, writer)

	// A writer streams edits while another client joins mid-stream. Every
	// note must reach the joiner, through its initial state or a delta.
	const total = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			ops, err := doc.AddNote("n"+strconv.Itoa(i), "x", [2]float64{0, 0}, "")
			if err != nil {
				return
			}
			frame, err := crdt.EncodeDelta(ops)
			if err != nil {
				return
			}
			if err := writer.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}()

	joiner := h.dial(t, "busy")
	jdoc := clientDoc(t, joiner)
	<-done

	deadline := time.Now().Add(5 * time.Second)
	for len(jdoc.ToMindMap().Notes) < total && time.Now().Before(deadline) {
		joiner.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := joiner.ReadMessage()
		if err != nil {
			break
		}
		require.NoError(t, jdoc.ApplyUpdate(data))
	}
	assert.Len(t, jdoc.ToMindMap().Notes, total)
}

func TestOptionsFallBackToDefaults(t *testing.T) {
	o := Options{PingInterval: 5 * time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, o.PingInterval)
	assert.Equal(t, DefaultOptions().IdleTimeout, o.IdleTimeout)
	assert.Equal(t, DefaultOptions().SendQueueSize, o.SendQueueSize)
}
