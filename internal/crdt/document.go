package crdt

import (
	"sort"
	"strconv"

	"mindmeld/internal/domain"
)

// NoteState is the replicated state of one note. Position and color are LWW
// registers; content is an RGA text; deletion is a tombstone so concurrent
// edits to a deleted note stay mergeable.
type NoteState struct {
	ID        string     `json:"id"`
	Created   Timestamp  `json:"created"`
	Pos       [2]float64 `json:"pos"`
	PosTS     Timestamp  `json:"posTs"`
	Color     string     `json:"color,omitempty"`
	ColorTS   Timestamp  `json:"colorTs"`
	Content   *Text      `json:"content"`
	Deleted   bool       `json:"del,omitempty"`
	DeletedTS Timestamp  `json:"delTs"`
}

// ConnState is the replicated state of one connection. Identity is the
// canonical from|to|type key; presence is an LWW register.
type ConnState struct {
	From      string    `json:"f"`
	To        string    `json:"t"`
	Type      string    `json:"type"`
	TS        Timestamp `json:"ts"`
	Deleted   bool      `json:"del,omitempty"`
	DeletedTS Timestamp `json:"delTs"`
}

// Key returns the canonical connection identity.
func (c *ConnState) Key() string {
	return c.From + "|" + c.To + "|" + c.Type
}

// MetaState is one LWW metadata register.
type MetaState struct {
	Value string    `json:"v"`
	TS    Timestamp `json:"ts"`
}

// State is the full replicated state of a document: the persisted snapshot
// form and the payload of full-state updates.
type State struct {
	Notes       map[string]*NoteState `json:"notes"`
	Connections map[string]*ConnState `json:"conns"`
	Meta        map[string]*MetaState `json:"meta"`
}

// Document is one in-memory replica. It is not safe for concurrent use; the
// document registry serializes access per map id.
type Document struct {
	sid   SessionID
	clock uint64

	notes       map[string]*NoteState
	connections map[string]*ConnState
	meta        map[string]*MetaState
}

// NewDocument creates an empty replica owned by the given session.
func NewDocument(sid SessionID) *Document {
	return &Document{
		sid:         sid,
		notes:       make(map[string]*NoteState),
		connections: make(map[string]*ConnState),
		meta:        make(map[string]*MetaState),
	}
}

// SessionID returns the owning session id.
func (d *Document) SessionID() SessionID {
	return d.sid
}

// tick issues the next local timestamp.
func (d *Document) tick() Timestamp {
	d.clock++
	return Timestamp{Counter: d.clock, SID: d.sid}
}

// tickN reserves n consecutive counters and returns the first timestamp.
func (d *Document) tickN(n uint64) Timestamp {
	first := d.clock + 1
	d.clock += n
	return Timestamp{Counter: first, SID: d.sid}
}

// observe advances the Lamport clock past a remote timestamp.
func (d *Document) observe(ts Timestamp) {
	if ts.Counter > d.clock {
		d.clock = ts.Counter
	}
}

func (d *Document) noteEntry(id string) *NoteState {
	n, ok := d.notes[id]
	if !ok {
		n = &NoteState{ID: id, Content: NewText()}
		d.notes[id] = n
	}
	if n.Content == nil {
		n.Content = NewText()
	}
	return n
}

// visibleNoteCount counts live notes.
func (d *Document) visibleNoteCount() int {
	n := 0
	for _, note := range d.notes {
		if !note.Deleted {
			n++
		}
	}
	return n
}

func (d *Document) visibleConnCount() int {
	n := 0
	for _, conn := range d.connections {
		if !conn.Deleted {
			n++
		}
	}
	return n
}

// AddNote creates a note locally and returns the ops to broadcast.
func (d *Document) AddNote(id, content string, pos [2]float64, color string) ([]Op, error) {
	if id == "" {
		return nil, domain.Invalidf("note id must not be empty")
	}
	if err := domain.ValidateNoteContent(content); err != nil {
		return nil, err
	}
	if existing, ok := d.notes[id]; (!ok || existing.Deleted) && d.visibleNoteCount() >= domain.MaxNotesPerMap {
		return nil, domain.TooLargef("map already has %d notes", domain.MaxNotesPerMap)
	}

	ts := d.tick()
	ops := []Op{{
		Type:   OpNoteUpsert,
		NoteID: id,
		Pos:    &pos,
		Color:  &color,
		TS:     ts,
	}}
	if err := d.Apply(ops[0]); err != nil {
		return nil, err
	}

	if content != "" {
		textOps, err := d.SetNoteContent(id, content)
		if err != nil {
			return nil, err
		}
		ops = append(ops, textOps...)
	}
	return ops, nil
}

// MoveNote updates a note's position register.
func (d *Document) MoveNote(id string, pos [2]float64) ([]Op, error) {
	if _, ok := d.notes[id]; !ok {
		return nil, domain.NotFoundf("note %s", id)
	}
	op := Op{Type: OpNoteUpsert, NoteID: id, Pos: &pos, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// SetNoteColor updates a note's color register.
func (d *Document) SetNoteColor(id, color string) ([]Op, error) {
	if _, ok := d.notes[id]; !ok {
		return nil, domain.NotFoundf("note %s", id)
	}
	op := Op{Type: OpNoteUpsert, NoteID: id, Color: &color, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// SetNoteContent replaces a note's visible content: a delete of the visible
// range followed by one insert at the head.
func (d *Document) SetNoteContent(id, content string) ([]Op, error) {
	if err := domain.ValidateNoteContent(content); err != nil {
		return nil, err
	}
	note, ok := d.notes[id]
	if !ok {
		return nil, domain.NotFoundf("note %s", id)
	}

	var ops []Op
	if visible := note.Content.VisibleIDs(); len(visible) > 0 {
		del := Op{Type: OpTextDelete, NoteID: id, ElemIDs: visible, TS: d.tick()}
		if err := d.Apply(del); err != nil {
			return nil, err
		}
		ops = append(ops, del)
	}
	if content != "" {
		runes := []rune(content)
		ins := Op{
			Type:   OpTextInsert,
			NoteID: id,
			After:  note.Content.LastID(),
			ElemID: d.tickN(uint64(len(runes))),
			Text:   content,
		}
		ins.TS = ins.ElemID
		if err := d.Apply(ins); err != nil {
			return nil, err
		}
		ops = append(ops, ins)
	}
	return ops, nil
}

// DeleteNote tombstones a note.
func (d *Document) DeleteNote(id string) ([]Op, error) {
	if _, ok := d.notes[id]; !ok {
		return nil, domain.NotFoundf("note %s", id)
	}
	op := Op{Type: OpNoteDelete, NoteID: id, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// AddConnection creates a connection between two notes.
func (d *Document) AddConnection(from, to, typ string) ([]Op, error) {
	if typ == "" {
		typ = domain.DefaultConnectionType
	}
	if from == "" || to == "" {
		return nil, domain.Invalidf("connection missing endpoint")
	}
	if from == to {
		return nil, domain.Invalidf("connection from %q to itself", from)
	}
	key := from + "|" + to + "|" + typ
	if existing, ok := d.connections[key]; (!ok || existing.Deleted) && d.visibleConnCount() >= domain.MaxConnectionsPerMap {
		return nil, domain.TooLargef("map already has %d connections", domain.MaxConnectionsPerMap)
	}

	op := Op{Type: OpConnUpsert, From: from, To: to, ConnType: typ, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// DeleteConnection tombstones a connection by its identity tuple.
func (d *Document) DeleteConnection(from, to, typ string) ([]Op, error) {
	if typ == "" {
		typ = domain.DefaultConnectionType
	}
	key := from + "|" + to + "|" + typ
	if _, ok := d.connections[key]; !ok {
		return nil, domain.NotFoundf("connection %s", key)
	}
	op := Op{Type: OpConnDelete, From: from, To: to, ConnType: typ, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// SetMeta sets one metadata register.
func (d *Document) SetMeta(key, value string) ([]Op, error) {
	if key == "" {
		return nil, domain.Invalidf("meta key must not be empty")
	}
	op := Op{Type: OpMetaSet, Key: key, Value: value, TS: d.tick()}
	if err := d.Apply(op); err != nil {
		return nil, err
	}
	return []Op{op}, nil
}

// Apply applies a single operation with LWW resolution. Applying the same
// operation twice leaves the state unchanged.
func (d *Document) Apply(op Op) error {
	d.observe(op.TS)

	switch op.Type {
	case OpNoteUpsert:
		note := d.noteEntry(op.NoteID)
		if note.Created.IsZero() || op.TS.Compare(note.Created) < 0 {
			note.Created = op.TS
		}
		if op.Pos != nil && op.TS.After(note.PosTS) {
			note.Pos = *op.Pos
			note.PosTS = op.TS
		}
		if op.Color != nil && op.TS.After(note.ColorTS) {
			note.Color = *op.Color
			note.ColorTS = op.TS
		}
		// An upsert newer than the tombstone revives the note.
		if note.Deleted && op.TS.After(note.DeletedTS) {
			note.Deleted = false
			note.DeletedTS = op.TS
		}

	case OpNoteDelete:
		note := d.noteEntry(op.NoteID)
		if op.TS.After(note.DeletedTS) {
			note.Deleted = true
			note.DeletedTS = op.TS
		}

	case OpTextInsert:
		note := d.noteEntry(op.NoteID)
		runes := []rune(op.Text)
		if note.Content.Len()+len(runes) > domain.MaxNoteContentChars {
			return domain.TooLargef("note %s content would exceed %d characters", op.NoteID, domain.MaxNoteContentChars)
		}
		d.observe(Timestamp{Counter: op.ElemID.Counter + uint64(len(runes)), SID: op.ElemID.SID})
		note.Content.InsertAfter(op.After, op.ElemID, op.Text)

	case OpTextDelete:
		note := d.noteEntry(op.NoteID)
		note.Content.Delete(op.ElemIDs)

	case OpConnUpsert:
		key := op.From + "|" + op.To + "|" + op.ConnType
		conn, ok := d.connections[key]
		if !ok {
			conn = &ConnState{From: op.From, To: op.To, Type: op.ConnType}
			d.connections[key] = conn
		}
		if op.TS.After(conn.TS) {
			conn.TS = op.TS
		}
		if conn.Deleted && op.TS.After(conn.DeletedTS) {
			conn.Deleted = false
			conn.DeletedTS = op.TS
		}

	case OpConnDelete:
		key := op.From + "|" + op.To + "|" + op.ConnType
		conn, ok := d.connections[key]
		if !ok {
			conn = &ConnState{From: op.From, To: op.To, Type: op.ConnType}
			d.connections[key] = conn
		}
		if op.TS.After(conn.DeletedTS) {
			conn.Deleted = true
			conn.DeletedTS = op.TS
		}

	case OpMetaSet:
		reg, ok := d.meta[op.Key]
		if !ok {
			reg = &MetaState{}
			d.meta[op.Key] = reg
		}
		if op.TS.After(reg.TS) {
			reg.Value = op.Value
			reg.TS = op.TS
		}

	default:
		return domain.Invalidf("unknown operation type %q", op.Type)
	}

	return nil
}

// CheckLimits verifies the replica still fits the per-map caps. Local ops
// enforce these up front; remote frames, full states especially, are checked
// after they merge.
func (d *Document) CheckLimits() error {
	if n := d.visibleNoteCount(); n > domain.MaxNotesPerMap {
		return domain.TooLargef("map has %d notes, limit %d", n, domain.MaxNotesPerMap)
	}
	if n := d.visibleConnCount(); n > domain.MaxConnectionsPerMap {
		return domain.TooLargef("map has %d connections, limit %d", n, domain.MaxConnectionsPerMap)
	}
	for id, note := range d.notes {
		if note.Deleted || note.Content == nil {
			continue
		}
		if l := note.Content.Len(); l > domain.MaxNoteContentChars {
			return domain.TooLargef("note %s content has %d characters, limit %d", id, l, domain.MaxNoteContentChars)
		}
	}
	return nil
}

// State returns a deep copy of the full replicated state.
func (d *Document) State() *State {
	state := &State{
		Notes:       make(map[string]*NoteState, len(d.notes)),
		Connections: make(map[string]*ConnState, len(d.connections)),
		Meta:        make(map[string]*MetaState, len(d.meta)),
	}
	for id, note := range d.notes {
		copied := *note
		copied.Content = note.Content.Clone()
		state.Notes[id] = &copied
	}
	for key, conn := range d.connections {
		copied := *conn
		state.Connections[key] = &copied
	}
	for key, reg := range d.meta {
		copied := *reg
		state.Meta[key] = &copied
	}
	return state
}

// Merge folds a full remote state into the replica.
func (d *Document) Merge(state *State) {
	if state == nil {
		return
	}

	for id, other := range state.Notes {
		note := d.noteEntry(id)
		if !other.Created.IsZero() && (note.Created.IsZero() || other.Created.Compare(note.Created) < 0) {
			note.Created = other.Created
		}
		if other.PosTS.After(note.PosTS) {
			note.Pos = other.Pos
			note.PosTS = other.PosTS
		}
		if other.ColorTS.After(note.ColorTS) {
			note.Color = other.Color
			note.ColorTS = other.ColorTS
		}
		if other.DeletedTS.After(note.DeletedTS) {
			note.Deleted = other.Deleted
			note.DeletedTS = other.DeletedTS
		}
		note.Content.Merge(other.Content)
		if last := note.Content.LastID(); !last.IsZero() {
			d.observe(last)
		}
		d.observe(other.PosTS)
		d.observe(other.ColorTS)
		d.observe(other.DeletedTS)
	}

	for key, other := range state.Connections {
		conn, ok := d.connections[key]
		if !ok {
			conn = &ConnState{From: other.From, To: other.To, Type: other.Type}
			d.connections[key] = conn
		}
		if other.TS.After(conn.TS) {
			conn.TS = other.TS
		}
		if other.DeletedTS.After(conn.DeletedTS) {
			conn.Deleted = other.Deleted
			conn.DeletedTS = other.DeletedTS
		}
		d.observe(other.TS)
		d.observe(other.DeletedTS)
	}

	for key, other := range state.Meta {
		reg, ok := d.meta[key]
		if !ok {
			reg = &MetaState{}
			d.meta[key] = reg
		}
		if other.TS.After(reg.TS) {
			reg.Value = other.Value
			reg.TS = other.TS
		}
		d.observe(other.TS)
	}
}

// ToMindMap renders the replica as a MindMeld document. Notes order by
// creation timestamp, connections by identity; both orders are deterministic
// across converged replicas. Unknown meta keys are ignored.
func (d *Document) ToMindMap() *domain.MindMap {
	m := &domain.MindMap{
		Notes:       []domain.Note{},
		Connections: []domain.Connection{},
	}

	var notes []*NoteState
	for _, note := range d.notes {
		if !note.Deleted {
			notes = append(notes, note)
		}
	}
	sort.Slice(notes, func(i, j int) bool {
		if c := notes[i].Created.Compare(notes[j].Created); c != 0 {
			return c < 0
		}
		return notes[i].ID < notes[j].ID
	})
	for _, note := range notes {
		m.Notes = append(m.Notes, domain.Note{
			ID:       note.ID,
			Content:  note.Content.String(),
			Position: note.Pos,
			Color:    note.Color,
		})
	}

	var conns []*ConnState
	for _, conn := range d.connections {
		if !conn.Deleted {
			conns = append(conns, conn)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Key() < conns[j].Key() })
	for _, conn := range conns {
		m.Connections = append(m.Connections, domain.Connection{
			From: conn.From,
			To:   conn.To,
			Type: conn.Type,
		})
	}

	if reg, ok := d.meta["version"]; ok {
		m.Meta.Version = reg.Value
	}
	if reg, ok := d.meta["created"]; ok {
		m.Meta.Created = reg.Value
	}
	if reg, ok := d.meta["modified"]; ok {
		m.Meta.Modified = reg.Value
	}
	if reg, ok := d.meta["mapName"]; ok {
		m.Meta.MapName = reg.Value
	}
	if reg, ok := d.meta["canvasType"]; ok {
		m.Meta.CanvasType = reg.Value
	}
	if reg, ok := d.meta["zoomLevel"]; ok {
		if zoom, err := strconv.ParseFloat(reg.Value, 64); err == nil {
			m.Meta.ZoomLevel = zoom
		}
	}

	return m
}

// SeedFromMindMap loads a MindMeld document into an empty replica. Used when
// a replica is restored from the REST row rather than a CRDT snapshot.
func (d *Document) SeedFromMindMap(m *domain.MindMap) error {
	for _, note := range m.Notes {
		if _, err := d.AddNote(note.ID, note.Content, note.Position, note.Color); err != nil {
			return err
		}
	}
	for _, conn := range m.Connections {
		if _, err := d.AddConnection(conn.From, conn.To, conn.Type); err != nil {
			return err
		}
	}
	registers := map[string]string{
		"version":    m.Meta.Version,
		"created":    m.Meta.Created,
		"modified":   m.Meta.Modified,
		"mapName":    m.Meta.MapName,
		"canvasType": m.Meta.CanvasType,
	}
	if m.Meta.ZoomLevel != 0 {
		registers["zoomLevel"] = strconv.FormatFloat(m.Meta.ZoomLevel, 'f', -1, 64)
	}
	for key, value := range registers {
		if value != "" {
			if _, err := d.SetMeta(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
