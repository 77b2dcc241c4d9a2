package crdt

import (
	"encoding/json"

	"mindmeld/internal/domain"
)

// OpType identifies a delta operation.
type OpType string

const (
	OpNoteUpsert OpType = "note_upsert"
	OpNoteDelete OpType = "note_delete"
	OpTextInsert OpType = "text_insert"
	OpTextDelete OpType = "text_delete"
	OpConnUpsert OpType = "conn_upsert"
	OpConnDelete OpType = "conn_delete"
	OpMetaSet    OpType = "meta_set"
)

// Op is one delta operation. Fields are populated per type; TS drives LWW
// resolution everywhere.
type Op struct {
	Type OpType `json:"op"`

	NoteID string      `json:"nid,omitempty"`
	Pos    *[2]float64 `json:"pos,omitempty"`
	Color  *string     `json:"color,omitempty"`

	After   Timestamp   `json:"after,omitempty"`
	ElemID  Timestamp   `json:"elem,omitempty"`
	Text    string      `json:"text,omitempty"`
	ElemIDs []Timestamp `json:"elems,omitempty"`

	From     string `json:"f,omitempty"`
	To       string `json:"t,omitempty"`
	ConnType string `json:"ctype,omitempty"`

	Key   string `json:"k,omitempty"`
	Value string `json:"v,omitempty"`

	TS Timestamp `json:"ts"`
}

// Wire envelope. Frames are binary: a fixed header identifying the payload
// kind, followed by the canonical JSON encoding of the payload.
const (
	wireMagic0  = 'M'
	wireMagic1  = 'M'
	wireVersion = 0x01

	kindState byte = 0x01
	kindDelta byte = 0x02

	headerLen = 4
)

// Update is a decoded wire frame: exactly one of State or Ops is set.
type Update struct {
	State *State
	Ops   []Op
}

// IsState reports whether the update carries a full state.
func (u *Update) IsState() bool {
	return u.State != nil
}

// EncodeState encodes a full document state for the wire or the snapshot
// store. Go's JSON encoder writes map keys in sorted order, so converged
// replicas produce byte-identical encodings.
func EncodeState(state *State) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode state")
	}
	return append([]byte{wireMagic0, wireMagic1, wireVersion, kindState}, payload...), nil
}

// EncodeDelta encodes a batch of operations.
func EncodeDelta(ops []Op) ([]byte, error) {
	payload, err := json.Marshal(ops)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode delta")
	}
	return append([]byte{wireMagic0, wireMagic1, wireVersion, kindDelta}, payload...), nil
}

// Decode parses a wire frame. Malformed frames are Invalid.
func Decode(data []byte) (*Update, error) {
	if len(data) < headerLen || data[0] != wireMagic0 || data[1] != wireMagic1 {
		return nil, domain.Invalidf("malformed update frame")
	}
	if data[2] != wireVersion {
		return nil, domain.Invalidf("unsupported update version %d", data[2])
	}

	payload := data[headerLen:]
	switch data[3] {
	case kindState:
		var state State
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, domain.WrapError(domain.KindInvalid, err, "malformed state payload")
		}
		return &Update{State: &state}, nil
	case kindDelta:
		var ops []Op
		if err := json.Unmarshal(payload, &ops); err != nil {
			return nil, domain.WrapError(domain.KindInvalid, err, "malformed delta payload")
		}
		return &Update{Ops: ops}, nil
	default:
		return nil, domain.Invalidf("unknown update kind %d", data[3])
	}
}

// ApplyUpdate decodes and applies a wire frame to the replica. Deltas apply
// in operation order; full states merge. Applying the same frame twice is a
// no-op.
func (d *Document) ApplyUpdate(data []byte) error {
	update, err := Decode(data)
	if err != nil {
		return err
	}
	if update.IsState() {
		d.Merge(update.State)
		return nil
	}
	for _, op := range update.Ops {
		if err := d.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// EncodeSnapshot returns the full-state encoding of the replica.
func (d *Document) EncodeSnapshot() ([]byte, error) {
	return EncodeState(d.State())
}

// DecodeSnapshot restores a replica from a full-state encoding.
func DecodeSnapshot(sid SessionID, data []byte) (*Document, error) {
	update, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if !update.IsState() {
		return nil, domain.Invalidf("snapshot is not a full-state encoding")
	}
	doc := NewDocument(sid)
	doc.Merge(update.State)
	return doc, nil
}
