package crdt

// TextElement is one rune of an RGA text sequence. Deleted elements remain
// as tombstones so concurrent edits keep their anchors.
type TextElement struct {
	ID      Timestamp `json:"id"`
	Value   string    `json:"v"`
	Deleted bool      `json:"del,omitempty"`
}

// Text is a Replicated Growable Array of runes. Insertions anchor to the id
// of the preceding element; concurrent insertions at the same anchor order by
// descending element id, which makes every replica converge to the same
// sequence.
type Text struct {
	Elements []*TextElement `json:"elems,omitempty"`
}

// NewText creates an empty text sequence.
func NewText() *Text {
	return &Text{}
}

// String returns the visible content.
func (t *Text) String() string {
	var out []byte
	for _, elem := range t.Elements {
		if !elem.Deleted {
			out = append(out, elem.Value...)
		}
	}
	return string(out)
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	n := 0
	for _, elem := range t.Elements {
		if !elem.Deleted {
			n++
		}
	}
	return n
}

func (t *Text) find(id Timestamp) int {
	for i, elem := range t.Elements {
		if elem.ID.Compare(id) == 0 {
			return i
		}
	}
	return -1
}

// InsertAfter inserts value after the element with afterID (the zero
// Timestamp anchors at the head). Each rune receives a consecutive counter
// starting at id. Re-applying the same insert is a no-op.
func (t *Text) InsertAfter(afterID, id Timestamp, value string) bool {
	if value == "" {
		return true
	}
	// Idempotence: the first rune's id already present means this insert
	// was applied before.
	if t.find(id) != -1 {
		return true
	}

	pos := -1
	if !afterID.IsZero() {
		pos = t.find(afterID)
		if pos == -1 {
			return false
		}
	}

	// RGA conflict rule: concurrent inserts at the same anchor order by
	// descending id, so skip over newer competing elements.
	insertAt := pos + 1
	for insertAt < len(t.Elements) && t.Elements[insertAt].ID.After(id) {
		insertAt++
	}

	runes := []rune(value)
	block := make([]*TextElement, len(runes))
	for i, r := range runes {
		block[i] = &TextElement{
			ID:    Timestamp{Counter: id.Counter + uint64(i), SID: id.SID},
			Value: string(r),
		}
	}

	t.Elements = append(t.Elements[:insertAt], append(block, t.Elements[insertAt:]...)...)
	return true
}

// Delete tombstones the elements with the given ids. Unknown ids are
// ignored, which keeps deletes idempotent and tolerant of reordering.
func (t *Text) Delete(ids []Timestamp) {
	for _, id := range ids {
		if i := t.find(id); i != -1 {
			t.Elements[i].Deleted = true
		}
	}
}

// VisibleIDs returns the ids of the visible elements in order.
func (t *Text) VisibleIDs() []Timestamp {
	ids := make([]Timestamp, 0, len(t.Elements))
	for _, elem := range t.Elements {
		if !elem.Deleted {
			ids = append(ids, elem.ID)
		}
	}
	return ids
}

// LastID returns the id of the final element (deleted or not), or the zero
// Timestamp when the sequence is empty.
func (t *Text) LastID() Timestamp {
	if len(t.Elements) == 0 {
		return Timestamp{}
	}
	return t.Elements[len(t.Elements)-1].ID
}

// Merge folds the other sequence into this one. Every element of other is
// re-inserted relative to its own predecessor, so both replicas end with the
// same order; tombstones win over visibility.
func (t *Text) Merge(other *Text) {
	if other == nil {
		return
	}

	prev := Timestamp{}
	for _, elem := range other.Elements {
		if i := t.find(elem.ID); i != -1 {
			if elem.Deleted {
				t.Elements[i].Deleted = true
			}
		} else {
			t.InsertAfter(prev, elem.ID, elem.Value)
			if elem.Deleted {
				if i := t.find(elem.ID); i != -1 {
					t.Elements[i].Deleted = true
				}
			}
		}
		prev = elem.ID
	}
}

// Clone returns a deep copy.
func (t *Text) Clone() *Text {
	clone := &Text{Elements: make([]*TextElement, len(t.Elements))}
	for i, elem := range t.Elements {
		copied := *elem
		clone.Elements[i] = &copied
	}
	return clone
}
