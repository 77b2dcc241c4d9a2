package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Document limits enforced on every write.
const (
	MaxNoteContentChars  = 10000
	MaxNotesPerMap       = 1000
	MaxConnectionsPerMap = 2000
	MaxNameLength        = 255

	DefaultConnectionType = "arrow"
)

// htmlTagPattern matches anything that looks like an HTML tag or comment.
// Note content is markdown only; HTML is a hard Invalid.
var htmlTagPattern = regexp.MustCompile(`<\s*/?\s*[a-zA-Z!][^>]*>`)

// Map is a row of the maps table.
type Map struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	StateJSON string    `json:"-"`
	SizeBytes int64     `json:"sizeBytes"`
}

// MapSummary is the listing view of a map, without the document body.
type MapSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// Note is a single mind-map note. Field names follow the stored wire shape.
type Note struct {
	ID       string     `json:"i"`
	Content  string     `json:"c"`
	Position [2]float64 `json:"p"`
	Color    string     `json:"color,omitempty"`
}

// Connection links two notes. Identity is the (From, To, Type) tuple, so the
// same pair may be connected twice with different types.
type Connection struct {
	From string `json:"f"`
	To   string `json:"t"`
	Type string `json:"type,omitempty"`
}

// Key returns the canonical identity of the connection.
func (c Connection) Key() string {
	typ := c.Type
	if typ == "" {
		typ = DefaultConnectionType
	}
	return c.From + "|" + c.To + "|" + typ
}

// Meta carries document-level metadata.
type Meta struct {
	Version    string  `json:"version"`
	Created    string  `json:"created"`
	Modified   string  `json:"modified"`
	ZoomLevel  float64 `json:"zoomLevel,omitempty"`
	CanvasType string  `json:"canvasType,omitempty"`
	MapName    string  `json:"mapName,omitempty"`
}

// MindMap is the closed document shape stored in maps.state_json.
type MindMap struct {
	Notes       []Note       `json:"n"`
	Connections []Connection `json:"c"`
	Meta        Meta         `json:"meta"`
}

// ParseMindMap decodes a MindMeld document, rejecting unknown fields.
func ParseMindMap(data []byte) (*MindMap, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m MindMap
	if err := dec.Decode(&m); err != nil {
		return nil, Invalidf("malformed map document: %v", err)
	}
	return &m, nil
}

// Normalize fills defaults the client may omit: empty slices, connection
// types, and required meta timestamps.
func (m *MindMap) Normalize(now time.Time) {
	if m.Notes == nil {
		m.Notes = []Note{}
	}
	if m.Connections == nil {
		m.Connections = []Connection{}
	}
	for i := range m.Connections {
		if m.Connections[i].Type == "" {
			m.Connections[i].Type = DefaultConnectionType
		}
	}

	ts := now.UTC().Format(time.RFC3339)
	if m.Meta.Version == "" {
		m.Meta.Version = "1.0"
	}
	if m.Meta.Created == "" {
		m.Meta.Created = ts
	}
	m.Meta.Modified = ts
}

// Validate checks the document against the write-time invariants. It returns
// a TooLarge error for limit violations and Invalid for structural ones.
func (m *MindMap) Validate() error {
	if len(m.Notes) > MaxNotesPerMap {
		return TooLargef("map has %d notes, limit is %d", len(m.Notes), MaxNotesPerMap)
	}
	if len(m.Connections) > MaxConnectionsPerMap {
		return TooLargef("map has %d connections, limit is %d", len(m.Connections), MaxConnectionsPerMap)
	}

	noteIDs := make(map[string]struct{}, len(m.Notes))
	for _, n := range m.Notes {
		if n.ID == "" {
			return Invalidf("note without id")
		}
		if _, dup := noteIDs[n.ID]; dup {
			return Invalidf("duplicate note id %q", n.ID)
		}
		noteIDs[n.ID] = struct{}{}

		if err := ValidateNoteContent(n.Content); err != nil {
			return err
		}
	}

	connKeys := make(map[string]struct{}, len(m.Connections))
	for _, c := range m.Connections {
		if c.From == "" || c.To == "" {
			return Invalidf("connection missing endpoint")
		}
		if c.From == c.To {
			return Invalidf("connection from %q to itself", c.From)
		}
		key := c.Key()
		if _, dup := connKeys[key]; dup {
			return Invalidf("duplicate connection %s", key)
		}
		connKeys[key] = struct{}{}
	}

	return nil
}

// ValidateNoteContent enforces the per-note content rules shared by the REST
// and CRDT write paths.
func ValidateNoteContent(content string) error {
	if runes := len([]rune(content)); runes > MaxNoteContentChars {
		return TooLargef("note content is %d characters, limit is %d", runes, MaxNoteContentChars)
	}
	if htmlTagPattern.MatchString(content) {
		return Invalidf("HTML is not allowed in note content")
	}
	return nil
}

// Encode renders the document as the compact JSON stored in state_json.
func (m *MindMap) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map document: %w", err)
	}
	return string(data), nil
}

// ValidateName checks a map display name.
func ValidateName(name string) error {
	if name == "" {
		return Invalidf("map name must not be empty")
	}
	if len(name) > MaxNameLength {
		return TooLargef("map name is %d bytes, limit is %d", len(name), MaxNameLength)
	}
	return nil
}
