package cache

import (
	"fmt"
	"time"
)

// Kind identifies the payload shape of a cached entry.
type Kind string

const (
	KindTable Kind = "table"
	KindText  Kind = "text"
	KindJSON  Kind = "json"
)

// TableData is the tabular payload: distinct non-empty headers and rows of
// the same width, zero-indexed with stable order.
type TableData struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// ColumnIndex returns the position of the named column, or -1.
func (t *TableData) ColumnIndex(name string) int {
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// Cell returns the value at (row, column name). The second return is false
// when the row is out of range or the column does not exist.
func (t *TableData) Cell(row int, column string) (any, bool) {
	col := t.ColumnIndex(column)
	if col < 0 || row < 0 || row >= len(t.Rows) {
		return nil, false
	}
	r := t.Rows[row]
	if col >= len(r) {
		return nil, false
	}
	return r[col], true
}

// Validate checks the table invariants.
func (t *TableData) Validate() error {
	seen := make(map[string]struct{}, len(t.Headers))
	for _, h := range t.Headers {
		if h == "" {
			return fmt.Errorf("empty header name")
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("duplicate header %q", h)
		}
		seen[h] = struct{}{}
	}
	for i, r := range t.Rows {
		if len(r) != len(t.Headers) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(r), len(t.Headers))
		}
	}
	return nil
}

// Meta carries entry metadata.
type Meta struct {
	ToolName    string    `json:"tool_name"`
	CreatedAt   time.Time `json:"created_at"`
	IsSensitive bool      `json:"is_sensitive"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Entry is one cached tool-call result. Exactly one of Table, Text, JSON is
// populated according to Kind. Callers must not mutate an entry after Put.
type Entry struct {
	Kind  Kind       `json:"type"`
	Table *TableData `json:"-"`
	Text  string     `json:"-"`
	JSON  any        `json:"-"`
	Meta  Meta       `json:"metadata"`
}

// NewTableEntry builds a table entry.
func NewTableEntry(toolName string, table *TableData, sensitive bool) *Entry {
	return &Entry{
		Kind:  KindTable,
		Table: table,
		Meta: Meta{
			ToolName:    toolName,
			CreatedAt:   time.Now(),
			IsSensitive: sensitive,
		},
	}
}

// NewTextEntry builds a text entry.
func NewTextEntry(toolName, text string, sensitive bool) *Entry {
	return &Entry{
		Kind: KindText,
		Text: text,
		Meta: Meta{
			ToolName:    toolName,
			CreatedAt:   time.Now(),
			IsSensitive: sensitive,
		},
	}
}

// NewJSONEntry builds a json entry.
func NewJSONEntry(toolName string, payload any, sensitive bool) *Entry {
	return &Entry{
		Kind: KindJSON,
		JSON: payload,
		Meta: Meta{
			ToolName:    toolName,
			CreatedAt:   time.Now(),
			IsSensitive: sensitive,
		},
	}
}

// Payload returns the populated payload for wire rendering.
func (e *Entry) Payload() any {
	switch e.Kind {
	case KindTable:
		return e.Table
	case KindText:
		return e.Text
	default:
		return e.JSON
	}
}

// IsExpired reports whether the entry carries a TTL that has elapsed.
func (e *Entry) IsExpired() bool {
	return !e.Meta.ExpiresAt.IsZero() && time.Now().After(e.Meta.ExpiresAt)
}

// Stats represents cache statistics.
type Stats struct {
	TotalEntries int `json:"total_entries"`
	HitCount     int `json:"hit_count"`
	MissCount    int `json:"miss_count"`
	EvictedCount int `json:"evicted_count"`
	CleanupCount int `json:"cleanup_count"`
}
