// Package placeholder implements the {call_id.row.column} reference grammar
// and the recursive resolver that substitutes placeholders inside argument
// trees against the data cache.
package placeholder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"mcpp-go/internal/cache"
)

// Two distinct regexes: the sole form must match the entire string so the
// raw cell value (with its type) can replace it; the embedded form matches
// every occurrence inside a longer string for in-place stringification.
var (
	soleRe     = regexp.MustCompile(`^\{([A-Za-z0-9_-]+)\.(\d+)\.([A-Za-z0-9_-]+)\}$`)
	embeddedRe = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\.(\d+)\.([A-Za-z0-9_-]+)\}`)
)

// Ref is a parsed placeholder: one cell of a cached table.
type Ref struct {
	CallID string
	Row    int
	Column string
}

// String renders the canonical wire form.
func (r Ref) String() string {
	return fmt.Sprintf("{%s.%d.%s}", r.CallID, r.Row, r.Column)
}

// Parse recognizes a string that is exactly one placeholder.
func Parse(s string) (Ref, bool) {
	m := soleRe.FindStringSubmatch(s)
	if m == nil {
		return Ref{}, false
	}
	row, err := strconv.Atoi(m[2])
	if err != nil {
		return Ref{}, false
	}
	return Ref{CallID: m[1], Row: row, Column: m[3]}, true
}

// Status tracks resolution outcomes for one resolver pass. Total counts
// every placeholder occurrence encountered, not unique placeholders.
type Status struct {
	Total      int      `json:"total"`
	Resolved   int      `json:"resolved"`
	Failed     int      `json:"failed"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// Resolver substitutes placeholders against the data cache.
type Resolver struct {
	store  *cache.Store
	logger *zap.Logger
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store *cache.Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve walks data and substitutes placeholders, leaving failures in
// place. See ResolveWithTracking for the tracking contract.
func (r *Resolver) Resolve(data any) any {
	out, _ := r.ResolveWithTracking(data)
	return out
}

// ResolveWithTracking walks data and returns the (partially) resolved value
// plus counters and the list of unresolved placeholder strings. Failures are
// not errors for the walk as a whole; the caller decides how to treat a
// non-100% success.
func (r *Resolver) ResolveWithTracking(data any) (any, *Status) {
	status := &Status{}
	out := r.walk(data, status)
	return out, status
}

// walk processes one node. Strings get placeholder treatment, slices are
// walked element-wise, maps value-wise with keys untouched, and every other
// scalar passes through unchanged.
func (r *Resolver) walk(node any, status *Status) any {
	switch v := node.(type) {
	case string:
		return r.resolveString(v, status)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = r.walk(elem, status)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = r.walk(elem, status)
		}
		return out
	default:
		return node
	}
}

// resolveString handles the two grammar forms. The sole form preserves the
// cell's type; embedded matches are stringified in place.
func (r *Resolver) resolveString(s string, status *Status) any {
	if ref, ok := Parse(s); ok {
		status.Total++
		value, found := r.lookup(ref)
		if !found {
			status.Failed++
			status.Unresolved = append(status.Unresolved, s)
			return s
		}
		status.Resolved++
		return value
	}

	if !embeddedRe.MatchString(s) {
		return s
	}

	return embeddedRe.ReplaceAllStringFunc(s, func(match string) string {
		ref, ok := Parse(match)
		if !ok {
			return match
		}
		status.Total++
		value, found := r.lookup(ref)
		if !found {
			status.Failed++
			status.Unresolved = append(status.Unresolved, match)
			return match
		}
		status.Resolved++
		return Stringify(value)
	})
}

// lookup fetches one cell. Only table entries are resolvable.
func (r *Resolver) lookup(ref Ref) (any, bool) {
	entry, ok := r.store.Get(ref.CallID)
	if !ok {
		return nil, false
	}
	if entry.Kind != cache.KindTable || entry.Table == nil {
		if r.logger != nil {
			r.logger.Debug("placeholder points at non-table entry",
				zap.String("call_id", ref.CallID),
				zap.String("kind", string(entry.Kind)))
		}
		return nil, false
	}
	return entry.Table.Cell(ref.Row, ref.Column)
}

// Stringify renders a cell value the way it would naturally appear in text:
// strings verbatim, numbers and booleans via fmt, everything else as
// compact JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// FindAll returns every placeholder occurrence inside a value tree without
// resolving them. Used to build consent summaries.
func FindAll(data any) []Ref {
	var refs []Ref
	collect(data, &refs)
	return refs
}

func collect(node any, refs *[]Ref) {
	switch v := node.(type) {
	case string:
		for _, m := range embeddedRe.FindAllStringSubmatch(v, -1) {
			row, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			*refs = append(*refs, Ref{CallID: m[1], Row: row, Column: m[3]})
		}
	case []any:
		for _, elem := range v {
			collect(elem, refs)
		}
	case map[string]any:
		for _, elem := range v {
			collect(elem, refs)
		}
	}
}
