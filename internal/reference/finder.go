// Package reference mints placeholders from free-text keywords by
// fuzzy-matching them against the cells of a cached table.
package reference

import (
	"fmt"
	"strings"

	"github.com/xrash/smetrics"
	"go.uber.org/zap"

	"mcpp-go/internal/cache"
	"mcpp-go/internal/placeholder"
	"mcpp-go/internal/protocol"
)

// DefaultThreshold is the minimum similarity; matches must be strictly
// greater to count.
const DefaultThreshold = 0.7

// Jaro-Winkler parameters (standard boost threshold and prefix length).
const (
	jwBoostThreshold = 0.7
	jwPrefixSize     = 4
)

// Match is a successful fuzzy lookup.
type Match struct {
	Placeholder  string  `json:"placeholder"`
	Similarity   float64 `json:"similarity"`
	Row          int     `json:"row"`
	Column       string  `json:"column"`
	RowsScanned  int     `json:"rows_scanned"`
	CellsScanned int     `json:"cells_scanned"`
}

// Finder searches cached tabular data.
type Finder struct {
	store     *cache.Store
	threshold float64
	logger    *zap.Logger
}

// NewFinder creates a finder. A non-positive threshold falls back to
// DefaultThreshold.
func NewFinder(store *cache.Store, threshold float64, logger *zap.Logger) *Finder {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Finder{store: store, threshold: threshold, logger: logger}
}

// Find scans the cached table for the cell most similar to keyword and
// returns it as a placeholder. When column is non-empty only that column is
// scanned. Ties go to the first cell in row-major scan order.
func (f *Finder) Find(callID, keyword, column string) (*Match, error) {
	if callID == "" || keyword == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool_call_id and keyword are required")
	}

	entry, ok := f.store.Get(callID)
	if !ok {
		return nil, protocol.NewError(protocol.CodeDataNotFound,
			fmt.Sprintf("no cached data for tool_call_id %q", callID))
	}
	if entry.Kind != cache.KindTable || entry.Table == nil || len(entry.Table.Headers) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			fmt.Sprintf("entry %q is not tabular data", callID))
	}

	table := entry.Table
	colFilter := -1
	if column != "" {
		colFilter = table.ColumnIndex(column)
		if colFilter < 0 {
			return nil, protocol.NewError(protocol.CodeInvalidParams,
				fmt.Sprintf("column %q not found in headers", column))
		}
	}

	needle := strings.ToLower(keyword)
	best := -1.0
	bestRow, bestCol := -1, -1
	cells := 0

	for ri, row := range table.Rows {
		for ci := range table.Headers {
			if colFilter >= 0 && ci != colFilter {
				continue
			}
			if ci >= len(row) {
				continue
			}
			cells++
			haystack := strings.ToLower(placeholder.Stringify(row[ci]))
			sim := smetrics.JaroWinkler(needle, haystack, jwBoostThreshold, jwPrefixSize)
			if sim > best {
				best = sim
				bestRow, bestCol = ri, ci
			}
		}
	}

	if best <= f.threshold || bestRow < 0 {
		if best < 0 {
			best = 0
		}
		return nil, protocol.NewErrorWithData(protocol.CodeReferenceNotFound,
			fmt.Sprintf("no cell matched %q above threshold %.2f", keyword, f.threshold),
			map[string]any{
				"best_similarity": best,
				"cells_scanned":   cells,
			})
	}

	ref := placeholder.Ref{CallID: callID, Row: bestRow, Column: table.Headers[bestCol]}
	if f.logger != nil {
		f.logger.Debug("reference resolved",
			zap.String("call_id", callID),
			zap.String("placeholder", ref.String()),
			zap.Float64("similarity", best))
	}

	return &Match{
		Placeholder:  ref.String(),
		Similarity:   best,
		Row:          bestRow,
		Column:       table.Headers[bestCol],
		RowsScanned:  len(table.Rows),
		CellsScanned: cells,
	}, nil
}
