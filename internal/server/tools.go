package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"mcpp-go/internal/cache"
	"mcpp-go/internal/config"
	"mcpp-go/internal/protocol"
)

// ToolExecutor runs the backing implementation of a configured tool. The
// server owns caching and policy; the executor only produces the raw result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// ExecutorFunc adapts a function to the ToolExecutor interface.
type ExecutorFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Execute implements ToolExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// NewCallID mints a server-generated tool call identifier.
func NewCallID() string {
	return ulid.Make().String()
}

// executeTool runs a configured tool and caches the result when the tool is
// sensitive. callID may be empty, in which case one is minted. Returns the
// call id and the wire result: a summary for sensitive tools, the full
// payload otherwise.
func (s *Server) executeTool(ctx context.Context, tool *config.ToolConfig, args map[string]any, callID string) (string, any, error) {
	if s.executor == nil {
		return "", nil, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("no executor configured for tool %q", tool.Name))
	}

	raw, err := s.executor.Execute(ctx, tool.Name, args)
	if err != nil {
		return "", nil, protocol.NewErrorWithData(protocol.CodeInternalError,
			fmt.Sprintf("tool %q failed", tool.Name),
			map[string]any{"error": err.Error()})
	}

	entry, err := normalizeResult(tool.Name, raw, tool.IsSensitive, s.cfg.CacheEntryTTL)
	if err != nil {
		return "", nil, protocol.AsError(err)
	}

	if callID == "" {
		callID = NewCallID()
	}

	if !tool.IsSensitive {
		return callID, renderEntry(callID, entry), nil
	}

	s.store.Put(callID, entry)
	if s.metrics != nil {
		s.metrics.RecordCacheOp("put")
		s.metrics.SetCacheEntries(s.store.Len())
	}
	return callID, sensitiveSummary(callID, entry), nil
}

// normalizeResult maps an executor return value onto a cache entry. Tables
// arrive as *cache.TableData or as a decoded {headers, rows} object; strings
// become text entries; anything else is kept as json.
func normalizeResult(toolName string, raw any, sensitive bool, ttl time.Duration) (*cache.Entry, error) {
	var entry *cache.Entry

	switch v := raw.(type) {
	case *cache.TableData:
		if err := v.Validate(); err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
		}
		entry = cache.NewTableEntry(toolName, v, sensitive)
	case cache.TableData:
		if err := v.Validate(); err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error())
		}
		entry = cache.NewTableEntry(toolName, &v, sensitive)
	case string:
		entry = cache.NewTextEntry(toolName, v, sensitive)
	case map[string]any:
		if table, ok := coerceTable(v); ok {
			entry = cache.NewTableEntry(toolName, table, sensitive)
		} else {
			entry = cache.NewJSONEntry(toolName, v, sensitive)
		}
	default:
		entry = cache.NewJSONEntry(toolName, raw, sensitive)
	}

	if ttl > 0 {
		entry.Meta.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, nil
}

// coerceTable recognizes a decoded JSON object shaped like {headers, rows}
// and converts it into validated table data.
func coerceTable(m map[string]any) (*cache.TableData, bool) {
	rawHeaders, ok := m["headers"].([]any)
	if !ok || len(rawHeaders) == 0 {
		return nil, false
	}
	rawRows, ok := m["rows"].([]any)
	if !ok {
		return nil, false
	}

	headers := make([]string, 0, len(rawHeaders))
	for _, h := range rawHeaders {
		s, ok := h.(string)
		if !ok {
			return nil, false
		}
		headers = append(headers, s)
	}

	rows := make([][]any, 0, len(rawRows))
	for _, r := range rawRows {
		cells, ok := r.([]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, cells)
	}

	table := &cache.TableData{Headers: headers, Rows: rows}
	if err := table.Validate(); err != nil {
		return nil, false
	}
	return table, true
}

// renderEntry is the wire form of a cached entry.
func renderEntry(callID string, e *cache.Entry) map[string]any {
	return map[string]any{
		"tool_call_id": callID,
		"type":         e.Kind,
		"payload":      e.Payload(),
		"metadata":     e.Meta,
	}
}

// sensitiveSummary is the redacted tools/call result: enough structure to
// mint placeholders, none of the cell values.
func sensitiveSummary(callID string, e *cache.Entry) map[string]any {
	summary := map[string]any{
		"message": fmt.Sprintf(
			"Result cached under id %s. Reference individual values with {%s.<row>.<column>} placeholders.",
			callID, callID),
		"dataRefId": callID,
	}
	if e.Kind == cache.KindTable && e.Table != nil {
		summary["rowCount"] = len(e.Table.Rows)
		summary["columnNames"] = e.Table.Headers
	}
	return summary
}

// entrySummary describes a cached entry for consent prompts without exposing
// cell values.
func entrySummary(callID string, e *cache.Entry) map[string]any {
	summary := map[string]any{
		"tool_call_id": callID,
		"tool_name":    e.Meta.ToolName,
		"type":         e.Kind,
		"is_sensitive": e.Meta.IsSensitive,
	}
	if e.Kind == cache.KindTable && e.Table != nil {
		summary["row_count"] = len(e.Table.Rows)
		summary["column_names"] = e.Table.Headers
	}
	return summary
}

// marshalText renders a value as the text content of an MCP tool result.
func marshalText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
