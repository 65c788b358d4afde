package protocol

import "fmt"

// JSON-RPC error codes forming the stable MCPP wire contract.
const (
	CodeInvalidParams     = -32602 // Missing/ill-typed parameter
	CodeMethodNotFound    = -32601 // Unknown method
	CodeInternalError     = -32603 // Unhandled fault
	CodeParseError        = -32700 // Malformed JSON envelope
	CodeCacheMiss         = -32001 // Placeholder referenced an absent entry
	CodeReferenceNotFound = -32002 // Similarity below threshold
	CodeResolutionFailed  = -32003 // Aggregate resolver failure
	CodeDataNotFound      = -32004 // Unknown tool_call_id or consent id
	CodeInsufficientPerm  = -32005 // Policy denied access
	CodeInvalidDataUsage  = -32006 // Requested level not permitted
	CodeConsentRequired   = -32007 // Dispatcher needs a consent decision
	CodeConsentDenied     = -32008 // User returned deny
	CodeConsentTimeout    = -32009 // Pending wait expired
	CodeInvalidTarget     = -32010 // Unparseable target specification
)

// Error is a structured wire error. Expected outcomes (cache misses, policy
// denials, consent states) travel as *Error values, never as panics.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcpp error %d: %s", e.Code, e.Message)
}

// NewError creates a wire error without attached data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData creates a wire error carrying structured diagnostics.
func NewErrorWithData(code int, message string, data map[string]any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// AsError returns err as *Error when it is one, wrapping anything else as an
// internal error with a generic message so diagnostics stay server-side.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return NewError(CodeInternalError, "internal error")
}
