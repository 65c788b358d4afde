package server

import (
	"encoding/json"
	"net/http"

	"mcpp-go/internal/protocol"
)

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

// writeResult writes a success response. JSON-RPC errors always travel with
// HTTP 200; only transport-level faults use other status codes.
func writeResult(w http.ResponseWriter, id, result any) {
	writeJSON(w, &rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, id any, err *protocol.Error) {
	writeJSON(w, &rpcResponse{JSONRPC: "2.0", ID: id, Error: err})
}

func writeJSON(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
