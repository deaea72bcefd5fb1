package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

const maxBatch = 32

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports a request without an id; it gets no response.
func (r rpcRequest) notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func rpcErr(id json.RawMessage, code int, msg string, data any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}}
}

func rpcOK(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// parseRPCBody decodes a single request or a batch. Malformed members of a batch
// come back as placeholders with bad set so each still gets an error response.
func parseRPCBody(body []byte) (reqs []rpcRequest, bad []error, batch bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] != '[' {
		req, err := decodeRPCRequest(trimmed)
		if err != nil {
			return nil, nil, false, err
		}
		return []rpcRequest{req}, []error{nil}, false, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, nil, true, err
	}
	if len(raw) == 0 {
		return nil, nil, true, fmt.Errorf("empty batch")
	}
	if len(raw) > maxBatch {
		return nil, nil, true, fmt.Errorf("batch of %d exceeds %d", len(raw), maxBatch)
	}
	for _, m := range raw {
		req, err := decodeRPCRequest(m)
		if err != nil {
			// Keep the id if there is one so the error can be correlated.
			var idOnly struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.Unmarshal(m, &idOnly)
			if len(idOnly.ID) == 0 {
				idOnly.ID = json.RawMessage("null")
			}
			req = rpcRequest{ID: idOnly.ID}
		}
		reqs = append(reqs, req)
		bad = append(bad, err)
	}
	return reqs, bad, true, nil
}

func decodeRPCRequest(b []byte) (rpcRequest, error) {
	var req rpcRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return rpcRequest{}, err
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return rpcRequest{}, fmt.Errorf("unsupported jsonrpc version")
	}
	if req.Method == "" {
		return rpcRequest{}, fmt.Errorf("missing method")
	}
	return req, nil
}
