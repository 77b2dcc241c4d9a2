// Package mcp exposes a small tool-call bridge so agent clients can browse
// and manage maps over a single JSON-RPC endpoint instead of the REST surface.
package mcp

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/repository"
)

// ProtocolVersion is the bridge revision reported to clients.
const ProtocolVersion = "2025-03-26"

// Bridge serves tools/list and tools/call over POST.
type Bridge struct {
	repo   *repository.MapRepository
	logger *zap.Logger
}

// NewBridge creates a bridge over the map repository.
func NewBridge(repo *repository.MapRepository, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{repo: repo, logger: logger}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

type toolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (b *Bridge) tools() []toolDescriptor {
	return []toolDescriptor{
		{
			Name:        "list_maps",
			Description: "List mind maps, newest first. Supports a name filter and cursor pagination.",
			InputSchema: objectSchema(map[string]interface{}{
				"filter": map[string]interface{}{"type": "string"},
				"cursor": map[string]interface{}{"type": "string"},
				"limit":  map[string]interface{}{"type": "integer"},
			}),
		},
		{
			Name:        "get_map",
			Description: "Fetch one mind map with its full state.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
		},
		{
			Name:        "create_map",
			Description: "Create a mind map, optionally seeded with initial state.",
			InputSchema: objectSchema(map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
				"data": map[string]interface{}{"type": "object"},
			}),
		},
		{
			Name:        "delete_map",
			Description: "Delete a mind map and its live replicas.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}, "id"),
		},
	}
}

// ServeHTTP dispatches one JSON-RPC request per POST.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		b.reply(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		b.reply(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]string{"name": "mindmeld", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": b.tools()}
	case "tools/call":
		result, err := b.call(r, req.Params)
		if err != nil {
			resp.Error = toRPCError(err)
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	b.reply(w, resp)
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (b *Bridge) call(r *http.Request, params json.RawMessage) (interface{}, error) {
	var p callParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, domain.Invalidf("malformed tool call params: %v", err)
	}

	var payload interface{}
	var err error
	switch p.Name {
	case "list_maps":
		payload, err = b.listMaps(r, p.Arguments)
	case "get_map":
		payload, err = b.getMap(r, p.Arguments)
	case "create_map":
		payload, err = b.createMap(r, p.Arguments)
	case "delete_map":
		payload, err = b.deleteMap(r, p.Arguments)
	default:
		return nil, domain.Invalidf("unknown tool: %s", p.Name)
	}
	if err != nil {
		b.logger.Warn("tool call failed", zap.String("tool", p.Name), zap.Error(err))
		return nil, err
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode tool result")
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(text)}},
	}, nil
}

func (b *Bridge) listMaps(r *http.Request, args json.RawMessage) (interface{}, error) {
	var in struct {
		Filter string `json:"filter"`
		Cursor string `json:"cursor"`
		Limit  int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, domain.Invalidf("malformed arguments: %v", err)
		}
	}
	return b.repo.List(r.Context(), in.Cursor, in.Limit, in.Filter)
}

func (b *Bridge) getMap(r *http.Request, args json.RawMessage) (interface{}, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Invalidf("malformed arguments: %v", err)
	}
	return b.repo.Get(r.Context(), in.ID)
}

func (b *Bridge) createMap(r *http.Request, args json.RawMessage) (interface{}, error) {
	var in struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, domain.Invalidf("malformed arguments: %v", err)
		}
	}

	var data *domain.MindMap
	if len(in.Data) > 0 {
		parsed, err := domain.ParseMindMap(in.Data)
		if err != nil {
			return nil, err
		}
		data = parsed
	}
	return b.repo.Create(r.Context(), in.Name, data)
}

func (b *Bridge) deleteMap(r *http.Request, args json.RawMessage) (interface{}, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Invalidf("malformed arguments: %v", err)
	}
	if err := b.repo.Delete(r.Context(), in.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": in.ID}, nil
}

func toRPCError(err error) *rpcError {
	switch domain.KindOf(err) {
	case domain.KindInvalid, domain.KindTooLarge:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case domain.KindNotFound:
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: err.Error()}
	}
}

func (b *Bridge) reply(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.logger.Warn("failed to write rpc response", zap.Error(err))
	}
}
