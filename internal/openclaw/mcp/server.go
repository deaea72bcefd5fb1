// Package mcp exposes the agent engine as JSON-RPC tools over HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"conquest.eth/internal/agent"
	"conquest.eth/internal/game/location"
	"conquest.eth/internal/lifecycle/exit"
	"conquest.eth/internal/lifecycle/fleet"
	"conquest.eth/internal/persistence/pendingdb"
	"conquest.eth/internal/protocol"
)

// Engine is the facade the tools call into.
type Engine interface {
	Send(ctx context.Context, args agent.SendArgs) (pendingdb.Fleet, error)
	Resolve(ctx context.Context, id common.Hash) (fleet.ResolveResult, error)
	GetPendingFleets(ctx context.Context) ([]agent.PendingFleet, error)
	BeginExit(ctx context.Context, ids []location.ID) (exit.BeginResult, error)
	VerifyExitStatus(ctx context.Context, planet location.ID) (exit.StatusResult, error)
	Withdraw(ctx context.Context, ids []location.ID) (exit.WithdrawResult, error)
	GetPendingExits(ctx context.Context) ([]agent.PendingExit, error)
	Simulate(ctx context.Context, args agent.SimulateArgs) (agent.SimulateResult, error)
	Sweep(ctx context.Context) (agent.SweepReport, error)
	Planet(ctx context.Context, id location.ID) (agent.PlanetView, error)
	Spiral(ctx context.Context, cursor *location.SpiralState, maxSteps, limit int) (agent.SpiralResult, error)
}

type Config struct {
	Engine     Engine
	HMACSecret string
	// AllowLegacyHMAC accepts signatures without a nonce.
	AllowLegacyHMAC bool
	Logger          *log.Logger
}

type Server struct {
	engine      Engine
	hmacSecret  []byte
	allowLegacy bool
	replay      *replayGuard
	logger      *log.Logger
	now         func() time.Time

	tools     map[string]*tool
	toolOrder []*tool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("nil engine")
	}
	byName, order, err := compileTools()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:      cfg.Engine,
		allowLegacy: cfg.AllowLegacyHMAC,
		logger:      cfg.Logger,
		now:         time.Now,
		tools:       byName,
		toolOrder:   order,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
		s.replay = newReplayGuard(10 * time.Minute)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	caller := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		now := s.now()
		sig, err := verifyHMAC(r, body, s.hmacSecret, now, s.allowLegacy)
		if err != nil {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte(err.Error()))
			return
		}
		if !s.replay.allow(sig.agentID, sig.sig, now) {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte("replayed request"))
			return
		}
		caller = sig.agentID
	}
	if caller == "" {
		caller = "default"
	}

	reqs, bad, batch, err := parseRPCBody(body)
	if err != nil {
		writeJSON(rw, rpcErr(nil, codeParseError, "bad jsonrpc request", err.Error()))
		return
	}
	out := make([]rpcResponse, 0, len(reqs))
	for i, req := range reqs {
		if bad[i] != nil {
			out = append(out, rpcErr(req.ID, codeInvalidRequest, "invalid request", bad[i].Error()))
			continue
		}
		resp := s.dispatch(r.Context(), caller, req)
		if req.notification() {
			continue
		}
		out = append(out, resp)
	}
	switch {
	case len(out) == 0:
		rw.WriteHeader(http.StatusNoContent)
	case batch:
		writeJSON(rw, out)
	default:
		writeJSON(rw, out[0])
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) dispatch(ctx context.Context, caller string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "conquest-agent", "version": protocol.Version},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "list_tools":
		list := make([]map[string]any, 0, len(s.toolOrder))
		for _, t := range s.toolOrder {
			list = append(list, t.descriptor())
		}
		return rpcOK(req.ID, map[string]any{"tools": list})

	case "call_tool":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		t, ok := s.tools[p.Name]
		if !ok {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		if err := t.validate(p.Arguments); err != nil {
			return rpcErr(req.ID, codeInvalidParams, err.Error(), map[string]any{"code": protocol.ErrBadRequest})
		}
		started := s.now()
		out, err := t.call(ctx, s.engine, p.Arguments)
		if err != nil {
			s.logger.Printf("tool=%s caller=%s code=%s err=%v", p.Name, caller, protocol.CodeOf(err), err)
			return rpcErr(req.ID, codeToolFailed, err.Error(), errorData(err))
		}
		s.logger.Printf("tool=%s caller=%s ok dur=%s", p.Name, caller, s.now().Sub(started))
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

// errorData is the JSON-RPC error payload: the stable code, whether the same call
// may be repeated, and any tool-specific fields.
func errorData(err error) map[string]any {
	data := map[string]any{
		"code":      protocol.CodeOf(err),
		"retryable": protocol.IsRetryable(err),
	}
	var de *dataError
	if errors.As(err, &de) {
		for k, v := range de.data {
			data[k] = v
		}
	}
	return data
}
