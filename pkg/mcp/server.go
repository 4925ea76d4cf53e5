package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/axis-ve/AgentVault/pkg/contracts"
	"github.com/axis-ve/AgentVault/pkg/policy"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Request is one framed invocation: a line of JSON on stdin.
type Request struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Response mirrors a request. Exactly one of Result or Error is set.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError carries the closed error kind across the transport. Messages
// hold identifying context only, never secrets or stack detail.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server routes tool calls through the firewall and the policy engine.
type Server struct {
	catalog  *Catalog
	firewall *Firewall
	policy   *policy.Engine
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer builds an empty tool server; tools are added with RegisterTool.
func NewServer(pol *policy.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		catalog:  NewCatalog(),
		firewall: NewFirewall(),
		policy:   pol,
		log:      log.With("component", "mcp"),
		handlers: make(map[string]Handler),
	}
	// list_tools is always present so callers can discover the surface and
	// the idempotency tags the transport needs for retry decisions.
	listDef := ToolDef{
		Name:        "list_tools",
		Description: "List the registered tools and whether each may be retried.",
		Idempotent:  true,
	}
	_ = s.catalog.Register(listDef)
	_ = s.firewall.Allow(listDef.Name, "")
	s.handlers[listDef.Name] = func(context.Context, map[string]any) (any, error) {
		return s.catalog.List(), nil
	}
	return s
}

// RegisterTool wires a tool into the catalog, the firewall, and the handler
// table in one step.
func (s *Server) RegisterTool(def ToolDef, h Handler) error {
	if err := s.catalog.Register(def); err != nil {
		return err
	}
	if err := s.firewall.Allow(def.Name, def.Schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[def.Name] = h
	return nil
}

// Dispatch runs one tool call through firewall, policy, and handler.
func (s *Server) Dispatch(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if err := s.firewall.Check(toolName, args); err != nil {
		return nil, err
	}
	s.mu.RLock()
	h, ok := s.handlers[toolName]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.E(contracts.KindNotFound, "mcp.Dispatch",
			fmt.Sprintf("unknown tool %q", toolName))
	}
	return s.policy.Guard(ctx, toolName, agentFrom(args), args, func(ctx context.Context) (any, error) {
		return h(ctx, args)
	})
}

// agentFrom pulls the principal out of the argument map for rate-limit
// attribution. Tools without an agent argument are limited globally.
func agentFrom(args map[string]any) string {
	for _, key := range []string{"agent_id", "agent", "address"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ServeStdio reads newline-delimited JSON requests from r and writes one
// response line per request to w. Requests run serially in arrival order;
// the loop ends on EOF or context cancellation.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{OK: false, Error: &WireError{
				Kind:    string(contracts.KindInternal),
				Message: "malformed request frame",
			}}); encErr != nil {
				return encErr
			}
			continue
		}
		resp := s.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	result, err := s.Dispatch(ctx, req.Tool, req.Args)
	if err != nil {
		kind := contracts.KindOf(err)
		s.log.Warn("tool call failed", "id", req.ID, "tool", req.Tool, "kind", kind)
		return Response{ID: req.ID, OK: false, Error: &WireError{
			Kind:    string(kind),
			Message: messageOf(err),
		}}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// messageOf keeps the caller-facing message down to the kind's context; the
// wrapped cause stays in the server log only.
func messageOf(err error) string {
	var ce *contracts.Error
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	return string(contracts.KindOf(err))
}
