package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/pkg/wire"
)

// CallContext is the caller-supplied environment of one tool.execute.
type CallContext struct {
	SessionKey string `json:"sessionKey,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

type ListResult struct {
	Tools []Descriptor `json:"tools"`
}

type DescribeParams struct {
	Name string `json:"name"`
}

type DescribeResult struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

type ExecuteParams struct {
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	Context CallContext    `json:"context,omitempty"`
}

// Service exposes a Registry over the gateway as the "tools" service.
//
// Failures split two ways: unknown tools and malformed arguments are RPC
// errors the caller must handle; anything the tool itself does wrong comes
// back as a normal result with isError set, so the model sees it and the
// run continues.
type Service struct {
	reg     *Registry
	c       *client.Client
	workDir string
}

// NewService wires the tool methods onto a gateway client. workDir is the
// default working directory for calls that do not carry one.
func NewService(c *client.Client, reg *Registry, workDir string) *Service {
	s := &Service{reg: reg, c: c, workDir: workDir}
	c.Handle(wire.MethodToolList, s.handleList)
	c.Handle(wire.MethodToolDescribe, s.handleDescribe)
	c.Handle(wire.MethodToolExecute, s.handleExecute)
	return s
}

func (s *Service) handleList(_ context.Context, _ json.RawMessage) (any, error) {
	return ListResult{Tools: s.reg.Descriptors()}, nil
}

func (s *Service) handleDescribe(_ context.Context, params json.RawMessage) (any, error) {
	var p DescribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad describe params: %v", err)
	}
	t, ok := s.reg.Get(p.Name)
	if !ok {
		return nil, wire.Errorf(wire.CodeNotFound, "tool %s not found", p.Name)
	}
	return DescribeResult{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema().JSON(),
	}, nil
}

func (s *Service) handleExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var p ExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad execute params: %v", err)
	}
	t, ok := s.reg.Get(p.Name)
	if !ok {
		return nil, wire.Errorf(wire.CodeNotFound, "tool %s not found", p.Name)
	}
	args := p.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := t.Schema().Validate(args); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "%s: %v", p.Name, err)
	}

	tc := ToolContext{
		SessionKey: p.Context.SessionKey,
		WorkingDir: p.Context.WorkingDir,
		AgentID:    p.Context.AgentID,
		Caller:     s.c,
	}
	if tc.WorkingDir == "" {
		tc.WorkingDir = s.workDir
	}

	start := time.Now()
	res := s.run(ctx, t, args, tc)
	slog.Debug("tool executed",
		"tool", p.Name, "session", tc.SessionKey,
		"isError", res.IsError, "duration", time.Since(start))
	return res, nil
}

// run converts every tool-level failure, returned or panicked, into an
// isError result.
func (s *Service) run(ctx context.Context, t Tool, args map[string]any, tc ToolContext) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", t.Name(), "panic", r)
			res = Errorf("tool %s crashed: %v", t.Name(), r)
		}
	}()
	res, err := t.Execute(ctx, args, tc)
	if err != nil {
		return Errorf("%v", err)
	}
	if res == nil {
		return TextResult("")
	}
	return res
}
