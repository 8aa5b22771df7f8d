package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/hub"
	"github.com/vargoshq/vargos/internal/reconnect"
	"github.com/vargoshq/vargos/pkg/wire"
)

var testPolicy = reconnect.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}

func startToolsService(t *testing.T, reg *Registry) *client.Client {
	t.Helper()
	url := hub.StartTestHub(t, nil)

	svc := client.New(client.Options{
		URL: url, Service: "tools", Version: "test", Reconnect: testPolicy,
	})
	NewService(svc, reg, t.TempDir())

	probe := client.New(client.Options{
		URL: url, Service: "probe", Version: "test", Reconnect: testPolicy,
	})

	for _, c := range []*client.Client{svc, probe} {
		c := c
		go c.Run(t.Context())
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		if err := c.WaitReady(ctx); err != nil {
			t.Fatalf("client not ready: %v", err)
		}
	}
	return probe
}

func TestToolServiceListAndDescribe(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		fakeTool{name: "echo", desc: "repeats input"},
		fakeTool{name: "fail", desc: "always errors"},
	)
	probe := startToolsService(t, reg)
	ctx := t.Context()

	var list ListResult
	if err := probe.Call(ctx, wire.MethodToolList, nil, &list); err != nil {
		t.Fatalf("tool.list: %v", err)
	}
	if len(list.Tools) != 2 || list.Tools[0].Name != "echo" {
		t.Errorf("list = %+v", list.Tools)
	}

	var desc DescribeResult
	if err := probe.Call(ctx, wire.MethodToolDescribe, DescribeParams{Name: "echo"}, &desc); err != nil {
		t.Fatalf("tool.describe: %v", err)
	}
	if desc.Name != "echo" || desc.Schema["type"] != "object" {
		t.Errorf("describe = %+v", desc)
	}

	err := probe.Call(ctx, wire.MethodToolDescribe, DescribeParams{Name: "ghost"}, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Errorf("describe unknown: got %v, want NotFound", err)
	}
}

func TestToolServiceExecute(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		fakeTool{
			name: "echo",
			desc: "repeats input",
			schema: Object(map[string]*Schema{
				"input": String("text to repeat"),
			}, "input"),
			fn: func(args map[string]any, tc ToolContext) (*Result, error) {
				return TextResult(fmt.Sprintf("echo: %v (session %s)", args["input"], tc.SessionKey)), nil
			},
		},
		fakeTool{
			name: "fail",
			desc: "always errors",
			fn: func(map[string]any, ToolContext) (*Result, error) {
				return nil, fmt.Errorf("disk on fire")
			},
		},
		fakeTool{
			name: "boom",
			desc: "panics",
			fn: func(map[string]any, ToolContext) (*Result, error) {
				panic("unexpected nil")
			},
		},
	)
	probe := startToolsService(t, reg)
	ctx := t.Context()

	var res Result
	err := probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{
		Name:    "echo",
		Args:    map[string]any{"input": "hi"},
		Context: CallContext{SessionKey: "cli:local"},
	}, &res)
	if err != nil {
		t.Fatalf("tool.execute: %v", err)
	}
	if res.IsError || res.Content != "echo: hi (session cli:local)" {
		t.Errorf("execute = %+v", res)
	}

	// A tool-level failure is a normal response with isError, never an
	// RPC error.
	res = Result{}
	if err := probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{Name: "fail"}, &res); err != nil {
		t.Fatalf("tool.execute(fail): %v", err)
	}
	if !res.IsError || res.Content != "disk on fire" {
		t.Errorf("fail result = %+v", res)
	}

	res = Result{}
	if err := probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{Name: "boom"}, &res); err != nil {
		t.Fatalf("tool.execute(boom): %v", err)
	}
	if !res.IsError {
		t.Errorf("panic must surface as isError result: %+v", res)
	}

	err = probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{Name: "ghost"}, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Errorf("unknown tool: got %v, want NotFound", err)
	}

	err = probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{Name: "echo"}, nil)
	if !wire.IsCode(err, wire.CodeInvalidArgument) {
		t.Errorf("missing required arg: got %v, want InvalidArgument", err)
	}

	err = probe.Call(ctx, wire.MethodToolExecute, ExecuteParams{
		Name: "echo",
		Args: map[string]any{"input": 42},
	}, nil)
	if !wire.IsCode(err, wire.CodeInvalidArgument) {
		t.Errorf("wrong arg type: got %v, want InvalidArgument", err)
	}
}
