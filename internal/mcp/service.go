package mcp

import (
	"context"
	"encoding/json"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/pkg/wire"
)

// StatusResult is the result of mcp.status.
type StatusResult struct {
	Servers []ServerStatus `json:"servers"`
}

// Service exposes the manager over the gateway as the "mcp" service. The
// bridged tools themselves surface through tool.*; this connection only
// reports link health.
type Service struct {
	c *client.Client
	m *Manager
}

// NewService wires the mcp methods onto a gateway client.
func NewService(c *client.Client, m *Manager) *Service {
	s := &Service{c: c, m: m}
	c.Handle(wire.MethodMCPStatus, s.handleStatus)
	return s
}

func (s *Service) handleStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return StatusResult{Servers: s.m.Status()}, nil
}
