package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/pkg/wire"
)

// Method params and results. The session service owns these shapes; other
// services call through the gateway with matching JSON.

type CreateParams struct {
	SessionKey string            `json:"sessionKey"`
	Label      string            `json:"label,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type GetParams struct {
	SessionKey string `json:"sessionKey"`
}

type GetResult struct {
	*Header
	MessageCount int `json:"messageCount"`
}

type UpdateParams struct {
	SessionKey string `json:"sessionKey"`
	UpdateFields
}

type DeleteParams struct {
	SessionKey string `json:"sessionKey"`
}

type DeleteResult struct {
	Deleted string `json:"deleted"`
}

type ListParams struct {
	Kind  Kind `json:"kind,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

type ListResult struct {
	Sessions []*Header `json:"sessions"`
}

type AddMessageParams struct {
	SessionKey string            `json:"sessionKey"`
	Role       Role              `json:"role"`
	Content    []ContentBlock    `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type GetMessagesParams struct {
	SessionKey string    `json:"sessionKey"`
	Limit      int       `json:"limit,omitempty"`
	Before     time.Time `json:"before,omitempty"`
}

type MessagesResult struct {
	Messages []*Message `json:"messages"`
}

// DeletedEvent is the payload of session.deleted.
type DeletedEvent struct {
	SessionKey string `json:"sessionKey"`
}

// Service exposes a Store over the gateway as the "sessions" service and
// emits the session.* mutation events.
type Service struct {
	store Store
	c     *client.Client
}

// NewService wires the session methods onto a gateway client.
func NewService(c *client.Client, store Store) *Service {
	s := &Service{store: store, c: c}
	c.Handle(wire.MethodSessionCreate, s.handleCreate)
	c.Handle(wire.MethodSessionGet, s.handleGet)
	c.Handle(wire.MethodSessionUpdate, s.handleUpdate)
	c.Handle(wire.MethodSessionDelete, s.handleDelete)
	c.Handle(wire.MethodSessionList, s.handleList)
	c.Handle(wire.MethodSessionAddMessage, s.handleAddMessage)
	c.Handle(wire.MethodSessionGetMessages, s.handleGetMessages)
	return s
}

func (s *Service) handleCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var p CreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad create params: %v", err)
	}
	if _, err := Parse(p.SessionKey); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "%v", err)
	}

	h, err := s.store.Create(ctx, &Header{
		SessionKey: p.SessionKey,
		Label:      p.Label,
		AgentID:    p.AgentID,
		Metadata:   p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	s.c.Emit(wire.EventSessionCreated, h)
	slog.Debug("session created", "key", h.SessionKey, "kind", h.Kind)
	return h, nil
}

func (s *Service) handleGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad get params: %v", err)
	}
	h, count, err := s.store.Get(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	return GetResult{Header: h, MessageCount: count}, nil
}

func (s *Service) handleUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p UpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad update params: %v", err)
	}
	h, err := s.store.Update(ctx, p.SessionKey, p.UpdateFields)
	if err != nil {
		return nil, err
	}
	s.c.Emit(wire.EventSessionUpdated, h)
	return h, nil
}

func (s *Service) handleDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p DeleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad delete params: %v", err)
	}
	if err := s.store.Delete(ctx, p.SessionKey); err != nil {
		return nil, err
	}
	s.c.Emit(wire.EventSessionDeleted, DeletedEvent{SessionKey: p.SessionKey})
	slog.Debug("session deleted", "key", p.SessionKey)
	return DeleteResult{Deleted: p.SessionKey}, nil
}

func (s *Service) handleList(ctx context.Context, params json.RawMessage) (any, error) {
	var p ListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, wire.Errorf(wire.CodeInvalidArgument, "bad list params: %v", err)
		}
	}
	headers, err := s.store.List(ctx, ListFilter{Kind: p.Kind, Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = []*Header{}
	}
	return ListResult{Sessions: headers}, nil
}

func (s *Service) handleAddMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p AddMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad addMessage params: %v", err)
	}
	switch p.Role {
	case RoleUser, RoleAssistant, RoleSystem, RoleToolResult:
	default:
		return nil, wire.Errorf(wire.CodeInvalidArgument, "unknown role %q", p.Role)
	}
	if len(p.Content) == 0 {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "message content is empty")
	}

	msg := &Message{
		ID:         uuid.New().String(),
		SessionKey: p.SessionKey,
		Role:       p.Role,
		Content:    p.Content,
		Timestamp:  time.Now().UTC(),
		Metadata:   p.Metadata,
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.c.Emit(wire.EventSessionMessage, msg)
	return msg, nil
}

func (s *Service) handleGetMessages(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetMessagesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, wire.Errorf(wire.CodeInvalidArgument, "bad getMessages params: %v", err)
	}
	msgs, err := s.store.Messages(ctx, p.SessionKey, p.Limit, p.Before)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return MessagesResult{Messages: msgs}, nil
}
