package sessions

import (
	"context"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

// Store is the persistence contract behind the session service. Both
// backends (JSONL files, Postgres) honor the same semantics: create fails
// AlreadyExists on a live key, message appends fail NotFound without a
// session, reads return oldest-first.
type Store interface {
	// Create persists a new session header and returns the stored form
	// with Kind and timestamps filled in. The key must parse.
	Create(ctx context.Context, h *Header) (*Header, error)
	// Get returns the header plus message count.
	Get(ctx context.Context, key string) (*Header, int, error)
	// Update applies mutable header fields. SessionKey and CreatedAt never
	// change; UpdatedAt is refreshed.
	Update(ctx context.Context, key string, upd UpdateFields) (*Header, error)
	// Delete removes the session. Deleting a root session cascades to the
	// sub-agent sessions spawned under it.
	Delete(ctx context.Context, key string) error
	// List returns headers, most recently updated first.
	List(ctx context.Context, f ListFilter) ([]*Header, error)
	// AddMessage appends to an existing session.
	AddMessage(ctx context.Context, msg *Message) error
	// Messages returns session messages oldest-first. A positive limit
	// keeps only the most recent entries; before filters to timestamps
	// strictly earlier.
	Messages(ctx context.Context, key string, limit int, before time.Time) ([]*Message, error)
	// Close releases backend resources.
	Close() error
}

// UpdateFields carries the mutable subset of a header. Nil pointers leave
// the field untouched; Metadata, when non-nil, replaces wholesale.
type UpdateFields struct {
	Label    *string           `json:"label,omitempty"`
	AgentID  *string           `json:"agentId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ListFilter narrows List output.
type ListFilter struct {
	Kind  Kind `json:"kind,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

func errNotFound(key string) error {
	return wire.Errorf(wire.CodeNotFound, "session %s not found", key)
}

func errAlreadyExists(key string) error {
	return wire.Errorf(wire.CodeAlreadyExists, "session %s already exists", key)
}
