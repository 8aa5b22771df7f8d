package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/hub"
	"github.com/vargoshq/vargos/internal/reconnect"
	"github.com/vargoshq/vargos/pkg/wire"
)

var testPolicy = reconnect.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}

// startService boots a hub, a session service over a temp file store, and a
// probe client that captures session.* events.
func startService(t *testing.T) (*client.Client, <-chan *wire.Event) {
	t.Helper()
	url := hub.StartTestHub(t, nil)

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	svc := client.New(client.Options{
		URL:     url,
		Service: "sessions",
		Version: "test",
		Emits: []string{
			wire.EventSessionCreated, wire.EventSessionUpdated,
			wire.EventSessionDeleted, wire.EventSessionMessage,
		},
		Reconnect: testPolicy,
	})
	NewService(svc, store)

	events := make(chan *wire.Event, 64)
	probe := client.New(client.Options{
		URL:       url,
		Service:   "probe",
		Version:   "test",
		Reconnect: testPolicy,
	})
	for _, name := range []string{
		wire.EventSessionCreated, wire.EventSessionUpdated,
		wire.EventSessionDeleted, wire.EventSessionMessage,
	} {
		name := name
		probe.Subscribe(name, func(_ context.Context, payload json.RawMessage) {
			events <- &wire.Event{Name: name, Payload: payload}
		})
	}

	for _, c := range []*client.Client{svc, probe} {
		c := c
		go c.Run(t.Context())
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		if err := c.WaitReady(ctx); err != nil {
			t.Fatalf("client not ready: %v", err)
		}
	}
	return probe, events
}

func waitEvent(t *testing.T, events <-chan *wire.Event, name string) json.RawMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev.Payload
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestServiceCreateGetDelete(t *testing.T) {
	probe, events := startService(t)
	ctx := t.Context()

	var created Header
	err := probe.Call(ctx, wire.MethodSessionCreate, CreateParams{
		SessionKey: "telegram:42",
		Label:      "field test",
		Metadata:   map[string]string{"channel": "telegram"},
	}, &created)
	if err != nil {
		t.Fatalf("session.create: %v", err)
	}
	if created.Kind != KindChannel || created.Label != "field test" {
		t.Errorf("created header = %+v", created)
	}

	payload := waitEvent(t, events, wire.EventSessionCreated)
	var evHeader Header
	if err := json.Unmarshal(payload, &evHeader); err != nil {
		t.Fatalf("decode created event: %v", err)
	}
	if evHeader.SessionKey != "telegram:42" {
		t.Errorf("event header key = %s", evHeader.SessionKey)
	}

	err = probe.Call(ctx, wire.MethodSessionCreate, CreateParams{SessionKey: "telegram:42"}, nil)
	if !wire.IsCode(err, wire.CodeAlreadyExists) {
		t.Errorf("duplicate create: got %v, want AlreadyExists", err)
	}

	var got GetResult
	if err := probe.Call(ctx, wire.MethodSessionGet, GetParams{SessionKey: "telegram:42"}, &got); err != nil {
		t.Fatalf("session.get: %v", err)
	}
	if got.MessageCount != 0 || got.Header.Label != "field test" {
		t.Errorf("get result = %+v", got)
	}

	var deleted DeleteResult
	if err := probe.Call(ctx, wire.MethodSessionDelete, DeleteParams{SessionKey: "telegram:42"}, &deleted); err != nil {
		t.Fatalf("session.delete: %v", err)
	}
	if deleted.Deleted != "telegram:42" {
		t.Errorf("delete result = %+v", deleted)
	}
	waitEvent(t, events, wire.EventSessionDeleted)

	err = probe.Call(ctx, wire.MethodSessionGet, GetParams{SessionKey: "telegram:42"}, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Errorf("get after delete: got %v, want NotFound", err)
	}
}

func TestServiceValidation(t *testing.T) {
	probe, _ := startService(t)
	ctx := t.Context()

	tests := []struct {
		name   string
		method string
		params any
	}{
		{"malformed key", wire.MethodSessionCreate, CreateParams{SessionKey: "no-colon"}},
		{"empty key", wire.MethodSessionCreate, CreateParams{}},
		{"unknown role", wire.MethodSessionAddMessage, AddMessageParams{
			SessionKey: "cli:x", Role: "narrator", Content: []ContentBlock{TextBlock("hi")},
		}},
		{"empty content", wire.MethodSessionAddMessage, AddMessageParams{
			SessionKey: "cli:x", Role: RoleUser,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := probe.Call(ctx, tt.method, tt.params, nil)
			if !wire.IsCode(err, wire.CodeInvalidArgument) {
				t.Errorf("got %v, want InvalidArgument", err)
			}
		})
	}
}

func TestServiceMessages(t *testing.T) {
	probe, events := startService(t)
	ctx := t.Context()

	if err := probe.Call(ctx, wire.MethodSessionCreate, CreateParams{SessionKey: "cli:local"}, nil); err != nil {
		t.Fatalf("session.create: %v", err)
	}

	var added Message
	err := probe.Call(ctx, wire.MethodSessionAddMessage, AddMessageParams{
		SessionKey: "cli:local",
		Role:       RoleUser,
		Content:    []ContentBlock{TextBlock("hello")},
	}, &added)
	if err != nil {
		t.Fatalf("session.addMessage: %v", err)
	}
	if added.ID == "" || added.Timestamp.IsZero() {
		t.Errorf("service must fill id and timestamp: %+v", added)
	}
	waitEvent(t, events, wire.EventSessionMessage)

	err = probe.Call(ctx, wire.MethodSessionAddMessage, AddMessageParams{
		SessionKey: "cli:ghost",
		Role:       RoleUser,
		Content:    []ContentBlock{TextBlock("hello")},
	}, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Errorf("addMessage to missing session: got %v, want NotFound", err)
	}

	var msgs MessagesResult
	if err := probe.Call(ctx, wire.MethodSessionGetMessages, GetMessagesParams{SessionKey: "cli:local"}, &msgs); err != nil {
		t.Fatalf("session.getMessages: %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Text() != "hello" {
		t.Errorf("messages = %+v", msgs.Messages)
	}
}

func TestServiceUpdateAndList(t *testing.T) {
	probe, events := startService(t)
	ctx := t.Context()

	for _, key := range []string{"cli:local", "telegram:42"} {
		if err := probe.Call(ctx, wire.MethodSessionCreate, CreateParams{SessionKey: key}, nil); err != nil {
			t.Fatalf("session.create(%s): %v", key, err)
		}
	}

	label := "triage"
	var updated Header
	err := probe.Call(ctx, wire.MethodSessionUpdate, UpdateParams{
		SessionKey:   "telegram:42",
		UpdateFields: UpdateFields{Label: &label},
	}, &updated)
	if err != nil {
		t.Fatalf("session.update: %v", err)
	}
	if updated.Label != "triage" {
		t.Errorf("updated label = %q", updated.Label)
	}
	waitEvent(t, events, wire.EventSessionUpdated)

	var all ListResult
	if err := probe.Call(ctx, wire.MethodSessionList, ListParams{}, &all); err != nil {
		t.Fatalf("session.list: %v", err)
	}
	if len(all.Sessions) != 2 {
		t.Fatalf("list = %d sessions, want 2", len(all.Sessions))
	}

	var cli ListResult
	if err := probe.Call(ctx, wire.MethodSessionList, ListParams{Kind: KindCLI}, &cli); err != nil {
		t.Fatalf("session.list: %v", err)
	}
	if len(cli.Sessions) != 1 || cli.Sessions[0].SessionKey != "cli:local" {
		t.Errorf("kind filter = %+v", cli.Sessions)
	}
}
