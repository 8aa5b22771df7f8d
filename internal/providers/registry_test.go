package providers

import (
	"context"
	"testing"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: s.name, StopReason: StopEndTurn}, nil
}
func (s stubProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	return s.Chat(ctx, req)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubProvider{name: "anthropic"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(stubProvider{name: "anthropic"}); err == nil {
		t.Fatal("duplicate register accepted")
	}
	if err := r.Register(stubProvider{name: "other"}); err != nil {
		t.Fatalf("register other: %v", err)
	}

	// First registration is the default.
	p, err := r.Get("")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("default = %q", p.Name())
	}

	if err := r.SetDefault("other"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	p, _ = r.Get("")
	if p.Name() != "other" {
		t.Errorf("default after SetDefault = %q", p.Name())
	}

	if err := r.SetDefault("ghost"); err == nil {
		t.Fatal("SetDefault accepted unknown provider")
	}
	if _, err := r.Get("ghost"); err == nil {
		t.Fatal("Get accepted unknown provider")
	}
	if got := len(r.Names()); got != 2 {
		t.Errorf("names = %d", got)
	}
}
