package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vargoshq/vargos/internal/hub"
	"github.com/vargoshq/vargos/internal/reconnect"
	"github.com/vargoshq/vargos/pkg/wire"
)

func testPolicy() reconnect.Policy {
	return reconnect.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}
}

// startClient runs c against the hub and waits for registration.
func startClient(t *testing.T, c *Client) {
	t.Helper()
	go c.Run(t.Context())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("client %s never became ready: %v", c.opts.Service, err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	url := hub.StartTestHub(t, nil)

	handler := New(Options{URL: url, Service: "math", Version: "1.0", Reconnect: testPolicy()})
	handler.Handle("math.add", func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, wire.Errorf(wire.CodeInvalidArgument, "bad params: %v", err)
		}
		return map[string]int{"sum": in.A + in.B}, nil
	})
	startClient(t, handler)

	caller := New(Options{URL: url, Service: "caller", Version: "1.0", Reconnect: testPolicy()})
	startClient(t, caller)

	var out struct{ Sum int }
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := caller.Call(ctx, "math.add", map[string]int{"A": 2, "B": 40}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Sum != 42 {
		t.Fatalf("sum = %d, want 42", out.Sum)
	}
}

func TestCallNoRoute(t *testing.T) {
	url := hub.StartTestHub(t, nil)
	caller := New(Options{URL: url, Service: "caller", Version: "1.0", Reconnect: testPolicy()})
	startClient(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := caller.Call(ctx, "ghost.method", nil, nil)
	if !wire.IsCode(err, wire.CodeNoRoute) {
		t.Fatalf("expected NoRoute, got %v", err)
	}
}

func TestHandlerErrorCrossesWire(t *testing.T) {
	url := hub.StartTestHub(t, nil)

	handler := New(Options{URL: url, Service: "store", Version: "1.0", Reconnect: testPolicy()})
	handler.Handle("store.get", func(context.Context, json.RawMessage) (any, error) {
		return nil, wire.Errorf(wire.CodeNotFound, "no such key")
	})
	startClient(t, handler)

	caller := New(Options{URL: url, Service: "caller", Version: "1.0", Reconnect: testPolicy()})
	startClient(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := caller.Call(ctx, "store.get", nil, nil)
	if !wire.IsCode(err, wire.CodeNotFound) {
		t.Fatalf("expected NotFound across the wire, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	url := hub.StartTestHub(t, nil)

	handler := New(Options{URL: url, Service: "slow", Version: "1.0", Reconnect: testPolicy()})
	handler.Handle("slow.op", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return map[string]bool{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	startClient(t, handler)

	caller := New(Options{URL: url, Service: "caller", Version: "1.0", Reconnect: testPolicy()})
	startClient(t, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := caller.Call(ctx, "slow.op", nil, nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if code := wire.CodeOf(err); code != wire.CodeTimeout {
		t.Fatalf("expected Timeout classification, got %s (%v)", code, err)
	}
}

func TestEventDeliveryPreservesOrder(t *testing.T) {
	url := hub.StartTestHub(t, nil)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	sub := New(Options{URL: url, Service: "sub", Version: "1.0", Reconnect: testPolicy()})
	sub.Subscribe("counter.tick", func(_ context.Context, payload json.RawMessage) {
		var p struct{ N int }
		json.Unmarshal(payload, &p)
		mu.Lock()
		got = append(got, p.N)
		if len(got) == 20 {
			close(done)
		}
		mu.Unlock()
	})
	startClient(t, sub)

	pub := New(Options{URL: url, Service: "pub", Version: "1.0", Emits: []string{"counter.tick"}, Reconnect: testPolicy()})
	startClient(t, pub)

	for i := 0; i < 20; i++ {
		pub.Emit("counter.tick", map[string]int{"N": i})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		t.Fatalf("only %d of 20 events arrived", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("event %d out of order: got %d", i, n)
		}
	}
}

func TestEmitQueuedWhileDisconnected(t *testing.T) {
	url := hub.StartTestHub(t, nil)

	received := make(chan string, 1)
	sub := New(Options{URL: url, Service: "sub", Version: "1.0", Reconnect: testPolicy()})
	sub.Subscribe("status.changed", func(_ context.Context, payload json.RawMessage) {
		var p struct{ State string }
		json.Unmarshal(payload, &p)
		received <- p.State
	})
	startClient(t, sub)

	pub := New(Options{URL: url, Service: "pub", Version: "1.0", Reconnect: testPolicy()})
	// Emitted before Run: must be queued, then flushed after registration.
	pub.Emit("status.changed", map[string]string{"State": "warming"})
	startClient(t, pub)

	select {
	case state := <-received:
		if state != "warming" {
			t.Fatalf("state = %q", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued event never delivered")
	}
}

func TestReconnectReregisters(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := hub.NewServer(hub.New(nil))
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(t.Context(), ln)
	}()
	t.Cleanup(func() { <-done })
	url := fmt.Sprintf("ws://%s/ws", ln.Addr().String())

	handler := New(Options{URL: url, Service: "echo", Version: "1.0", Reconnect: testPolicy()})
	handler.Handle("echo.say", func(_ context.Context, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	})
	startClient(t, handler)

	caller := New(Options{URL: url, Service: "caller", Version: "1.0", Reconnect: testPolicy()})
	startClient(t, caller)

	// Sever every connection; both clients must come back on their own.
	server.Hub().CloseAll()

	deadline := time.Now().Add(10 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := caller.Call(ctx, "echo.say", map[string]string{"text": "back"}, nil)
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never succeeded after reconnect: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
