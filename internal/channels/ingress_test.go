package channels

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/vargoshq/vargos/pkg/wire"
)

type publishRec struct {
	mu  sync.Mutex
	evs []wire.MessageReceived
}

func (r *publishRec) add(ev wire.MessageReceived) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *publishRec) snapshot() []wire.MessageReceived {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.MessageReceived(nil), r.evs...)
}

func testIngress(t *testing.T, allowlist []string) (*Ingress, *publishRec) {
	t.Helper()
	rec := &publishRec{}
	g := NewIngress(IngressConfig{
		Channel:   "test",
		Allowlist: allowlist,
		MediaDir:  t.TempDir(),
		DedupTTL:  time.Minute,
		Debounce:  30 * time.Millisecond,
		Publish:   rec.add,
	})
	t.Cleanup(g.Close)
	return g, rec
}

func TestIngressDebouncedText(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{MessageID: "m1", SenderID: "u1", Text: "hello"})
	g.Accept(Inbound{MessageID: "m2", SenderID: "u1", Text: "world"})

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	ev := rec.snapshot()[0]
	if ev.SessionKey != "test:u1" || ev.Channel != "test" || ev.SenderID != "u1" {
		t.Fatalf("routing fields wrong: %+v", ev)
	}
	if ev.Content != "hello\nworld" {
		t.Fatalf("content = %q, want coalesced batch", ev.Content)
	}
}

func TestIngressDedup(t *testing.T) {
	g, rec := testIngress(t, nil)
	for i := 0; i < 3; i++ {
		g.Accept(Inbound{MessageID: "m1", SenderID: "u1", Text: "hello"})
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0].Content; got != "hello" {
		t.Fatalf("content = %q, want a single hello", got)
	}
	time.Sleep(80 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("events = %d, want 1 after redelivery burst", n)
	}
}

func TestIngressNoMessageIDSkipsDedup(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{SenderID: "u1", Text: "ping"})
	g.Accept(Inbound{SenderID: "u1", Text: "ping"})

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0].Content; got != "ping\nping" {
		t.Fatalf("content = %q, want both copies kept", got)
	}
}

func TestIngressAllowlist(t *testing.T) {
	g, rec := testIngress(t, []string{"42", "@alice"})

	g.Accept(Inbound{MessageID: "m1", SenderID: "99", SenderHandle: "bob", Text: "nope"})
	time.Sleep(80 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("disallowed sender published %d events", n)
	}

	g.Accept(Inbound{MessageID: "m2", SenderID: "42", Text: "by id"})
	g.Accept(Inbound{MessageID: "m3", SenderID: "7", SenderHandle: "Alice", Text: "by handle"})
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
}

func TestIngressEmptyDrop(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{MessageID: "m1", SenderID: "u1"})
	time.Sleep(80 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("empty message published %d events", n)
	}
}

func TestIngressMediaBypassesDebounce(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{
		MessageID: "m1",
		SenderID:  "u1",
		Text:      "listen to this",
		Media: []*Media{{
			Type:      "voice",
			Data:      []byte("opus"),
			MimeType:  "audio/ogg",
			DurationS: 7,
		}},
	})

	// Media messages publish synchronously, no debounce window.
	evs := rec.snapshot()
	if len(evs) != 1 {
		t.Fatalf("events = %d, want immediate publish", len(evs))
	}
	ev := evs[0]
	if ev.Content != "listen to this" || ev.SessionKey != "test:u1" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Media) != 1 || ev.Media[0].Type != "voice" || ev.Media[0].DurationS != 7 {
		t.Fatalf("media = %+v", ev.Media)
	}
	if _, err := os.Stat(ev.Media[0].Path); err != nil {
		t.Fatalf("saved media missing: %v", err)
	}
}

func TestIngressMetadataRidesBatch(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{
		MessageID: "m1",
		SenderID:  "u1",
		Text:      "hello",
		Metadata:  map[string]string{"username": "alice"},
	})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0].Metadata["username"]; got != "alice" {
		t.Fatalf("metadata = %v", rec.snapshot()[0].Metadata)
	}
}

func TestIngressCloseCancelsPending(t *testing.T) {
	g, rec := testIngress(t, nil)
	g.Accept(Inbound{MessageID: "m1", SenderID: "u1", Text: "doomed"})
	g.Close()
	time.Sleep(80 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("events = %d after close, want 0", n)
	}
}
