package agent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/sessions"
)

func TestEstimateTokens(t *testing.T) {
	msgs := []sessions.Message{
		userText(strings.Repeat("x", 300)),
		{
			Role: sessions.RoleAssistant,
			Content: []sessions.ContentBlock{
				sessions.ToolUseBlock("t1", "echo", []byte(`{"text":"hi"}`)),
			},
		},
		{
			Role:    sessions.RoleUser,
			Content: []sessions.ContentBlock{sessions.ImageBlock("image/png", "AAAA")},
		},
	}

	got := EstimateTokens("aaa", msgs)
	want := 1 + 100 + (len("echo")+len(`{"text":"hi"}`))/3 + imageTokenEstimate
	if got != want {
		t.Errorf("EstimateTokens = %d, want %d", got, want)
	}
}

func compactionMarker(id, firstKept string) sessions.Message {
	return sessions.Message{
		ID:   id,
		Role: sessions.RoleSystem,
		Content: []sessions.ContentBlock{
			sessions.TextBlock("Summary of the earlier conversation:\nold stuff"),
		},
		Metadata: map[string]string{
			"type":             compactionMetaType,
			"firstKeptEntryId": firstKept,
		},
	}
}

func idMsg(id string, m sessions.Message) sessions.Message {
	m.ID = id
	return m
}

func TestCollapseCompaction(t *testing.T) {
	msgs := []sessions.Message{
		idMsg("a", userText("first")),
		idMsg("b", assistantText("ack")),
		idMsg("c", userText("second")),
		compactionMarker("s", "c"),
		idMsg("d", assistantText("after")),
	}

	got := CollapseCompaction(msgs)
	wantIDs := []string{"s", "c", "d"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(wantIDs), got)
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("message %d id = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestCollapseCompactionUsesLatestMarker(t *testing.T) {
	msgs := []sessions.Message{
		idMsg("a", userText("one")),
		idMsg("b", assistantText("two")),
		idMsg("c", userText("three")),
		compactionMarker("s1", "c"),
		idMsg("d", assistantText("four")),
		compactionMarker("s2", "d"),
		idMsg("e", userText("five")),
	}

	got := CollapseCompaction(msgs)
	wantIDs := []string{"s2", "d", "e"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("message %d id = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestCollapseCompactionDanglingMarker(t *testing.T) {
	msgs := []sessions.Message{
		idMsg("a", userText("one")),
		compactionMarker("s", "gone"),
		idMsg("b", userText("two")),
	}

	got := CollapseCompaction(msgs)
	wantIDs := []string{"s", "b"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("message %d id = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestCollapseCompactionNoMarker(t *testing.T) {
	msgs := []sessions.Message{idMsg("a", userText("hi"))}
	if got := CollapseCompaction(msgs); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("collapse without marker changed history: %+v", got)
	}
}

func TestTrimToolResults(t *testing.T) {
	long := strings.Repeat("r", 5000)
	msgs := []sessions.Message{
		userText(strings.Repeat("u", 5000)),
		toolResult("t1", long),
		toolResult("t2", "short"),
	}

	got := trimToolResults(msgs, 4000)

	if n := utf8.RuneCountInString(got[0].Text()); n != 5000 {
		t.Errorf("user text trimmed to %d runes; only tool results may shrink", n)
	}
	trimmed := got[1].Content[0].Text
	if !strings.HasSuffix(trimmed, trimmedMarker) {
		t.Errorf("oversized result missing marker: ...%q", trimmed[len(trimmed)-20:])
	}
	if n := utf8.RuneCountInString(trimmed); n != 4000+utf8.RuneCountInString(trimmedMarker) {
		t.Errorf("trimmed length = %d runes", n)
	}
	if got[2].Content[0].Text != "short" {
		t.Errorf("short result modified: %q", got[2].Content[0].Text)
	}
}

func TestResolvePolicyDefaults(t *testing.T) {
	p := resolvePolicy(config.CompactionConfig{}, 0)
	if p.soft != 100000 || p.hard != 150000 {
		t.Errorf("thresholds = %d/%d, want 100000/150000", p.soft, p.hard)
	}
	if p.trimChars != defaultSoftTrimChars || p.keepLast != defaultKeepLast {
		t.Errorf("knobs = %d/%d", p.trimChars, p.keepLast)
	}

	p = resolvePolicy(config.CompactionConfig{
		SoftRatio:        0.4,
		HardRatio:        0.8,
		SoftTrimMaxChars: 1000,
		KeepLastMessages: 4,
	}, 100000)
	if p.soft != 40000 || p.hard != 80000 || p.trimChars != 1000 || p.keepLast != 4 {
		t.Errorf("custom policy = %+v", p)
	}
}
