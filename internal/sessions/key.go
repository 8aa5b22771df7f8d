// Package sessions owns the conversation model: session keys, headers,
// messages, and the storage backends behind the session service.
//
// Session keys follow the canonical grammar:
//
//	sessionKey := root ( ":subagent:" id )?
//	root       := "cli:" id | "cron:" id | channel ":" userId
//	id         := [A-Za-z0-9-]+
//
// Examples:
//
//	whatsapp:386246614
//	telegram:91772king
//	cli:local
//	cron:morning-digest
//	whatsapp:386246614:subagent:doc-summary
package sessions

import (
	"fmt"
	"strings"
)

// Kind classifies a session by its key shape.
type Kind string

const (
	KindChannel  Kind = "channel"
	KindCLI      Kind = "cli"
	KindCron     Kind = "cron"
	KindSubagent Kind = "subagent"
)

// History turn limits per session kind: how many recent user turns the
// sanitizer keeps when assembling provider context.
const (
	channelTurnLimit  = 30
	cliTurnLimit      = 50
	subagentTurnLimit = 10
	cronTurnLimit     = 10
)

// Key is a parsed session key.
type Key struct {
	Raw        string
	Root       string // key without any :subagent: suffix
	Scheme     string // "cli", "cron", or the channel name
	ID         string // cli/cron identifier or channel user id
	SubagentID string // set only for sub-agent sessions
}

// Parse validates and decomposes a session key.
func Parse(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Key{}, fmt.Errorf("session key %q: want scheme:id with optional :subagent:id suffix", raw)
	}
	k := Key{Raw: raw, Scheme: parts[0], ID: parts[1]}
	if k.Scheme == "" || !validID(k.ID) {
		return Key{}, fmt.Errorf("session key %q: bad root segment", raw)
	}
	if len(parts) == 4 {
		if parts[2] != "subagent" || !validID(parts[3]) {
			return Key{}, fmt.Errorf("session key %q: trailing segments must be :subagent:<id>", raw)
		}
		k.SubagentID = parts[3]
	}
	k.Root = k.Scheme + ":" + k.ID
	return k, nil
}

// MustParse is Parse for keys the caller built itself.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

// SubagentKey derives a child key under the given parent root.
func SubagentKey(parentRoot, id string) string {
	return parentRoot + ":subagent:" + id
}

// Kind returns the session classification. Sub-agent wins over the root
// scheme: a child spawned from a channel session is still a sub-agent.
func (k Key) Kind() Kind {
	switch {
	case k.SubagentID != "":
		return KindSubagent
	case k.Scheme == "cli":
		return KindCLI
	case k.Scheme == "cron":
		return KindCron
	default:
		return KindChannel
	}
}

// IsSubagent reports whether the key names a sub-agent session.
func (k Key) IsSubagent() bool { return k.SubagentID != "" }

// ChannelUser extracts the delivery target for channel-rooted keys.
func (k Key) ChannelUser() (channel, userID string, ok bool) {
	if k.Scheme == "cli" || k.Scheme == "cron" {
		return "", "", false
	}
	return k.Scheme, k.ID, true
}

// HistoryLimit is the number of recent user turns kept for this session.
func (k Key) HistoryLimit() int {
	switch k.Kind() {
	case KindCLI:
		return cliTurnLimit
	case KindCron:
		return cronTurnLimit
	case KindSubagent:
		return subagentTurnLimit
	default:
		return channelTurnLimit
	}
}

// KindOf classifies a raw key, returning KindChannel for anything that does
// not parse (list rendering should not fail on legacy keys).
func KindOf(raw string) Kind {
	k, err := Parse(raw)
	if err != nil {
		if strings.Contains(raw, ":subagent:") {
			return KindSubagent
		}
		return KindChannel
	}
	return k.Kind()
}

// SafeKey maps a session key to a filesystem-safe name.
func SafeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func validID(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
