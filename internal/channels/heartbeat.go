package channels

import (
	"regexp"
	"strings"

	"github.com/vargoshq/vargos/internal/bootstrap"
)

// heartbeatRe matches the heartbeat acknowledgement token with optional
// bold, code, or strikethrough wrappers and the whitespace around it.
var heartbeatRe = regexp.MustCompile(
	`\s*(\*\*|__|~~|\x60|\*)?` + regexp.QuoteMeta(bootstrap.HeartbeatToken) + `(\*\*|__|~~|\x60|\*)?\s*`,
)

// StripHeartbeat removes heartbeat acknowledgements from a reply and trims
// the result. An empty return means the reply was nothing but heartbeat and
// must not be delivered.
func StripHeartbeat(text string) string {
	if strings.Contains(text, bootstrap.HeartbeatToken) {
		text = heartbeatRe.ReplaceAllString(text, " ")
	}
	return strings.TrimSpace(text)
}
