package wire

import "time"

// Cross-service payload types. Method params and results owned by a single
// service live next to that service; the shapes here are the ones every
// side of the gateway must agree on.

// Attachment is a normalized media input saved to the data directory by a
// channel adapter.
type Attachment struct {
	Type      string `json:"type"` // image | voice | file | video
	Path      string `json:"path"`
	MimeType  string `json:"mimeType"`
	Caption   string `json:"caption,omitempty"`
	DurationS int    `json:"durationS,omitempty"`
}

// MessageReceived is published by the channel service after the ingress
// pipeline (dedup, debounce, media normalization) accepts an inbound turn.
type MessageReceived struct {
	SessionKey string            `json:"sessionKey"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"senderId"`
	Content    string            `json:"content"`
	Media      []Attachment      `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AgentRunParams are the params of agent.run.
type AgentRunParams struct {
	SessionKey         string       `json:"sessionKey"`
	Task               string       `json:"task,omitempty"`
	Model              string       `json:"model,omitempty"`
	Provider           string       `json:"provider,omitempty"`
	Images             []Attachment `json:"images,omitempty"`
	Channel            string       `json:"channel,omitempty"`
	BootstrapOverrides []string     `json:"bootstrapOverrides,omitempty"`
	Retrigger          bool         `json:"retrigger,omitempty"`
}

// AgentRunResult resolves agent.run when the queued run finishes.
type AgentRunResult struct {
	RunID    string `json:"runId"`
	Success  bool   `json:"success"`
	Aborted  bool   `json:"aborted,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AgentAbortParams are the params of agent.abort.
type AgentAbortParams struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}

// ChannelSendParams are the params of channel.send.
type ChannelSendParams struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

// RunStarted announces that a run left the per-session queue.
type RunStarted struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// RunDelta carries one incremental chunk of assistant text. Concatenation
// of deltas is the correct assembly; chunks may be coalesced on the wire.
type RunDelta struct {
	RunID string `json:"runId"`
	Delta string `json:"delta"`
}

// RunTool brackets one tool invocation inside a run.
type RunTool struct {
	RunID   string `json:"runId"`
	Tool    string `json:"tool"`
	Phase   string `json:"phase"` // start | end
	IsError bool   `json:"isError,omitempty"`
}

// RunCompleted closes the bracket opened by RunStarted; exactly one is
// emitted per run, success or not.
type RunCompleted struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Success    bool   `json:"success"`
	Aborted    bool   `json:"aborted,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// NotifyTarget is one delivery destination for a cron trigger's reply.
type NotifyTarget struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
}

// CronTrigger is emitted by the cron service at each scheduled moment.
type CronTrigger struct {
	TaskID     string         `json:"taskId"`
	Task       string         `json:"task"`
	SessionKey string         `json:"sessionKey"`
	Notify     []NotifyTarget `json:"notify,omitempty"`
}

// ServiceInfo describes one registered service in gateway.inspect output.
type ServiceInfo struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	ConnectedAt   string   `json:"connectedAt"`
}

// InspectResult is the result of gateway.inspect.
type InspectResult struct {
	Version       string              `json:"version"`
	Protocol      int                 `json:"protocol"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
	Services      []ServiceInfo       `json:"services"`
	Methods       []string            `json:"methods"`
	Events        map[string][]string `json:"events"` // event name → subscriber services
}

// PingResult is the result of gateway.ping.
type PingResult struct {
	OK   bool      `json:"ok"`
	Time time.Time `json:"time"`
}
