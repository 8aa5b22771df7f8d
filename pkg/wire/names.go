package wire

// Hub control methods, handled by the hub itself.
const (
	MethodGatewayRegister = "gateway.register"
	MethodGatewayInspect  = "gateway.inspect"
	MethodGatewayPing     = "gateway.ping"
)

// Session service methods.
const (
	MethodSessionCreate      = "session.create"
	MethodSessionGet         = "session.get"
	MethodSessionUpdate      = "session.update"
	MethodSessionDelete      = "session.delete"
	MethodSessionList        = "session.list"
	MethodSessionAddMessage  = "session.addMessage"
	MethodSessionGetMessages = "session.getMessages"
)

// Tools service methods.
const (
	MethodToolList     = "tool.list"
	MethodToolDescribe = "tool.describe"
	MethodToolExecute  = "tool.execute"
)

// Agent service methods.
const (
	MethodAgentRun    = "agent.run"
	MethodAgentAbort  = "agent.abort"
	MethodAgentStatus = "agent.status"
)

// Channel service methods.
const (
	MethodChannelSend = "channel.send"
	MethodChannelList = "channel.list"
)

// Cron service methods.
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronUpdate = "cron.update"
	MethodCronRun    = "cron.run"
)

// MCP bridge methods.
const (
	MethodMCPStatus = "mcp.status"
)

// Session mutation events.
const (
	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
	EventSessionDeleted = "session.deleted"
	EventSessionMessage = "session.message"
)

// Agent run lifecycle events.
const (
	EventRunStarted   = "run.started"
	EventRunDelta     = "run.delta"
	EventRunTool      = "run.tool"
	EventRunCompleted = "run.completed"
)

// Ingress and scheduling events.
const (
	EventMessageReceived = "message.received"
	EventCronTrigger     = "cron.trigger"
)

// Hub lifecycle events.
const (
	EventShutdown     = "gateway.shutdown"
	EventGatewayError = "gateway.error"
)
