// Package bootstrap owns the workspace markdown files injected into the
// system prompt: seeding them on first run, loading them with a character
// budget, and invalidating the cache when they change on disk.
package bootstrap

// HeartbeatToken is the literal an agent answers with when a heartbeat run
// finds nothing to report. Outbound delivery strips it and suppresses
// messages that are nothing but the token.
const HeartbeatToken = "HEARTBEAT_OK"

// Workspace file names, in prompt injection order.
const (
	IdentityFile  = "IDENTITY.md"
	SkillsFile    = "SKILLS.md"
	ToolsFile     = "TOOLS.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	MemoryFile    = "MEMORY.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// Files returns the full ordered set.
func Files() []string {
	return []string{
		IdentityFile,
		SkillsFile,
		ToolsFile,
		UserFile,
		HeartbeatFile,
		MemoryFile,
		BootstrapFile,
	}
}

// SubagentFiles returns the reduced set sub-agent prompts receive.
func SubagentFiles() []string {
	return []string{IdentityFile, ToolsFile}
}
