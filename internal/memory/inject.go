package memory

import (
	"fmt"
	"strings"
)

const (
	identityInjectLimit = 5000
	memoryInjectLimit   = 8000
	yesterdayLogTail    = 2000
)

// injectedIdentityFiles are composed into the prompt, in this order.
var injectedIdentityFiles = []string{AgentsFile, PersonalityFile, IdentityFile, UserFile, ToolsFile}

// GetPromptInjection composes the memory-and-identity block injected
// into the agent's system prompt. Section order is fixed: first-run
// bootstrap, identity files, long-term memory, recent daily logs.
func (m *Manager) GetPromptInjection() string {
	var sections []string

	if m.HasBootstrap() {
		sections = append(sections, "## FIRST RUN\n\n"+m.readFile(BootstrapFile))
	}

	for _, name := range injectedIdentityFiles {
		content := strings.TrimSpace(m.readFile(name))
		if content == "" {
			continue
		}
		if len(content) > identityInjectLimit {
			content = content[:identityInjectLimit] + "\n\n[...truncated]"
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", name, content))
	}

	if mem := strings.TrimSpace(m.GetMemory()); mem != "" {
		if len(mem) > memoryInjectLimit {
			mem = mem[:memoryInjectLimit] + "\n\n[...truncated — use semantic search for older memories]"
		}
		sections = append(sections, "## Long-term Memory\n\n"+mem)
	}

	if logs := m.recentLogsSection(); logs != "" {
		sections = append(sections, logs)
	}

	if len(sections) == 0 {
		return ""
	}
	return "\n\n# Agent Memory & Identity\n\n" + strings.Join(sections, "\n\n---\n\n")
}

// recentLogsSection concatenates yesterday's and today's daily logs.
// Yesterday's log keeps only its last 2000 characters.
func (m *Manager) recentLogsSection() string {
	yesterday := m.readFile(dailyLogName(m.now().AddDate(0, 0, -1)))
	today := m.readFile(dailyLogName(m.now()))
	if yesterday == "" && today == "" {
		return ""
	}

	if len(yesterday) > yesterdayLogTail {
		yesterday = yesterday[len(yesterday)-yesterdayLogTail:]
	}

	var b strings.Builder
	b.WriteString("## Recent Daily Log\n")
	if yesterday != "" {
		b.WriteString("\n")
		b.WriteString(yesterday)
	}
	if today != "" {
		b.WriteString("\n")
		b.WriteString(today)
	}
	return b.String()
}
