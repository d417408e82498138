package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/automate-sh/automate/internal/agent"
	"github.com/automate-sh/automate/internal/config"
)

// Router dispatches inbound messages to managed agents by glob
// patterns over the session-id namespace. It exclusively owns the
// agent set.
type Router struct {
	mu          sync.RWMutex
	agents      []*agent.Managed // definition order
	byName      map[string]*agent.Managed
	defaultName string
}

// New creates an empty router.
func New() *Router {
	return &Router{byName: make(map[string]*agent.Managed)}
}

// InitAgents instantiates one managed agent per profile. The first
// profile becomes the default agent. With no profiles at all, a single
// "default" agent matching everything is created.
func (r *Router) InitAgents(cfg *config.Config, profiles []config.AgentProfile, runner agent.Runner) error {
	if len(profiles) == 0 {
		profiles = []config.AgentProfile{{
			Name:      "default",
			Channels:  []string{"*"},
			AllowFrom: []string{"*"},
		}}
	}

	for _, p := range profiles {
		m, err := agent.NewManaged(cfg, p, runner)
		if err != nil {
			return fmt.Errorf("init agent %q: %w", p.Name, err)
		}
		r.mu.Lock()
		if _, dup := r.byName[p.Name]; dup {
			r.mu.Unlock()
			m.Stop()
			return fmt.Errorf("duplicate agent name %q", p.Name)
		}
		r.agents = append(r.agents, m)
		r.byName[p.Name] = m
		if r.defaultName == "" {
			r.defaultName = p.Name
		}
		r.mu.Unlock()
		m.Start()
	}
	return nil
}

// matchPattern reports whether a channel pattern matches a session id.
// "*" matches anything; otherwise "*" and "?" translate to ".*" and
// ".", anchored on both ends.
func matchPattern(pattern, sessionID string) bool {
	if pattern == "*" {
		return true
	}
	expr := "^" + strings.ReplaceAll(strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*"), `\?`, ".") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(sessionID)
}

// allowed reports whether the profile accepts the user.
func allowed(p config.AgentProfile, userID string) bool {
	if len(p.AllowFrom) == 0 {
		return true
	}
	for _, allow := range p.AllowFrom {
		if allow == "*" || allow == userID {
			return true
		}
	}
	return false
}

// Route selects the managed agent for a session id and optional user
// id: agents in definition order, each pattern in profile order; the
// first match whose allowFrom accepts the user wins. No match falls
// back to the default agent.
func (r *Router) Route(sessionID, userID string) *agent.Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.agents {
		for _, pattern := range m.Profile.Channels {
			if !matchPattern(pattern, sessionID) {
				continue
			}
			if allowed(m.Profile, userID) {
				return m
			}
			break // pattern matched but user rejected: fall through to later agents
		}
	}
	return r.byName[r.defaultName]
}

// GetAgent returns the named agent, or nil.
func (r *Router) GetAgent(name string) *agent.Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// GetAll returns every agent in definition order.
func (r *Router) GetAll() []*agent.Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Managed, len(r.agents))
	copy(out, r.agents)
	return out
}

// GetDefault returns the current default agent.
func (r *Router) GetDefault() *agent.Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[r.defaultName]
}

// SetDefault switches the default agent. Unknown names are rejected.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("unknown agent %q", name)
	}
	r.defaultName = name
	return nil
}

// ProcessMessage routes and runs one inbound message.
func (r *Router) ProcessMessage(ctx context.Context, sessionID, content string, onChunk func(string), userID string) (string, error) {
	m := r.Route(sessionID, userID)
	if m == nil {
		return "", fmt.Errorf("no agent available for session %q", sessionID)
	}
	return m.ProcessMessage(ctx, sessionID, content, onChunk)
}

// HandleCommand processes a slash command. Returns (response, true)
// when the input was a recognized command.
func (r *Router) HandleCommand(ctx context.Context, sessionID, command, userID string) (string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}

	switch fields[0] {
	case "/agents":
		if len(fields) >= 3 && fields[1] == "switch" {
			if err := r.SetDefault(fields[2]); err != nil {
				return err.Error(), true
			}
			return "default agent is now " + fields[2], true
		}
		var names []string
		for _, m := range r.GetAll() {
			name := m.Name()
			if name == r.GetDefault().Name() {
				name += " (default)"
			}
			names = append(names, name)
		}
		return "agents: " + strings.Join(names, ", "), true
	case "/reset":
		m := r.Route(sessionID, userID)
		if m == nil {
			return "no agent for this session", true
		}
		if err := m.Sessions.Reset(sessionID); err != nil {
			return "reset failed: " + err.Error(), true
		}
		return "session reset", true
	case "/compact":
		m := r.Route(sessionID, userID)
		if m == nil {
			return "no agent for this session", true
		}
		instructions := strings.TrimSpace(strings.TrimPrefix(command, "/compact"))
		report, err := m.Sessions.CompactWithInstructions(sessionID, instructions)
		if err != nil {
			return "compact failed: " + err.Error(), true
		}
		return fmt.Sprintf("compacted: removed %d messages, ~%d tokens now", report.Removed, report.TokensAfter), true
	}
	return "", false
}

// Shutdown stops every agent: schedulers, skill watchers, and session
// saves.
func (r *Router) Shutdown() {
	for _, m := range r.GetAll() {
		m.Stop()
	}
	slog.Info("router: shutdown complete", "agents", len(r.GetAll()))
}
