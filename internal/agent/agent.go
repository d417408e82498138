package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/automate-sh/automate/internal/config"
	"github.com/automate-sh/automate/internal/cron"
	"github.com/automate-sh/automate/internal/heartbeat"
	"github.com/automate-sh/automate/internal/memory"
	"github.com/automate-sh/automate/internal/memory/vector"
	"github.com/automate-sh/automate/internal/providers"
	"github.com/automate-sh/automate/internal/sessions"
	"github.com/automate-sh/automate/internal/skills"
)

// Result is the outcome of one agent turn.
type Result struct {
	Content string
	Usage   *providers.Usage
}

// Runner is the capability the core requires from the external LLM
// driver. Implementations own the tool-using reasoning loop; the core
// records turns and composes the injected context.
type Runner interface {
	// Run executes one turn over the message list plus the injected
	// system context, streaming chunks when onChunk is non-nil, and
	// returns the assistant's final content.
	Run(ctx context.Context, messages []providers.Message, systemInjection string, onChunk func(string)) (Result, error)
}

// Managed bundles one agent's session store, memory manager,
// scheduler, skill loader, and routing predicates. Every collaborator
// is held as an instance — nothing reaches back for globals.
type Managed struct {
	Profile config.AgentProfile

	Sessions  *sessions.Store
	Memory    *memory.Manager
	Scheduler *cron.Scheduler
	Skills    *skills.Loader
	Heartbeat *heartbeat.Controller

	runner Runner
}

// NewManaged instantiates a managed agent by overlaying the profile's
// overrides onto the base configuration. The scheduler is created but
// not started; Start handles that. The initial index build runs in the
// background — its errors are logged, never surfaced.
func NewManaged(cfg *config.Config, profile config.AgentProfile, runner Runner) (*Managed, error) {
	if profile.Name == "" {
		return nil, fmt.Errorf("agent profile requires a name")
	}
	memDir, sessDir, skillsDir, cronDir := cfg.AgentDirs(profile)

	embedding := vector.EmbeddingConfig{
		APIBase: cfg.Memory.Embedding.APIBase,
		APIKey:  cfg.Memory.Embedding.APIKey,
		Model:   cfg.Memory.Embedding.Model,
	}
	if profile.APIBase != "" {
		// Per-agent endpoint override also applies to embeddings when
		// no dedicated embedding endpoint is configured.
		if embedding.APIBase == "" {
			embedding.APIBase = profile.APIBase
		}
	}

	mem, err := memory.NewManager(memory.Options{
		Directory:       memDir,
		SharedDirectory: cfg.Memory.SharedDirectory,
		Embedding:       embedding,
		ChunkSize:       cfg.Memory.ChunkSize,
		Overlap:         cfg.Memory.Overlap,
		VectorWeight:    cfg.Memory.VectorWeight,
		BM25Weight:      cfg.Memory.BM25Weight,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", profile.Name, err)
	}

	store := sessions.NewStore(sessions.Options{
		Directory:     sessDir,
		ContextLimit:  cfg.Sessions.ContextLimit,
		CompactAt:     cfg.Sessions.CompactAt,
		AutoResetHour: cfg.AutoResetHour(),
	})

	m := &Managed{
		Profile:  profile,
		Sessions: store,
		Memory:   mem,
		Skills:   skills.NewLoader(skillsDir, cfg.Skills.ExtraDirs),
		runner:   runner,
	}

	if cfg.CronEnabled() {
		m.Scheduler = cron.NewScheduler(cronDir, m.handleJob)
	}
	m.Heartbeat = heartbeat.New(mem, store, m.Scheduler, heartbeatInvoker{m}, profile.Name)

	// Promote compacted-away content into the daily log before it is
	// dropped from the session.
	store.SetBeforeCompactHook(m.beforeCompact)

	m.Skills.LoadAll()

	// Initial index build in the background; failures are non-fatal.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := mem.IndexAll(ctx); err != nil {
			slog.Warn("agent: initial index build failed", "agent", profile.Name, "error", err)
		}
	}()

	return m, nil
}

// Name returns the agent's profile name.
func (m *Managed) Name() string { return m.Profile.Name }

// Start begins background work: the scheduler tick and skill watcher.
func (m *Managed) Start() {
	if m.Scheduler != nil {
		m.Scheduler.Start()
	}
	if err := m.Skills.StartWatching(); err != nil {
		slog.Warn("agent: skill watcher failed to start", "agent", m.Name(), "error", err)
	}
}

// Stop halts the scheduler and skill watcher and saves every session.
func (m *Managed) Stop() {
	if m.Scheduler != nil {
		m.Scheduler.Stop()
	}
	m.Skills.StopWatching()
	if err := m.Sessions.Close(); err != nil {
		slog.Warn("agent: saving sessions on shutdown failed", "agent", m.Name(), "error", err)
	}
}

// SystemInjection composes the memory and skills context for a turn.
func (m *Managed) SystemInjection() string {
	m.Skills.ReloadIfChanged()
	injection := m.Memory.GetPromptInjection()
	if skillsBlock := m.Skills.GetSystemPromptInjection(); skillsBlock != "" {
		injection += "\n\n" + skillsBlock
	}
	return injection
}

// ProcessMessage records the user turn, runs the agent, records the
// assistant turn, and returns the final content.
func (m *Managed) ProcessMessage(ctx context.Context, sessionID, content string, onChunk func(string)) (string, error) {
	if m.runner == nil {
		return "", fmt.Errorf("agent %s has no runner", m.Name())
	}

	if err := m.Sessions.AppendMessage(sessionID, providers.Message{
		Role:    providers.RoleUser,
		Content: content,
	}); err != nil {
		slog.Warn("agent: persisting user turn failed", "session", sessionID, "error", err)
	}

	result, err := m.runner.Run(ctx, m.Sessions.GetMessages(sessionID), m.SystemInjection(), onChunk)
	if err != nil {
		return "", err
	}

	if err := m.Sessions.AppendMessage(sessionID, providers.Message{
		Role:    providers.RoleAssistant,
		Content: result.Content,
	}); err != nil {
		slog.Warn("agent: persisting assistant turn failed", "session", sessionID, "error", err)
	}
	return result.Content, nil
}

// handleJob dispatches a fired scheduler job. Heartbeat-tagged jobs go
// to the heartbeat controller; prompt jobs run as agent turns against
// their bound session.
func (m *Managed) handleJob(job cron.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if job.Kind == cron.KindHeartbeat {
		if _, err := m.Heartbeat.Trigger(ctx); err != nil {
			slog.Warn("agent: heartbeat trigger failed", "agent", m.Name(), "error", err)
		}
		return
	}

	sessionID := job.SessionID
	if sessionID == "" {
		sessionID = sessions.SessionID("cron", job.ID)
	}
	if _, err := m.ProcessMessage(ctx, sessionID, job.Prompt, nil); err != nil {
		slog.Warn("agent: cron job failed", "agent", m.Name(), "job", job.Name, "error", err)
	}
}

// beforeCompact is the pre-compaction hook: it summarizes what is
// about to be dropped into the daily log so long-term memory survives
// compaction.
func (m *Managed) beforeCompact(sessionID string, msgs []providers.Message) {
	userTurns := 0
	for _, msg := range msgs {
		if msg.Role == providers.RoleUser {
			userTurns++
		}
	}
	entry := fmt.Sprintf("session %s compacted (%d messages, %d user turns)", sessionID, len(msgs), userTurns)
	if err := m.Memory.AppendDailyLog(entry); err != nil {
		slog.Warn("agent: pre-compaction log failed", "session", sessionID, "error", err)
	}
}

// heartbeatInvoker adapts Managed to the heartbeat controller's
// capability interface without letting heartbeat turns touch history.
type heartbeatInvoker struct {
	m *Managed
}

func (h heartbeatInvoker) ProcessMessage(ctx context.Context, sessionID, prompt string, onChunk func(string)) (string, error) {
	if h.m.runner == nil {
		return "", fmt.Errorf("agent %s has no runner", h.m.Name())
	}
	// Heartbeats run as independent single turns: the checklist prompt
	// is not recorded into the session.
	result, err := h.m.runner.Run(ctx, []providers.Message{{Role: providers.RoleUser, Content: prompt}}, h.m.SystemInjection(), onChunk)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
