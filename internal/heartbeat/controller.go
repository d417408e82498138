package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/automate-sh/automate/internal/cron"
	"github.com/automate-sh/automate/internal/memory"
	"github.com/automate-sh/automate/internal/sessions"
)

// ReservedJobName tags scheduler jobs owned by a heartbeat controller.
const ReservedJobName = "__heartbeat__"

// Entry statuses.
const (
	StatusSkipped = "skipped"
	StatusOKEmpty = "ok-empty"
	StatusOKToken = "ok-token"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

const (
	ackToken        = "HEARTBEAT_OK"
	ackMaxLen       = 200
	logMaxEntries   = 200
	defaultInterval = 30 * time.Minute
)

// Entry is one heartbeat log record.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	SessionID      string    `json:"sessionId,omitempty"`
	AgentName      string    `json:"agentName,omitempty"`
	Content        string    `json:"content,omitempty"`
	ResponseLength int       `json:"responseLength,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Invoker is the capability the controller needs from the external
// agent driver.
type Invoker interface {
	// ProcessMessage runs one agent turn, streaming chunks through
	// onChunk when non-nil, and returns the final response text.
	ProcessMessage(ctx context.Context, sessionID, prompt string, onChunk func(string)) (string, error)
}

// Broadcaster pushes heartbeat events (stream chunks, alerts) to
// connected clients.
type Broadcaster func(event string, payload interface{})

// Controller periodically runs the agent against HEARTBEAT.md and
// filters no-op acknowledgements.
type Controller struct {
	mem       *memory.Manager
	store     *sessions.Store
	scheduler *cron.Scheduler
	invoker   Invoker
	agentName string

	mu          sync.Mutex
	broadcaster Broadcaster
	targetID    string
	jobID       string
	active      bool

	now func() time.Time
}

// New creates a heartbeat controller for one agent.
func New(mem *memory.Manager, store *sessions.Store, scheduler *cron.Scheduler, invoker Invoker, agentName string) *Controller {
	return &Controller{
		mem:       mem,
		store:     store,
		scheduler: scheduler,
		invoker:   invoker,
		agentName: agentName,
		now:       time.Now,
	}
}

// JobName returns the reserved scheduler job name for this controller.
func (c *Controller) JobName() string {
	if c.agentName == "" {
		return ReservedJobName
	}
	return ReservedJobName + ":" + c.agentName
}

// SetBroadcaster registers the event sink.
func (c *Controller) SetBroadcaster(fn Broadcaster) {
	c.mu.Lock()
	c.broadcaster = fn
	c.mu.Unlock()
}

// SetTargetSession sets the session whose idle timestamp is preserved
// across heartbeat runs.
func (c *Controller) SetTargetSession(id string) {
	c.mu.Lock()
	c.targetID = id
	c.mu.Unlock()
}

// IsActive reports whether a heartbeat job is currently enabled.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start schedules the heartbeat interval job. An existing job for this
// controller's reserved name is re-enabled, unless force recreates it
// with the new interval.
func (c *Controller) Start(interval time.Duration, force bool) error {
	if c.scheduler == nil {
		return fmt.Errorf("heartbeat: no scheduler configured")
	}
	if interval <= 0 {
		interval = defaultInterval
	}

	if existing := c.scheduler.GetJobByName(c.JobName()); existing != nil {
		if !force {
			c.scheduler.EnableJob(existing.ID)
			c.mu.Lock()
			c.jobID = existing.ID
			c.active = true
			c.mu.Unlock()
			return nil
		}
		c.scheduler.RemoveJob(existing.ID)
	}

	c.mu.Lock()
	target := c.targetID
	c.mu.Unlock()

	job, err := c.scheduler.AddHeartbeatJob(c.JobName(), cron.Schedule{
		Type:    cron.ScheduleInterval,
		EveryMs: interval.Milliseconds(),
	}, target)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.jobID = job.ID
	c.active = true
	c.mu.Unlock()
	return nil
}

// Stop disables the heartbeat job.
func (c *Controller) Stop() {
	c.mu.Lock()
	jobID := c.jobID
	c.active = false
	c.mu.Unlock()
	if jobID != "" && c.scheduler != nil {
		c.scheduler.DisableJob(jobID)
	}
}

// Trigger runs one heartbeat pass. Returns the alert content when the
// agent surfaced something needing attention, otherwise "".
func (c *Controller) Trigger(ctx context.Context) (string, error) {
	checklist := c.mem.GetIdentityFile(memory.HeartbeatFile)
	if EffectivelyEmpty(checklist) {
		c.appendLog(Entry{Timestamp: c.now(), Status: StatusSkipped, AgentName: c.agentName})
		return "", nil
	}

	c.mu.Lock()
	target := c.targetID
	broadcaster := c.broadcaster
	c.mu.Unlock()

	// Preserve idle-expiry semantics: the heartbeat must not count as
	// user activity on the target session.
	var prevUpdated time.Time
	var hadSession bool
	if target != "" && c.store != nil {
		prevUpdated, hadSession = c.store.UpdatedAt(target)
	}

	prompt := buildPrompt(checklist)

	onChunk := func(chunk string) {
		if broadcaster != nil {
			broadcaster("heartbeat_stream", chunk)
		}
	}

	response, err := c.invoker.ProcessMessage(ctx, target, prompt, onChunk)

	if hadSession {
		c.store.SetUpdatedAt(target, prevUpdated)
	}

	if err != nil {
		c.appendLog(Entry{
			Timestamp: c.now(), Status: StatusFailed, SessionID: target,
			AgentName: c.agentName, Error: err.Error(),
		})
		return "", err
	}

	trimmed := strings.TrimSpace(response)
	switch {
	case trimmed == "":
		c.appendLog(Entry{Timestamp: c.now(), Status: StatusOKEmpty, SessionID: target, AgentName: c.agentName})
		return "", nil
	case len(trimmed) <= ackMaxLen && (strings.HasPrefix(trimmed, ackToken) || strings.HasSuffix(trimmed, ackToken)):
		c.appendLog(Entry{
			Timestamp: c.now(), Status: StatusOKToken, SessionID: target,
			AgentName: c.agentName, ResponseLength: len(response),
		})
		return "", nil
	default:
		if broadcaster != nil {
			broadcaster("heartbeat_alert", trimmed)
		}
		c.appendLog(Entry{
			Timestamp: c.now(), Status: StatusSent, SessionID: target,
			AgentName: c.agentName, Content: trimmed, ResponseLength: len(response),
		})
		return trimmed, nil
	}
}

// buildPrompt wraps the checklist in strict instructions.
func buildPrompt(checklist string) string {
	var b strings.Builder
	b.WriteString("[HEARTBEAT CHECK]\n\n")
	b.WriteString("Follow the checklist below strictly. Do not hallucinate work that is not listed.\n")
	b.WriteString("If nothing needs attention, reply with exactly " + ackToken + ".\n\n")
	b.WriteString("---\n")
	b.WriteString(checklist)
	if !strings.HasSuffix(checklist, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("---\n")
	return b.String()
}

// EffectivelyEmpty reports whether content reduces to nothing after
// removing blank lines, header markers without text, horizontal rules,
// and empty bullet lines.
func EffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "---" || line == "***" {
			continue
		}
		if trimmed := strings.TrimLeft(line, "#"); trimmed != line {
			if strings.TrimSpace(trimmed) == "" {
				continue
			}
			// A header with text counts as content.
			return false
		}
		if line == "-" || line == "*" || line == "+" {
			continue
		}
		return false
	}
	return true
}

// --- rolling log ---

func (c *Controller) logPath() string {
	return filepath.Join(c.mem.Dir(), "heartbeat-log.json")
}

// GetLog returns the most recent entries, oldest first, capped at
// limit (0 = all retained entries).
func (c *Controller) GetLog(limit int) []Entry {
	entries := c.readLog()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

func (c *Controller) readLog() []Entry {
	data, err := os.ReadFile(c.logPath())
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("heartbeat: dropping corrupt log", "path", c.logPath(), "error", err)
		return nil
	}
	return entries
}

// appendLog adds an entry to the rolling log, keeping the last 200.
func (c *Controller) appendLog(entry Entry) {
	entries := append(c.readLog(), entry)
	if len(entries) > logMaxEntries {
		entries = entries[len(entries)-logMaxEntries:]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.logPath(), data, 0644); err != nil {
		slog.Warn("heartbeat: writing log failed", "error", err)
	}
}
