package agent

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automate-sh/automate/internal/config"
	"github.com/automate-sh/automate/internal/cron"
	"github.com/automate-sh/automate/internal/providers"
)

type recordingRunner struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (r *recordingRunner) Run(_ context.Context, messages []providers.Message, _ string, onChunk func(string)) (Result, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, messages[len(messages)-1].Content)
	r.mu.Unlock()
	if onChunk != nil {
		onChunk(r.reply)
	}
	return Result{Content: r.reply}, nil
}

func (r *recordingRunner) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func newTestAgent(t *testing.T, runner Runner) *Managed {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	m, err := NewManaged(cfg, config.AgentProfile{
		Name:        "test",
		Channels:    []string{"*"},
		AllowFrom:   []string{"*"},
		MemoryDir:   filepath.Join(base, "memory"),
		SessionsDir: filepath.Join(base, "sessions"),
		SkillsDir:   filepath.Join(base, "skills"),
		CronDir:     filepath.Join(base, "cron"),
	}, runner)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestProcessMessage_AppendsBothTurns(t *testing.T) {
	runner := &recordingRunner{reply: "done"}
	m := newTestAgent(t, runner)

	reply, err := m.ProcessMessage(context.Background(), "cli:u", "do the thing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "done" {
		t.Errorf("reply = %q", reply)
	}

	msgs := m.Sessions.GetMessages("cli:u")
	if len(msgs) != 2 || msgs[0].Role != providers.RoleUser || msgs[1].Role != providers.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSystemInjection_CarriesMemoryAndSkills(t *testing.T) {
	runner := &recordingRunner{reply: "ok"}
	m := newTestAgent(t, runner)
	m.Memory.SaveMemory("remember: the gateway runs on port 9")

	injection := m.SystemInjection()
	if !strings.Contains(injection, "# Agent Memory & Identity") {
		t.Error("memory injection missing")
	}
	if !strings.Contains(injection, "gateway runs on port 9") {
		t.Error("curated memory not injected")
	}
}

func TestHandleJob_PromptDispatch(t *testing.T) {
	runner := &recordingRunner{reply: "cron ran"}
	m := newTestAgent(t, runner)

	at := time.Now().Add(-time.Second)
	job, err := m.Scheduler.AddJob("daily-report", "write the report", cron.Schedule{
		Type: cron.ScheduleOnce, At: &at,
	}, "cli:reports")
	if err != nil {
		t.Fatal(err)
	}

	m.Scheduler.Tick()

	if got := runner.lastPrompt(); got != "write the report" {
		t.Errorf("cron prompt = %q", got)
	}
	if m.Scheduler.GetJob(job.ID).Enabled {
		t.Error("once job still enabled")
	}
	// The turn was recorded against the bound session.
	if len(m.Sessions.GetMessages("cli:reports")) != 2 {
		t.Error("cron turn not recorded on bound session")
	}
}

func TestHandleJob_HeartbeatDispatch(t *testing.T) {
	runner := &recordingRunner{reply: "HEARTBEAT_OK"}
	m := newTestAgent(t, runner)
	m.Memory.SaveIdentityFile("HEARTBEAT.md", "- verify the backups\n")

	if err := m.Heartbeat.Start(time.Hour, false); err != nil {
		t.Fatal(err)
	}
	job := m.Scheduler.GetJobByName(m.Heartbeat.JobName())
	if job == nil || job.Kind != cron.KindHeartbeat {
		t.Fatalf("heartbeat job = %+v", job)
	}

	// Fire it via the scheduler dispatch path.
	m.handleJob(*job)

	if got := runner.lastPrompt(); !strings.HasPrefix(got, "[HEARTBEAT CHECK]") {
		t.Errorf("heartbeat dispatched as plain prompt: %q", got)
	}
	log := m.Heartbeat.GetLog(1)
	if len(log) != 1 || log[0].Status != "ok-token" {
		t.Errorf("heartbeat log = %+v", log)
	}
}

func TestBeforeCompactHook_PromotesToDailyLog(t *testing.T) {
	runner := &recordingRunner{reply: "ok"}
	base := t.TempDir()
	cfg := config.Default()
	cfg.Sessions.ContextLimit = 200
	cfg.Sessions.CompactAt = 0.5
	m, err := NewManaged(cfg, config.AgentProfile{
		Name:        "tiny",
		MemoryDir:   filepath.Join(base, "memory"),
		SessionsDir: filepath.Join(base, "sessions"),
		SkillsDir:   filepath.Join(base, "skills"),
		CronDir:     filepath.Join(base, "cron"),
	}, runner)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	for i := 0; i < 8; i++ {
		m.Sessions.AppendMessage("cli:u", providers.Message{
			Role: providers.RoleUser, Content: strings.Repeat("m", 200),
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		today := m.Memory.GetDailyLog(time.Now().Format("2006-01-02"))
		if strings.Contains(today, "compacted") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("compaction was never promoted to the daily log")
}
