package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automate-sh/automate/internal/agent"
	"github.com/automate-sh/automate/internal/config"
	"github.com/automate-sh/automate/internal/providers"
)

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, messages []providers.Message, _ string, onChunk func(string)) (agent.Result, error) {
	last := messages[len(messages)-1].Content
	reply := "echo: " + last
	if onChunk != nil {
		onChunk(reply)
	}
	return agent.Result{Content: reply}, nil
}

func testProfile(t *testing.T, name string, channels, allowFrom []string) config.AgentProfile {
	t.Helper()
	base := filepath.Join(t.TempDir(), name)
	return config.AgentProfile{
		Name:        name,
		Channels:    channels,
		AllowFrom:   allowFrom,
		MemoryDir:   filepath.Join(base, "memory"),
		SessionsDir: filepath.Join(base, "sessions"),
		SkillsDir:   filepath.Join(base, "skills"),
		CronDir:     filepath.Join(base, "cron"),
	}
}

func newTestRouter(t *testing.T, profiles ...config.AgentProfile) *Router {
	t.Helper()
	cfg := config.Default()
	r := New()
	if err := r.InitAgents(cfg, profiles, echoRunner{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Shutdown)
	return r
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		session string
		want    bool
	}{
		{"*", "anything:at:all", true},
		{"discord:*", "discord:g1:U1", true},
		{"discord:*", "webchat:X", false},
		{"discord:g?:U1", "discord:g1:U1", true},
		{"discord:g?:U1", "discord:g12:U1", false},
		{"webchat:X", "webchat:X", true},
		{"webchat:X", "webchat:XY", false}, // anchored
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.session); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.session, got, tt.want)
		}
	}
}

func TestRoute_PatternAndAllowFrom(t *testing.T) {
	r := newTestRouter(t,
		testProfile(t, "coder", []string{"discord:*"}, []string{"U1"}),
		testProfile(t, "default", []string{"*"}, []string{"*"}),
	)

	if got := r.Route("discord:g1:U1", "U1"); got.Name() != "coder" {
		t.Errorf("Route(discord, U1) = %s, want coder", got.Name())
	}
	// coder's allowFrom rejects U2 → fall through to default.
	if got := r.Route("discord:g1:U2", "U2"); got.Name() != "default" {
		t.Errorf("Route(discord, U2) = %s, want default", got.Name())
	}
	if got := r.Route("webchat:X", "Uany"); got.Name() != "default" {
		t.Errorf("Route(webchat) = %s, want default", got.Name())
	}
}

func TestRoute_NoMatchFallsBackToDefault(t *testing.T) {
	r := newTestRouter(t,
		testProfile(t, "first", []string{"telegram:*"}, []string{"*"}),
		testProfile(t, "second", []string{"discord:*"}, []string{"*"}),
	)
	// Nothing matches a webchat session; the first-registered profile
	// is the default.
	if got := r.Route("webchat:X", "U"); got.Name() != "first" {
		t.Errorf("fallback = %s, want first", got.Name())
	}
}

func TestSetDefault_SwitchCommand(t *testing.T) {
	r := newTestRouter(t,
		testProfile(t, "alpha", []string{"alpha:*"}, []string{"*"}),
		testProfile(t, "beta", []string{"beta:*"}, []string{"*"}),
	)

	resp, handled := r.HandleCommand(context.Background(), "webchat:X", "/agents switch beta", "U")
	if !handled || !strings.Contains(resp, "beta") {
		t.Fatalf("switch = (%q, %v)", resp, handled)
	}
	if got := r.Route("webchat:X", "U"); got.Name() != "beta" {
		t.Errorf("fallback after switch = %s, want beta", got.Name())
	}

	resp, handled = r.HandleCommand(context.Background(), "webchat:X", "/agents switch ghost", "U")
	if !handled || !strings.Contains(resp, "unknown agent") {
		t.Errorf("switch to unknown = (%q, %v)", resp, handled)
	}
}

func TestHandleCommand_AgentsList(t *testing.T) {
	r := newTestRouter(t, testProfile(t, "solo", []string{"*"}, []string{"*"}))
	resp, handled := r.HandleCommand(context.Background(), "cli:u", "/agents", "u")
	if !handled || !strings.Contains(resp, "solo (default)") {
		t.Errorf("/agents = (%q, %v)", resp, handled)
	}
}

func TestHandleCommand_NonCommandPassesThrough(t *testing.T) {
	r := newTestRouter(t, testProfile(t, "solo", []string{"*"}, []string{"*"}))
	if _, handled := r.HandleCommand(context.Background(), "cli:u", "hello there", "u"); handled {
		t.Error("plain text treated as command")
	}
}

func TestProcessMessage_RecordsTurns(t *testing.T) {
	r := newTestRouter(t, testProfile(t, "solo", []string{"*"}, []string{"*"}))

	reply, err := r.ProcessMessage(context.Background(), "cli:u", "ping", nil, "u")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "echo: ping" {
		t.Errorf("reply = %q", reply)
	}

	m := r.GetAgent("solo")
	msgs := m.Sessions.GetMessages("cli:u")
	if len(msgs) != 2 {
		t.Fatalf("session has %d messages, want user+assistant", len(msgs))
	}
	if msgs[0].Role != providers.RoleUser || msgs[1].Role != providers.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestInitAgents_EmptyProfilesCreatesDefault(t *testing.T) {
	// Point the home directory at a temp dir so the implicit default
	// profile's state stays out of the real home.
	t.Setenv("HOME", t.TempDir())
	cfg := config.Default()
	r := New()
	err := r.InitAgents(cfg, nil, echoRunner{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Shutdown()

	if r.GetDefault() == nil || r.GetDefault().Name() != "default" {
		t.Error("default agent not created")
	}
}

func TestInitAgents_DuplicateNameRejected(t *testing.T) {
	cfg := config.Default()
	r := New()
	profiles := []config.AgentProfile{
		testProfile(t, "dup", []string{"*"}, []string{"*"}),
		testProfile(t, "dup", []string{"*"}, []string{"*"}),
	}
	if err := r.InitAgents(cfg, profiles, echoRunner{}); err == nil {
		t.Error("duplicate agent name accepted")
	}
	r.Shutdown()
}
