package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automate-sh/automate/internal/providers"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	if opts.AutoResetHour == 0 {
		opts.AutoResetHour = -1
	}
	s := NewStore(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionID(t *testing.T) {
	if got := SessionID("discord", "U1"); got != "discord:U1" {
		t.Errorf("SessionID() = %q, want %q", got, "discord:U1")
	}
}

func TestGetOrCreate_Lazy(t *testing.T) {
	s := newTestStore(t, Options{})

	a := s.GetOrCreate("webchat", "alice")
	b := s.GetOrCreate("webchat", "alice")
	if a != b {
		t.Error("GetOrCreate should return the same session for the same key")
	}
	if a.ID != "webchat:alice" || a.Channel != "webchat" || a.UserID != "alice" {
		t.Errorf("unexpected identity fields: %+v", a)
	}
}

func TestAppendMessage_OrderAndCount(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.GetOrCreate("cli", "u").ID

	for i, text := range []string{"one", "two", "three"} {
		role := providers.RoleUser
		if i%2 == 1 {
			role = providers.RoleAssistant
		}
		if err := s.AppendMessage(id, providers.Message{Role: role, Content: text}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := s.GetMessages(id)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[2].Content != "three" {
		t.Errorf("last message = %q, want %q", msgs[2].Content, "three")
	}
	if got := s.Get(id).MessageCount; got != 3 {
		t.Errorf("messageCount = %d, want 3", got)
	}
}

func TestAppendMessage_ConcurrentCount(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.GetOrCreate("cli", "u").ID

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: "x"})
		}()
	}
	wg.Wait()

	if got := s.Get(id).MessageCount; got != n {
		t.Errorf("messageCount = %d, want %d", got, n)
	}
	if got := len(s.GetMessages(id)); got != n {
		t.Errorf("len(messages) = %d, want %d", got, n)
	}
}

func TestEstimateTokens(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.GetOrCreate("cli", "u").ID
	s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: strings.Repeat("a", 400)})

	if got := s.EstimateTokens(id); got != 100 {
		t.Errorf("EstimateTokens = %d, want 100", got)
	}
}

func TestAutoCompact(t *testing.T) {
	// contextLimit=20000, compactAt=0.75 → threshold ~15000 tokens (~60000 chars).
	s := newTestStore(t, Options{ContextLimit: 20000, CompactAt: 0.75})
	id := s.GetOrCreate("cli", "u").ID

	s.AppendMessage(id, providers.Message{Role: providers.RoleSystem, Content: "base prompt"})

	chunk := strings.Repeat("x", 11000)
	for i := 0; i < 6; i++ { // ~66000 chars total, threshold crossed on the last append
		role := providers.RoleUser
		if i%2 == 1 {
			role = providers.RoleAssistant
		}
		if err := s.AppendMessage(id, providers.Message{Role: role, Content: chunk}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := s.GetMessages(id)
	if msgs[0].Role != providers.RoleSystem || msgs[0].Content != "base prompt" {
		t.Fatalf("system prefix not preserved: %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "[Context compacted:") || msgs[1].Role != providers.RoleSystem {
		t.Fatalf("expected synthetic compaction marker, got %+v", msgs[1])
	}

	nonSystem := 0
	for _, m := range msgs {
		if m.Role != providers.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem < 2 {
		t.Errorf("compaction kept %d non-system messages, want >= 2", nonSystem)
	}
	if got := s.EstimateTokens(id); got > 10000 {
		t.Errorf("post-compaction estimate %d exceeds 50%% of limit", got)
	}
}

func TestCompactWithInstructions_EchoesVerbatim(t *testing.T) {
	s := newTestStore(t, Options{ContextLimit: 1000, CompactAt: 0.75})
	id := s.GetOrCreate("cli", "u").ID

	for i := 0; i < 10; i++ {
		s.Get(id).Messages = append(s.Get(id).Messages, providers.Message{
			Role:    providers.RoleUser,
			Content: strings.Repeat("y", 500),
		})
	}

	report, err := s.CompactWithInstructions(id, "keep the deploy plan")
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed == 0 {
		t.Fatal("expected messages to be removed")
	}

	msgs := s.GetMessages(id)
	if !strings.Contains(msgs[0].Content, "keep the deploy plan") {
		t.Errorf("instructions not echoed in marker: %q", msgs[0].Content)
	}
}

func TestCompact_EmptySessionNoop(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.GetOrCreate("cli", "u").ID
	report, err := s.Compact(id)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 0 {
		t.Errorf("Removed = %d, want 0", report.Removed)
	}
}

func TestBeforeCompactHook_FiresWithSnapshot(t *testing.T) {
	s := newTestStore(t, Options{ContextLimit: 100, CompactAt: 0.5})
	id := s.GetOrCreate("cli", "u").ID

	got := make(chan int, 1)
	s.SetBeforeCompactHook(func(sessionID string, msgs []providers.Message) {
		if sessionID == id {
			got <- len(msgs)
		}
	})

	for i := 0; i < 6; i++ {
		s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: strings.Repeat("z", 100)})
	}

	select {
	case n := <-got:
		if n == 0 {
			t.Error("hook received empty snapshot")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pre-compaction hook never fired")
	}
}

func TestBeforeCompactHook_PanicDoesNotPoisonAppend(t *testing.T) {
	s := newTestStore(t, Options{ContextLimit: 100, CompactAt: 0.5})
	id := s.GetOrCreate("cli", "u").ID
	s.SetBeforeCompactHook(func(string, []providers.Message) { panic("boom") })

	for i := 0; i < 6; i++ {
		if err := s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: strings.Repeat("z", 100)}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
}

func TestReset_PreservesIdentityAndFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Directory: dir})
	id := s.GetOrCreate("discord", "u1").ID
	s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: "hello"})

	if err := s.Reset(id); err != nil {
		t.Fatal(err)
	}

	sess := s.Get(id)
	if len(sess.Messages) != 0 || sess.MessageCount != 0 {
		t.Errorf("reset left messages=%d count=%d", len(sess.Messages), sess.MessageCount)
	}
	if sess.ID != id || sess.Channel != "discord" {
		t.Error("reset must preserve identity")
	}
	if _, err := os.Stat(filepath.Join(dir, "discord_u1.json")); err != nil {
		t.Errorf("session file missing after reset: %v", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(Options{Directory: dir, AutoResetHour: -1})
	id := s.GetOrCreate("discord", "u1").ID
	s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: "hello"})
	s.AppendMessage(id, providers.Message{
		Role:      providers.RoleAssistant,
		ToolCalls: []providers.ToolCall{{ID: "t1", Name: "shell", Arguments: map[string]interface{}{"cmd": "ls"}}},
	})
	if err := s.SaveAll(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := NewStore(Options{Directory: dir, AutoResetHour: -1})
	defer s2.Close()

	sess := s2.Get(id)
	if sess == nil {
		t.Fatal("session not restored")
	}
	if sess.MessageCount != 2 || len(sess.Messages) != 2 {
		t.Fatalf("restored count=%d len=%d, want 2/2", sess.MessageCount, len(sess.Messages))
	}
	if sess.Messages[1].ToolCalls[0].Name != "shell" {
		t.Error("tool calls not restored")
	}
}

func TestLoad_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", "{not json")
	writeFile(t, dir, "empty.json", "")

	s := NewStore(Options{Directory: dir, AutoResetHour: -1})
	defer s.Close()

	if got := len(s.List()); got != 0 {
		t.Errorf("loaded %d sessions from corrupt files, want 0", got)
	}
	if got := s.CorruptDropped(); got != 2 {
		t.Errorf("CorruptDropped = %d, want 2", got)
	}
}

func TestList_NeverIncludesMessages(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.GetOrCreate("cli", "u").ID
	s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: "secret"})

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("got %d summaries, want 1", len(list))
	}
	if list[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", list[0].MessageCount)
	}
}

func TestDelete_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Directory: dir})
	id := s.GetOrCreate("cli", "u").ID
	s.AppendMessage(id, providers.Message{Role: providers.RoleUser, Content: "x"})

	if err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	if s.Get(id) != nil {
		t.Error("session still present after delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "cli_u.json")); !os.IsNotExist(err) {
		t.Errorf("session file still on disk after delete: %v", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
