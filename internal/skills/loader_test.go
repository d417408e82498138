package skills

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantEmoji string
		wantBins  []string
		wantBody  string
	}{
		{
			name:     "no frontmatter",
			content:  "# Skill\n\nbody text\n",
			wantBody: "# Skill\n\nbody text\n",
		},
		{
			name: "json5 metadata block",
			content: "---\nmetadata: {emoji: \"🔧\", requires: {bins: [\"git\", \"jq\"]}}\n---\n\nbody here\n",
			wantEmoji: "🔧",
			wantBins:  []string{"git", "jq"},
			wantBody:  "body here\n",
		},
		{
			name:     "legacy flat keys",
			content:  "---\nemoji: ⚙️\nrequires_bins: git,curl\nrequires_env: HOME\nos: linux,darwin\n---\n\nlegacy body\n",
			wantEmoji: "⚙️",
			wantBins:  []string{"git", "curl"},
			wantBody:  "legacy body\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body, err := parseFrontmatter(tt.content)
			if err != nil {
				t.Fatal(err)
			}
			if meta.Emoji != tt.wantEmoji {
				t.Errorf("emoji = %q, want %q", meta.Emoji, tt.wantEmoji)
			}
			if len(meta.Requires.Bins) != len(tt.wantBins) {
				t.Errorf("bins = %v, want %v", meta.Requires.Bins, tt.wantBins)
			}
			if strings.TrimSpace(body) != strings.TrimSpace(tt.wantBody) {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestParseFrontmatter_MultilineMetadata(t *testing.T) {
	content := "---\nmetadata: {\n  emoji: \"🌐\",\n  requires: {\n    env: [\"API_KEY\"],\n  },\n}\n---\n\nbody\n"
	meta, _, err := parseFrontmatter(content)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Emoji != "🌐" || len(meta.Requires.Env) != 1 {
		t.Errorf("meta = %+v", meta)
	}
}

func newTestLoader(root string) *Loader {
	l := NewLoader(root, nil)
	l.goos = "linux"
	l.lookPath = func(bin string) (string, error) {
		if bin == "present" || bin == "also-present" {
			return "/usr/bin/" + bin, nil
		}
		return "", errors.New("not found")
	}
	l.getenv = func(key string) string {
		if key == "SET_VAR" {
			return "yes"
		}
		return ""
	}
	return l
}

func TestLoadAll_GatingMatrix(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "plain", "# Plain\n\nalways loads\n")
	writeSkill(t, root, "needs-bin", "---\nrequires_bins: present\n---\n\nok\n")
	writeSkill(t, root, "missing-bin", "---\nrequires_bins: absent\ninstall: apt install absent\n---\n\nno\n")
	writeSkill(t, root, "any-bin", "---\nmetadata: {requires: {anyBins: [\"absent\", \"present\"]}}\n---\n\nok\n")
	writeSkill(t, root, "no-any-bin", "---\nmetadata: {requires: {anyBins: [\"absent\", \"also-absent\"]}}\n---\n\nno\n")
	writeSkill(t, root, "needs-env", "---\nrequires_env: SET_VAR\n---\n\nok\n")
	writeSkill(t, root, "missing-env", "---\nrequires_env: UNSET_VAR\n---\n\nno\n")
	writeSkill(t, root, "wrong-os", "---\nos: windows\n---\n\nno\n")
	writeSkill(t, root, "always-wins", "---\nmetadata: {always: true, requires: {bins: [\"absent\"]}}\n---\n\nok\n")

	l := newTestLoader(root)
	loaded := l.LoadAll()

	names := map[string]bool{}
	for _, s := range loaded {
		names[s.Name] = true
	}
	for _, want := range []string{"plain", "needs-bin", "any-bin", "needs-env", "always-wins"} {
		if !names[want] {
			t.Errorf("skill %s not loaded", want)
		}
	}
	for _, unwanted := range []string{"missing-bin", "no-any-bin", "missing-env", "wrong-os"} {
		if names[unwanted] {
			t.Errorf("skill %s loaded despite failing gate", unwanted)
		}
	}

	skipped := l.ListSkippedSkills()
	var sawInstallHint bool
	for _, sk := range skipped {
		if sk.Name == "missing-bin" {
			if len(sk.Reasons) == 0 {
				t.Error("missing-bin skipped without reasons")
			}
			sawInstallHint = sk.Install != ""
		}
	}
	if !sawInstallHint {
		t.Error("install hint not surfaced for missing-bin")
	}
}

func TestLoadAll_DirectoryPrecedence(t *testing.T) {
	extra := t.TempDir()
	main := t.TempDir()
	writeSkill(t, extra, "shared", "# Extra version\n\nfrom extra\n")
	writeSkill(t, main, "shared", "# Main version\n\nfrom main\n")

	l := NewLoader(main, []string{extra})
	loaded := l.LoadAll()
	if len(loaded) != 1 {
		t.Fatalf("got %d skills, want 1", len(loaded))
	}
	if !strings.Contains(loaded[0].Body, "from main") {
		t.Errorf("main directory should override extra: %q", loaded[0].Body)
	}
}

func TestReferencesConcatenated(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "documented", "# Documented\n\nbody\n")
	refDir := filepath.Join(root, "documented", "references")
	os.MkdirAll(refDir, 0755)
	os.WriteFile(filepath.Join(refDir, "a.md"), []byte("ref alpha"), 0644)
	os.WriteFile(filepath.Join(refDir, "b.md"), []byte("ref beta"), 0644)

	l := NewLoader(root, nil)
	loaded := l.LoadAll()
	if len(loaded) != 1 || len(loaded[0].References) != 2 {
		t.Fatalf("references not loaded: %+v", loaded)
	}

	inject := l.GetSystemPromptInjection()
	if !strings.HasPrefix(inject, "# Active Skills") {
		t.Error("missing Active Skills header")
	}
	if !strings.Contains(inject, "ref alpha") || !strings.Contains(inject, "ref beta") {
		t.Error("references not in injection")
	}
}

func TestInjection_EmojiHeader(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "tagged", "---\nemoji: 🎯\n---\n\ndoes things\n")
	l := NewLoader(root, nil)
	l.LoadAll()
	if !strings.Contains(l.GetSystemPromptInjection(), "## 🎯 Skill: tagged") {
		t.Errorf("injection = %q", l.GetSystemPromptInjection())
	}
}

func TestReloadIfChanged(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "one", "# One\n\nv1\n")
	l := NewLoader(root, nil)
	l.LoadAll()

	if l.ReloadIfChanged() {
		t.Error("reload reported with no changes")
	}

	l.mu.Lock()
	l.changed = true
	l.mu.Unlock()
	writeSkill(t, root, "two", "# Two\n\nv1\n")
	if !l.ReloadIfChanged() {
		t.Error("reload not triggered after change flag")
	}
	if len(l.ListSkills()) != 2 {
		t.Errorf("got %d skills after reload, want 2", len(l.ListSkills()))
	}
}

func TestWatcher_StartStop(t *testing.T) {
	root := t.TempDir()
	l := NewLoader(root, nil)
	if err := l.StartWatching(); err != nil {
		t.Fatal(err)
	}
	l.StopWatching()
	l.StopWatching() // second stop is a no-op
}
