package skills

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Skill is a loaded, gate-passing capability.
type Skill struct {
	Name       string
	Dir        string
	Meta       Metadata
	Body       string
	References []string // contents of references/*.md, name-sorted
}

// SkippedSkill records why a skill failed gating.
type SkippedSkill struct {
	Name    string
	Reasons []string
	Install string
}

// Loader discovers skills in one or more directories. Extra
// directories load first; the main directory loads last; a later skill
// with the same directory name overrides an earlier one.
type Loader struct {
	mainDir   string
	extraDirs []string

	mu      sync.Mutex
	loaded  []Skill
	skipped []SkippedSkill
	changed bool

	watcher *fsnotify.Watcher
	watchWG sync.WaitGroup

	goos       string
	lookPath   func(string) (string, error)
	getenv     func(string) string
}

// NewLoader creates a skill loader over the main directory plus any
// extra directories from configuration.
func NewLoader(mainDir string, extraDirs []string) *Loader {
	return &Loader{
		mainDir:   mainDir,
		extraDirs: extraDirs,
		goos:      runtime.GOOS,
		lookPath:  exec.LookPath,
		getenv:    os.Getenv,
	}
}

// LoadAll scans every directory and returns the gate-passing skills.
func (l *Loader) LoadAll() []Skill {
	byName := map[string]Skill{}
	skippedByName := map[string]SkippedSkill{}
	var order []string

	binCache := map[string]bool{} // per-load PATH-lookup cache

	dirs := append(append([]string{}, l.extraDirs...), l.mainDir)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			skill, skip, err := l.loadSkill(filepath.Join(dir, name), name, binCache)
			if err != nil {
				slog.Warn("skills: failed to load", "skill", name, "error", err)
				continue
			}
			if _, seen := byName[name]; !seen {
				if _, seenSkip := skippedByName[name]; !seenSkip {
					order = append(order, name)
				}
			}
			if skip != nil {
				delete(byName, name)
				skippedByName[name] = *skip
			} else {
				delete(skippedByName, name)
				byName[name] = *skill
			}
		}
	}

	var loaded []Skill
	var skipped []SkippedSkill
	for _, name := range order {
		if s, ok := byName[name]; ok {
			loaded = append(loaded, s)
		} else if sk, ok := skippedByName[name]; ok {
			skipped = append(skipped, sk)
		}
	}

	l.mu.Lock()
	l.loaded = loaded
	l.skipped = skipped
	l.changed = false
	l.mu.Unlock()
	return loaded
}

// loadSkill reads one skill directory. A nil error with a non-nil skip
// means the skill exists but failed gating.
func (l *Loader) loadSkill(dir, name string, binCache map[string]bool) (*Skill, *SkippedSkill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return nil, nil, err
	}

	meta, body, err := parseFrontmatter(string(data))
	if err != nil {
		return nil, nil, fmt.Errorf("frontmatter: %w", err)
	}

	if !meta.Always {
		if reasons := l.gate(meta, binCache); len(reasons) > 0 {
			return nil, &SkippedSkill{Name: name, Reasons: reasons, Install: meta.Install}, nil
		}
	}

	skill := &Skill{Name: name, Dir: dir, Meta: meta, Body: strings.TrimSpace(body)}
	skill.References = l.loadReferences(filepath.Join(dir, "references"))
	return skill, nil, nil
}

// gate evaluates OS, binary, and env requirements.
func (l *Loader) gate(meta Metadata, binCache map[string]bool) []string {
	var reasons []string

	if len(meta.OS) > 0 {
		supported := false
		for _, osName := range meta.OS {
			if strings.EqualFold(osName, l.goos) {
				supported = true
				break
			}
		}
		if !supported {
			reasons = append(reasons, fmt.Sprintf("unsupported OS %s (wants %s)", l.goos, strings.Join(meta.OS, ", ")))
		}
	}

	hasBin := func(bin string) bool {
		if cached, ok := binCache[bin]; ok {
			return cached
		}
		_, err := l.lookPath(bin)
		binCache[bin] = err == nil
		return err == nil
	}

	for _, bin := range meta.Requires.Bins {
		if !hasBin(bin) {
			reasons = append(reasons, "missing binary "+bin)
		}
	}

	if len(meta.Requires.AnyBins) > 0 {
		any := false
		for _, bin := range meta.Requires.AnyBins {
			if hasBin(bin) {
				any = true
				break
			}
		}
		if !any {
			reasons = append(reasons, "none of required binaries present: "+strings.Join(meta.Requires.AnyBins, ", "))
		}
	}

	for _, env := range meta.Requires.Env {
		if l.getenv(env) == "" {
			reasons = append(reasons, "missing env var "+env)
		}
	}

	return reasons
}

func (l *Loader) loadReferences(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			out = append(out, string(data))
		}
	}
	return out
}

// ListSkills returns the currently loaded skills.
func (l *Loader) ListSkills() []Skill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Skill, len(l.loaded))
	copy(out, l.loaded)
	return out
}

// ListSkippedSkills returns skills that failed gating, with reasons.
func (l *Loader) ListSkippedSkills() []SkippedSkill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SkippedSkill, len(l.skipped))
	copy(out, l.skipped)
	return out
}

// GetSystemPromptInjection renders the loaded skills under a top-level
// Active Skills header.
func (l *Loader) GetSystemPromptInjection() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Active Skills\n\n")
	for _, s := range skills {
		if s.Meta.Emoji != "" {
			fmt.Fprintf(&b, "## %s Skill: %s\n", s.Meta.Emoji, s.Name)
		} else {
			fmt.Fprintf(&b, "## Skill: %s\n", s.Name)
		}
		b.WriteString(s.Body)
		b.WriteString("\n")
		for _, ref := range s.References {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(ref))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// StartWatching begins watching the skill directories for changes.
func (l *Loader) StartWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range append(append([]string{}, l.extraDirs...), l.mainDir) {
		if dir == "" {
			continue
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("skills: cannot watch directory", "dir", dir, "error", err)
		}
	}
	l.watcher = w

	l.watchWG.Add(1)
	go func() {
		defer l.watchWG.Done()
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				l.mu.Lock()
				l.changed = true
				l.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("skills: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// StopWatching stops the directory watcher.
func (l *Loader) StopWatching() {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w != nil {
		w.Close()
		l.watchWG.Wait()
	}
}

// ReloadIfChanged reloads when the watcher saw any event since the
// last load. Returns whether a reload happened.
func (l *Loader) ReloadIfChanged() bool {
	l.mu.Lock()
	changed := l.changed
	l.mu.Unlock()
	if !changed {
		return false
	}
	l.LoadAll()
	return true
}
