package memory

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/automate-sh/automate/internal/memory/vector"
)

//go:embed templates/*.md
var templateFS embed.FS

// Identity file names recognized by the manager.
const (
	PersonalityFile = "PERSONALITY.md"
	BootstrapFile   = "BOOTSTRAP.md"
	IdentityFile    = "IDENTITY.md"
	UserFile        = "USER.md"
	AgentsFile      = "AGENTS.md"
	HeartbeatFile   = "HEARTBEAT.md"
	ToolsFile       = "TOOLS.md"
	MemoryFile      = "MEMORY.md"
)

// identityFiles lists every recognized identity file.
var identityFiles = []string{
	PersonalityFile, BootstrapFile, IdentityFile, UserFile,
	AgentsFile, HeartbeatFile, ToolsFile, MemoryFile,
}

// Options configures a Manager.
type Options struct {
	Directory       string // per-agent memory directory
	SharedDirectory string // cross-agent shared memory (one level up)
	Embedding       vector.EmbeddingConfig
	ChunkSize       int
	Overlap         int
	VectorWeight    float64
	BM25Weight      float64
}

// IndexReport summarizes an IndexAll pass.
type IndexReport struct {
	FilesIndexed  int `json:"filesIndexed"`
	ChunksIndexed int `json:"chunksIndexed"`
	FilesSkipped  int `json:"filesSkipped"`
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	File  string  `json:"file"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Manager owns an agent's identity files, curated memory, daily logs,
// and the vector index used for semantic search.
type Manager struct {
	dir       string
	sharedDir string

	mu              sync.Mutex
	indexingEnabled bool

	index    *vector.Index
	embedder *vector.Embedder

	now func() time.Time
}

// NewManager creates a memory manager rooted at dir, seeding any
// missing identity file from the bundled defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("memory: directory is required")
	}
	if err := os.MkdirAll(opts.Directory, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	if opts.SharedDirectory != "" {
		os.MkdirAll(opts.SharedDirectory, 0755)
	}

	m := &Manager{
		dir:             opts.Directory,
		sharedDir:       opts.SharedDirectory,
		indexingEnabled: true,
		now:             time.Now,
	}

	var embedder *vector.Embedder
	if opts.Embedding.APIBase != "" {
		embedder = vector.NewEmbedder(opts.Embedding, filepath.Join(opts.Directory, ".embedding-cache.json"))
	}
	m.embedder = embedder
	m.index = vector.New(vector.Options{
		Dir:          opts.Directory,
		ChunkSize:    opts.ChunkSize,
		Overlap:      opts.Overlap,
		VectorWeight: opts.VectorWeight,
		BM25Weight:   opts.BM25Weight,
	}, embedder)

	if err := m.seedDefaults(); err != nil {
		return nil, err
	}
	return m, nil
}

// seedDefaults copies bundled templates for any missing identity file.
func (m *Manager) seedDefaults() error {
	for _, name := range identityFiles {
		path := filepath.Join(m.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		content, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			slog.Warn("memory: missing bundled template", "file", name, "error", err)
			continue
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// Dir returns the manager's memory directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) filePath(name string) string {
	return filepath.Join(m.dir, name)
}

func (m *Manager) readFile(name string) string {
	data, err := os.ReadFile(m.filePath(name))
	if err != nil {
		return ""
	}
	return string(data)
}

// GetMemory returns the curated long-term memory document.
func (m *Manager) GetMemory() string { return m.readFile(MemoryFile) }

// SaveMemory overwrites the curated memory document.
func (m *Manager) SaveMemory(content string) error {
	return os.WriteFile(m.filePath(MemoryFile), []byte(content), 0644)
}

// AppendMemory appends an entry to the curated memory document.
func (m *Manager) AppendMemory(entry string) error {
	current := m.GetMemory()
	if current != "" && !strings.HasSuffix(current, "\n") {
		current += "\n"
	}
	return m.SaveMemory(current + entry + "\n")
}

// IsIdentityFile reports whether name belongs to the recognized set.
func IsIdentityFile(name string) bool {
	for _, f := range identityFiles {
		if f == name {
			return true
		}
	}
	return false
}

// GetIdentityFile returns an identity file's content ("" when absent
// or unrecognized).
func (m *Manager) GetIdentityFile(name string) string {
	if !IsIdentityFile(name) {
		return ""
	}
	return m.readFile(name)
}

// SaveIdentityFile writes an identity file. Unrecognized names are a
// validation error.
func (m *Manager) SaveIdentityFile(name, content string) error {
	if !IsIdentityFile(name) {
		return fmt.Errorf("unknown identity file %q", name)
	}
	return os.WriteFile(m.filePath(name), []byte(content), 0644)
}

// HasBootstrap reports whether BOOTSTRAP.md still exists.
func (m *Manager) HasBootstrap() bool {
	_, err := os.Stat(m.filePath(BootstrapFile))
	return err == nil
}

// DeleteBootstrap removes BOOTSTRAP.md after first-run setup.
func (m *Manager) DeleteBootstrap() error {
	err := os.Remove(m.filePath(BootstrapFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FactoryReset deletes every identity file, daily log, and the index,
// then reseeds the bundled defaults.
func (m *Manager) FactoryReset() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".md") || name == ".vector-index.json" || name == ".embedding-cache.json" || name == "heartbeat-log.json" {
			os.Remove(filepath.Join(m.dir, name))
		}
	}
	m.index.Clear()
	if err := m.index.Save(); err != nil {
		slog.Warn("memory: saving cleared index failed", "error", err)
	}
	return m.seedDefaults()
}

// --- daily logs ---

func dailyLogName(t time.Time) string {
	return t.Format("2006-01-02") + ".md"
}

// AppendDailyLog appends a timestamped entry to today's log.
func (m *Manager) AppendDailyLog(entry string) error {
	path := m.filePath(dailyLogName(m.now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- %s %s\n", m.now().Format("15:04"), entry)
	return err
}

// GetDailyLog returns the log for a YYYY-MM-DD date ("" when absent).
func (m *Manager) GetDailyLog(date string) string {
	return m.readFile(date + ".md")
}

// GetRecentDailyLogs returns yesterday's and today's logs, oldest first.
func (m *Manager) GetRecentDailyLogs() []string {
	var out []string
	for _, t := range []time.Time{m.now().AddDate(0, 0, -1), m.now()} {
		if content := m.readFile(dailyLogName(t)); content != "" {
			out = append(out, content)
		}
	}
	return out
}

// --- agent name / emoji ---

var (
	namePattern  = regexp.MustCompile(`(?m)^\*\*Name:\*\*\s*(.+)$`)
	emojiPattern = regexp.MustCompile(`(?m)^\*\*Emoji:\*\*\s*(.+)$`)
)

// AgentName extracts the agent's chosen name from IDENTITY.md.
// Placeholder values return "".
func (m *Manager) AgentName() string {
	return extractIdentityValue(m.readFile(IdentityFile), namePattern)
}

// AgentEmoji extracts the agent's chosen emoji from IDENTITY.md.
func (m *Manager) AgentEmoji() string {
	return extractIdentityValue(m.readFile(IdentityFile), emojiPattern)
}

func extractIdentityValue(content string, pattern *regexp.Regexp) string {
	match := pattern.FindStringSubmatch(content)
	if match == nil {
		return ""
	}
	value := strings.TrimSpace(match[1])
	lower := strings.ToLower(value)
	if value == "" || strings.HasPrefix(value, "_") || strings.HasPrefix(value, "(") ||
		strings.Contains(lower, "pick something") || strings.Contains(lower, "pick one") {
		return ""
	}
	return value
}

// --- shared memory ---

var sharedKeyPattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeSharedKey maps a shared-memory key to its safe file stem.
func SanitizeSharedKey(key string) string {
	return sharedKeyPattern.ReplaceAllString(key, "-")
}

// SharedMemoryPath returns the file path for a shared-memory key, or
// "" when no shared directory is configured.
func (m *Manager) SharedMemoryPath(key string) string {
	if m.sharedDir == "" {
		return ""
	}
	return filepath.Join(m.sharedDir, SanitizeSharedKey(key)+".md")
}

// --- indexing & search ---

// EnableIndexing turns semantic indexing on.
func (m *Manager) EnableIndexing() {
	m.mu.Lock()
	m.indexingEnabled = true
	m.mu.Unlock()
}

// DisableIndexing turns semantic indexing off; search falls back to
// lexical and legacy modes.
func (m *Manager) DisableIndexing() {
	m.mu.Lock()
	m.indexingEnabled = false
	m.mu.Unlock()
}

// ClearIndex drops every chunk and fingerprint and persists the empty
// index.
func (m *Manager) ClearIndex() error {
	m.index.Clear()
	return m.index.Save()
}

func (m *Manager) indexingOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexingEnabled
}

// IndexAll walks the memory directory's markdown files and indexes
// changed ones. Unchanged files are counted as skipped.
func (m *Manager) IndexAll(ctx context.Context) (IndexReport, error) {
	var report IndexReport
	if !m.indexingOn() {
		return report, nil
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return report, err
	}

	sizeBefore := m.index.Size()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		content := m.readFile(e.Name())
		if !m.index.NeedsReindex(e.Name(), content) {
			report.FilesSkipped++
			continue
		}
		if m.embedder != nil {
			if err := m.index.IndexFile(ctx, e.Name(), content); err != nil {
				slog.Warn("memory: embedding failed, indexing text-only", "file", e.Name(), "error", err)
				m.index.IndexFileTextOnly(e.Name(), content)
			}
		} else {
			m.index.IndexFileTextOnly(e.Name(), content)
		}
		report.FilesIndexed++
	}
	report.ChunksIndexed = m.index.Size() - sizeBefore
	if report.ChunksIndexed < 0 {
		report.ChunksIndexed = 0
	}

	if err := m.index.Save(); err != nil {
		return report, err
	}
	return report, nil
}

// SemanticSearch runs the fallback chain: hybrid index search, then
// BM25-only over existing chunks, then a legacy substring scan over
// the directory's markdown files.
func (m *Manager) SemanticSearch(ctx context.Context, query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 5
	}

	if m.embedder != nil && m.indexingOn() {
		hits, err := m.index.Search(ctx, query, limit)
		if err == nil {
			return toSearchResults(hits)
		}
		slog.Warn("memory: hybrid search failed, falling back to BM25", "error", err)
	}

	if m.index.Size() > 0 {
		return toSearchResults(m.index.TextSearch(query, limit))
	}

	return m.legacySearch(query, limit)
}

// legacySearch is the no-index fallback: case-insensitive substring
// match over markdown files, returning synthetic neutral-score results.
func (m *Manager) legacySearch(query string, limit int) []SearchResult {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	needle := strings.ToLower(query)
	var out []SearchResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		content := m.readFile(e.Name())
		idx := strings.Index(strings.ToLower(content), needle)
		if idx < 0 {
			continue
		}
		start := idx - 100
		if start < 0 {
			start = 0
		}
		end := idx + len(query) + 200
		if end > len(content) {
			end = len(content)
		}
		out = append(out, SearchResult{File: e.Name(), Text: content[start:end], Score: 0.5})
		if len(out) >= limit {
			break
		}
	}
	return out
}

func toSearchResults(hits []vector.Result) []SearchResult {
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{File: h.Chunk.File, Text: h.Chunk.Text, Score: h.Score}
	}
	return out
}
