package config

import (
	"os"
	"path/filepath"
)

// Config is the full layered configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Agents    []AgentProfile  `json:"agents,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Skills    SkillsConfig    `json:"skills"`
	Memory    MemoryConfig    `json:"memory"`
	Cron      CronConfig      `json:"cron"`
	Sessions  SessionsConfig  `json:"sessions"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Tools     ToolsConfig     `json:"tools"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// AgentConfig holds base agent settings.
type AgentConfig struct {
	Model        string  `json:"model,omitempty"`
	APIBase      string  `json:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// AgentProfile names an agent and carries optional overrides plus the
// routing predicates evaluated by the router.
type AgentProfile struct {
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	APIBase     string   `json:"apiBase,omitempty"`
	APIKey      string   `json:"apiKey,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MemoryDir   string   `json:"memoryDir,omitempty"`
	SessionsDir string   `json:"sessionsDir,omitempty"`
	SkillsDir   string   `json:"skillsDir,omitempty"`
	CronDir     string   `json:"cronDir,omitempty"`
	ToolsAllow  []string `json:"toolsAllow,omitempty"`
	ToolsDeny   []string `json:"toolsDeny,omitempty"`
	Channels    []string `json:"channels,omitempty"`  // glob patterns over session ids
	AllowFrom   []string `json:"allowFrom,omitempty"` // user ids, or "*"
}

// GatewayConfig configures the WS/HTTP ingress.
type GatewayConfig struct {
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	AuthToken    string `json:"authToken,omitempty"`
	RateLimitRPM int    `json:"rateLimitRpm,omitempty"`
}

// ChannelsConfig groups transport channel settings.
type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

// DiscordConfig configures the discord channel adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"token,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// SkillsConfig configures skill loading.
type SkillsConfig struct {
	Directory string   `json:"directory,omitempty"`
	ExtraDirs []string `json:"extraDirs,omitempty"`
}

// MemoryConfig configures the memory manager and vector index.
type MemoryConfig struct {
	Directory       string          `json:"directory,omitempty"`
	SharedDirectory string          `json:"sharedDirectory,omitempty"`
	Embedding       EmbeddingConfig `json:"embedding"`
	Citations       bool            `json:"citations,omitempty"`
	ChunkSize       int             `json:"chunkSize,omitempty"`
	Overlap         int             `json:"overlap,omitempty"`
	VectorWeight    float64         `json:"vectorWeight,omitempty"`
	BM25Weight      float64         `json:"bm25Weight,omitempty"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"` // nil = enabled
	Directory string `json:"directory,omitempty"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	Directory     string  `json:"directory,omitempty"`
	ContextLimit  int     `json:"contextLimit,omitempty"`
	CompactAt     float64 `json:"compactAt,omitempty"`
	AutoResetHour *int    `json:"autoResetHour,omitempty"` // nil = disabled
}

// HeartbeatConfig configures the heartbeat controller.
type HeartbeatConfig struct {
	Enabled         bool `json:"enabled,omitempty"`
	IntervalMinutes int  `json:"intervalMinutes,omitempty"`
}

// ToolsConfig is the tool policy enforced by the external layer.
type ToolsConfig struct {
	Allow           []string `json:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	RequireApproval []string `json:"requireApproval,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" or "grpc"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// HomeDir is the conventional root for runtime state.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".automate")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home := HomeDir()
	return &Config{
		Agent: AgentConfig{
			Model:       "claude-sonnet-4-5-20250929",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18900,
			RateLimitRPM: 30,
		},
		Sessions: SessionsConfig{
			Directory:    filepath.Join(home, "sessions"),
			ContextLimit: 100000,
			CompactAt:    0.75,
		},
		Memory: MemoryConfig{
			Directory:       filepath.Join(home, "memory"),
			SharedDirectory: filepath.Join(home, "shared"),
		},
		Cron: CronConfig{
			Directory: filepath.Join(home, "cron"),
		},
		Skills: SkillsConfig{
			Directory: filepath.Join(home, "skills"),
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes: 30,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "automate",
		},
	}
}

// CronEnabled reports whether the scheduler should run.
func (c *Config) CronEnabled() bool {
	return c.Cron.Enabled == nil || *c.Cron.Enabled
}

// AgentDirs resolves the per-agent state directories, defaulting to
// <home>/agents/<name>/{memory,sessions,skills}.
func (c *Config) AgentDirs(p AgentProfile) (memoryDir, sessionsDir, skillsDir, cronDir string) {
	base := filepath.Join(HomeDir(), "agents", p.Name)
	memoryDir = p.MemoryDir
	if memoryDir == "" {
		memoryDir = filepath.Join(base, "memory")
	}
	sessionsDir = p.SessionsDir
	if sessionsDir == "" {
		sessionsDir = filepath.Join(base, "sessions")
	}
	skillsDir = p.SkillsDir
	if skillsDir == "" {
		skillsDir = filepath.Join(base, "skills")
	}
	cronDir = p.CronDir
	if cronDir == "" {
		cronDir = filepath.Join(base, "cron")
	}
	return ExpandHome(memoryDir), ExpandHome(sessionsDir), ExpandHome(skillsDir), ExpandHome(cronDir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
