package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultPath resolves the effective config file, preferring YAML over
// JSON at the conventional location.
func DefaultPath() string {
	yamlPath := filepath.Join(HomeDir(), "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := filepath.Join(HomeDir(), "config.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// Load reads the layered configuration: parse with _includes
// resolution, substitute ${VAR} references, apply AUTOMATE_* env
// overrides, validate, and resolve+create state directories.
func Load(path string) (*Config, error) {
	raw := map[string]interface{}{}
	if path != "" {
		var err error
		raw, err = parseWithIncludes(path, map[string]bool{})
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			raw = map[string]interface{}{}
		}
	}

	substituteEnv(raw)

	cfg := Default()
	if len(raw) > 0 {
		// Round-trip through JSON to decode the merged map onto the
		// schema with defaults already applied.
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode merged config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.validate()
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseWithIncludes parses one file and deep-merges the contents of
// any _includes (string or list of paths) under it — the including
// file wins on conflicts. Revisited paths are warned and skipped.
func parseWithIncludes(path string, visited map[string]bool) (map[string]interface{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visited[abs] {
		slog.Warn("config: include cycle detected, skipping", "path", path)
		return map[string]interface{}{}, nil
	}
	visited[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := map[string]interface{}{}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	includes := includePaths(doc["_includes"])
	delete(doc, "_includes")

	if len(includes) == 0 {
		return doc, nil
	}

	merged := map[string]interface{}{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := parseWithIncludes(inc, visited)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("config: include not found, skipping", "path", inc)
				continue
			}
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	// Current file wins on conflicts.
	return deepMerge(merged, doc), nil
}

func includePaths(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// deepMerge merges override onto base, recursing into nested maps.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if ov, ok := v.(map[string]interface{}); ok {
			if bv, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// substituteEnv replaces ${VAR} and ${VAR:default} in every string
// value, recursively.
func substituteEnv(node map[string]interface{}) {
	for k, v := range node {
		node[k] = substituteValue(v)
	}
}

func substituteValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(m string) string {
			groups := envVarPattern.FindStringSubmatch(m)
			if env := os.Getenv(groups[1]); env != "" {
				return env
			}
			return groups[2]
		})
	case map[string]interface{}:
		substituteEnv(val)
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = substituteValue(item)
		}
		return val
	}
	return v
}

// applyEnvOverrides overlays AUTOMATE_* env vars onto specific schema
// paths. Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AUTOMATE_MODEL", &c.Agent.Model)
	envStr("AUTOMATE_API_KEY", &c.Agent.APIKey)
	envStr("AUTOMATE_API_BASE", &c.Agent.APIBase)
	envStr("AUTOMATE_HOST", &c.Gateway.Host)
	envStr("AUTOMATE_AUTH_TOKEN", &c.Gateway.AuthToken)
	envStr("AUTOMATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("AUTOMATE_EMBEDDING_API_KEY", &c.Memory.Embedding.APIKey)

	if v := os.Getenv("AUTOMATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// A token provided via env enables the channel.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// validate clamps out-of-range values back to defaults.
func (c *Config) validate() {
	if c.Sessions.ContextLimit <= 0 {
		c.Sessions.ContextLimit = 100000
	}
	if c.Sessions.CompactAt <= 0 || c.Sessions.CompactAt > 1 {
		c.Sessions.CompactAt = 0.75
	}
	if c.Sessions.AutoResetHour != nil {
		if h := *c.Sessions.AutoResetHour; h < 0 || h > 23 {
			c.Sessions.AutoResetHour = nil
		}
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = 30
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = 18900
	}
	if c.Gateway.RateLimitRPM <= 0 {
		c.Gateway.RateLimitRPM = 30
	}
	if c.Telemetry.Protocol != "grpc" {
		c.Telemetry.Protocol = "http"
	}
}

// resolvePaths expands ~ and creates the state directories.
func (c *Config) resolvePaths() error {
	c.Sessions.Directory = ExpandHome(c.Sessions.Directory)
	c.Memory.Directory = ExpandHome(c.Memory.Directory)
	c.Memory.SharedDirectory = ExpandHome(c.Memory.SharedDirectory)
	c.Cron.Directory = ExpandHome(c.Cron.Directory)
	c.Skills.Directory = ExpandHome(c.Skills.Directory)
	for i, d := range c.Skills.ExtraDirs {
		c.Skills.ExtraDirs[i] = ExpandHome(d)
	}

	for _, dir := range []string{
		c.Sessions.Directory, c.Memory.Directory, c.Memory.SharedDirectory,
		c.Cron.Directory, c.Skills.Directory,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// AutoResetHour returns the configured daily reset hour, or -1.
func (c *Config) AutoResetHour() int {
	if c.Sessions.AutoResetHour == nil {
		return -1
	}
	return *c.Sessions.AutoResetHour
}

// String renders the config as indented JSON with secrets redacted.
func (c *Config) String() string {
	clone := *c
	if clone.Agent.APIKey != "" {
		clone.Agent.APIKey = "…redacted…"
	}
	if clone.Channels.Discord.Token != "" {
		clone.Channels.Discord.Token = "…redacted…"
	}
	if clone.Memory.Embedding.APIKey != "" {
		clone.Memory.Embedding.APIKey = "…redacted…"
	}
	if clone.Gateway.AuthToken != "" {
		clone.Gateway.AuthToken = "…redacted…"
	}
	b, err := json.MarshalIndent(&clone, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
