package skills

import (
	"strings"

	"github.com/titanous/json5"
)

// Metadata is the gating and presentation data carried by SKILL.md
// frontmatter.
type Metadata struct {
	Emoji    string       `json:"emoji,omitempty"`
	Homepage string       `json:"homepage,omitempty"`
	Always   bool         `json:"always,omitempty"` // skip gating entirely
	OS       []string     `json:"os,omitempty"`
	Requires Requirements `json:"requires"`
	Install  string       `json:"install,omitempty"` // hint surfaced when gating fails
}

// Requirements gate a skill on host capabilities.
type Requirements struct {
	Bins    []string `json:"bins,omitempty"`    // all must be on $PATH
	AnyBins []string `json:"anyBins,omitempty"` // at least one must be on $PATH
	Env     []string `json:"env,omitempty"`     // all must be set
}

// parseFrontmatter splits an optional frontmatter block (delimited by
// --- lines) off the top of a SKILL.md document and returns the parsed
// metadata plus the remaining body.
//
// The block may carry an inline JSON5-shaped `metadata:` value, or the
// legacy flat keys (`requires_bins: a,b`, `requires_env: X`,
// `os: linux,darwin`, `emoji: x`), which are translated into the same
// structure.
func parseFrontmatter(content string) (Metadata, string, error) {
	var meta Metadata

	rest, block, ok := splitFrontmatterBlock(content)
	if !ok {
		return meta, content, nil
	}

	lines := strings.Split(block, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "metadata":
			// The JSON5 block may span multiple lines; accumulate
			// until braces balance.
			payload := value
			for braceBalance(payload) > 0 && i+1 < len(lines) {
				i++
				payload += "\n" + lines[i]
			}
			if err := json5.Unmarshal([]byte(payload), &meta); err != nil {
				return meta, rest, err
			}
		case "emoji":
			meta.Emoji = value
		case "homepage":
			meta.Homepage = value
		case "always":
			meta.Always = value == "true" || value == "1"
		case "os":
			meta.OS = splitList(value)
		case "requires_bins":
			meta.Requires.Bins = splitList(value)
		case "requires_any_bins":
			meta.Requires.AnyBins = splitList(value)
		case "requires_env":
			meta.Requires.Env = splitList(value)
		case "install":
			meta.Install = value
		}
	}

	return meta, rest, nil
}

// splitFrontmatterBlock returns (body, block, true) when content opens
// with a --- delimited frontmatter block.
func splitFrontmatterBlock(content string) (body, block string, ok bool) {
	trimmed := strings.TrimLeft(content, "\ufeff\n\r")
	if !strings.HasPrefix(trimmed, "---") {
		return content, "", false
	}
	firstEnd := strings.Index(trimmed, "\n")
	if firstEnd < 0 || strings.TrimSpace(trimmed[:firstEnd]) != "---" {
		return content, "", false
	}
	rest := trimmed[firstEnd+1:]
	closing := strings.Index(rest, "\n---")
	if closing < 0 {
		return content, "", false
	}
	block = rest[:closing]
	body = rest[closing+4:]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}
	return strings.TrimLeft(body, "\n"), block, true
}

func braceBalance(s string) int {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	return depth
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
