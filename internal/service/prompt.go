package service

import (
	"encoding/json"
	"strings"
	"unicode"
)

const maxPromptInputLen = 10000

var roleMarkers = []string{
	"system:", "assistant:", "user:", "developer:",
	"[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

// sanitizePromptInput prepares user-supplied text for prompt embedding:
// control characters are dropped (newlines and tabs survive), lines that
// open with a chat role marker are neutralized, and oversized input is
// cut off.
func sanitizePromptInput(s string) string {
	if len(s) > maxPromptInputLen {
		s = s[:maxPromptInputLen] + "\n[truncated]"
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lowered := strings.ToLower(strings.TrimSpace(line))
		for _, marker := range roleMarkers {
			if strings.HasPrefix(lowered, marker) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// extractJSON pulls a JSON object out of model output that may be
// wrapped in markdown fences or surrounded by prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// contextBlock renders conversation context as indented JSON for prompt
// embedding. Empty context renders as "".
func contextBlock(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return ""
	}
	return sanitizePromptInput(string(data))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
