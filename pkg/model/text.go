package model

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most maxLen bytes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:runeCut(s, maxLen)]
	}
	return s[:runeCut(s, maxLen-3)] + "..."
}

// runeCut moves n back to the start of the rune it falls in.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// ParseProjectFlag extracts a "--project <id>" argument from text.
// Returns the text without the flag and the chosen project (or defaultProject).
func ParseProjectFlag(text, defaultProject string) (string, string) {
	project := defaultProject
	prompt := strings.TrimSpace(text)
	if idx := strings.Index(prompt, "--project "); idx >= 0 {
		parts := strings.Fields(prompt[idx+len("--project "):])
		if len(parts) > 0 {
			project = parts[0]
			rest := strings.TrimSpace(strings.Join(parts[1:], " "))
			prompt = strings.TrimSpace(strings.TrimSpace(prompt[:idx]) + " " + rest)
		}
	}
	return prompt, project
}
