// Package contextbuilder assembles the bounded prompt context handed to the
// generation capability: the files that matter for a request, recent
// conversation, and a deterministic summary of the parent version.
package contextbuilder

import (
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jxucoder/forgeline/pkg/model"
)

// Options bounds the size of a built context.
type Options struct {
	MaxFiles        int `json:"max_files"`
	MaxFileChars    int `json:"max_file_chars"`
	MaxTotalChars   int `json:"max_total_chars"`
	MaxHistoryChars int `json:"max_history_chars"`
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxFiles:        8,
		MaxFileChars:    6000,
		MaxTotalChars:   40000,
		MaxHistoryChars: 8000,
	}
}

// Reason explains why a file was selected.
type Reason string

const (
	ReasonReferenced Reason = "referenced"
	ReasonRelevant   Reason = "relevant"
	ReasonKeyFile    Reason = "key"
)

// SelectedFile is one file included in the context.
type SelectedFile struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Reason    Reason `json:"reason"`
	Truncated bool   `json:"truncated,omitempty"`
}

// BoundedContext is everything the generator sees about the project.
type BoundedContext struct {
	Prompt  string           `json:"prompt"`
	Files   []SelectedFile   `json:"files"`
	Omitted []string         `json:"omitted,omitempty"`
	History []*model.Message `json:"history,omitempty"`
	Summary Summary          `json:"summary"`
}

// SelectedPaths returns the paths of the selected files in selection order.
func (c *BoundedContext) SelectedPaths() []string {
	out := make([]string, len(c.Files))
	for i, f := range c.Files {
		out[i] = f.Path
	}
	return out
}

// Builder builds bounded contexts.
type Builder struct {
	opts Options
}

// New creates a Builder. Zero fields in opts take their defaults.
func New(opts Options) *Builder {
	def := DefaultOptions()
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = def.MaxFiles
	}
	if opts.MaxFileChars <= 0 {
		opts.MaxFileChars = def.MaxFileChars
	}
	if opts.MaxTotalChars <= 0 {
		opts.MaxTotalChars = def.MaxTotalChars
	}
	if opts.MaxHistoryChars <= 0 {
		opts.MaxHistoryChars = def.MaxHistoryChars
	}
	return &Builder{opts: opts}
}

// Build selects files from parent (nil for a new project), trims history and
// summarizes the parent. The result depends only on its inputs.
func (b *Builder) Build(parent *model.Version, history []*model.Message, prompt string) *BoundedContext {
	bc := &BoundedContext{
		Prompt:  prompt,
		History: b.trimHistory(history),
		Summary: summarize(parent),
	}
	if parent == nil || len(parent.Files) == 0 {
		return bc
	}

	files := parent.Files
	paths := model.SortedPaths(files)
	chosen := make(map[string]bool)
	total := 0

	add := func(p string, reason Reason) {
		content, truncated := truncateChars(files[p], b.opts.MaxFileChars)
		if total+len(content) > b.opts.MaxTotalChars {
			bc.Omitted = append(bc.Omitted, p)
			chosen[p] = true
			return
		}
		total += len(content)
		chosen[p] = true
		bc.Files = append(bc.Files, SelectedFile{Path: p, Content: content, Reason: reason, Truncated: truncated})
	}

	for _, p := range referencedPaths(paths, prompt) {
		add(p, ReasonReferenced)
	}

	for _, p := range rankRelevant(files, paths, prompt, chosen, b.opts.MaxFiles) {
		add(p, ReasonRelevant)
	}

	for _, p := range paths {
		if chosen[p] || !isKeyFile(p) {
			continue
		}
		if total >= b.opts.MaxTotalChars {
			break
		}
		content, _ := truncateChars(files[p], b.opts.MaxFileChars)
		if total+len(content) > b.opts.MaxTotalChars {
			// Key files are optional; skip silently once the budget is gone.
			continue
		}
		add(p, ReasonKeyFile)
	}
	return bc
}

// trimHistory keeps the newest messages that fit the budget, oldest first.
func (b *Builder) trimHistory(history []*model.Message) []*model.Message {
	var kept []*model.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := len(history[i].Content)
		if used+n > b.opts.MaxHistoryChars {
			break
		}
		used += n
		kept = append(kept, history[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// referencedPaths returns paths whose full path or base name the prompt
// mentions, sorted.
func referencedPaths(paths []string, prompt string) []string {
	lower := strings.ToLower(prompt)
	var out []string
	for _, p := range paths {
		lp := strings.ToLower(p)
		base := path.Base(lp)
		if containsWord(lower, lp) || (strings.Contains(base, ".") && containsWord(lower, base)) {
			out = append(out, p)
		}
	}
	return out
}

type scored struct {
	path  string
	score int
}

const maxContentScore = 5

// rankRelevant scores unchosen paths by keyword overlap and returns up to
// limit of the best, highest first, ties by path.
func rankRelevant(files map[string]string, paths []string, prompt string, chosen map[string]bool, limit int) []string {
	keywords := tokenize(prompt)
	if len(keywords) == 0 || limit <= 0 {
		return nil
	}
	var ranked []scored
	for _, p := range paths {
		if chosen[p] {
			continue
		}
		pathTokens := make(map[string]bool)
		for _, t := range tokenize(p) {
			pathTokens[t] = true
		}
		content := strings.ToLower(files[p])
		s, hits := 0, 0
		for _, k := range keywords {
			if pathTokens[k] {
				s += 3
			}
			if hits < maxContentScore && strings.Contains(content, k) {
				hits++
			}
		}
		s += hits
		if s > 0 {
			ranked = append(ranked, scored{path: p, score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].path < ranked[j].path
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.path
	}
	return out
}

var keyFileNames = map[string]bool{
	"README.md":          true,
	"package.json":       true,
	"go.mod":             true,
	"pyproject.toml":     true,
	"Cargo.toml":         true,
	"Makefile":           true,
	"Dockerfile":         true,
	"requirements.txt":   true,
	"tsconfig.json":      true,
	"vite.config.js":     true,
	"vite.config.ts":     true,
	"next.config.js":     true,
	"next.config.mjs":    true,
	"tailwind.config.js": true,
	"index.html":         true,
}

// isKeyFile reports whether p is a top-level manifest or entry file.
func isKeyFile(p string) bool {
	return !strings.Contains(p, "/") && keyFileNames[p]
}

// truncateChars cuts s at a line boundary so it fits in max characters,
// including the marker.
func truncateChars(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	const marker = "... (truncated)"
	budget := max - len(marker) - 1
	if budget <= 0 {
		return marker, true
	}
	cut := strings.LastIndex(s[:budget], "\n")
	if cut < 0 {
		cut = budget
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "\n" + marker, true
}
