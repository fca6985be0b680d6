package contextbuilder

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jxucoder/forgeline/pkg/model"
)

// Summary describes the parent version.
type Summary struct {
	VersionNumber int            `json:"version_number"`
	FileCount     int            `json:"file_count"`
	Extensions    map[string]int `json:"extensions,omitempty"`
	TopLevel      []string       `json:"top_level,omitempty"`
	Stack         []string       `json:"stack,omitempty"`
	Description   string         `json:"description,omitempty"`
}

func summarize(v *model.Version) Summary {
	if v == nil {
		return Summary{}
	}
	s := Summary{
		VersionNumber: v.Number,
		FileCount:     len(v.Files),
		Extensions:    make(map[string]int),
		Description:   v.Description,
	}
	top := make(map[string]bool)
	for p := range v.Files {
		ext := path.Ext(p)
		if ext == "" {
			ext = "(none)"
		}
		s.Extensions[ext]++
		if i := strings.Index(p, "/"); i >= 0 {
			top[p[:i+1]] = true
		} else {
			top[p] = true
		}
	}
	for name := range top {
		s.TopLevel = append(s.TopLevel, name)
	}
	sort.Strings(s.TopLevel)
	s.Stack = detectStack(v.Files)
	return s
}

var stackPackages = map[string]string{
	"react":        "react",
	"next":         "next",
	"vue":          "vue",
	"svelte":       "svelte",
	"vite":         "vite",
	"tailwindcss":  "tailwind",
	"typescript":   "typescript",
	"express":      "express",
	"react-router": "react-router",
}

func detectStack(files map[string]string) []string {
	hints := make(map[string]bool)
	if raw, ok := files["package.json"]; ok {
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal([]byte(raw), &pkg) == nil {
			hints["node"] = true
			for _, deps := range []map[string]string{pkg.Dependencies, pkg.DevDependencies} {
				for name := range deps {
					if hint, ok := stackPackages[name]; ok {
						hints[hint] = true
					}
				}
			}
		}
	}
	markers := map[string]string{
		"go.mod":           "go",
		"requirements.txt": "python",
		"pyproject.toml":   "python",
		"Cargo.toml":       "rust",
		"index.html":       "html",
	}
	for file, hint := range markers {
		if _, ok := files[file]; ok {
			hints[hint] = true
		}
	}
	out := make([]string, 0, len(hints))
	for h := range hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// String renders the summary as a few lines of text.
func (s Summary) String() string {
	if s.FileCount == 0 && s.VersionNumber == 0 {
		return "Empty project (no previous version)."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Version %d with %d files.\n", s.VersionNumber, s.FileCount)
	if len(s.Extensions) > 0 {
		exts := make([]string, 0, len(s.Extensions))
		for ext := range s.Extensions {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		parts := make([]string, len(exts))
		for i, ext := range exts {
			parts[i] = fmt.Sprintf("%s: %d", ext, s.Extensions[ext])
		}
		fmt.Fprintf(&b, "File types: %s\n", strings.Join(parts, ", "))
	}
	if len(s.TopLevel) > 0 {
		fmt.Fprintf(&b, "Top level: %s\n", strings.Join(s.TopLevel, " "))
	}
	if len(s.Stack) > 0 {
		fmt.Fprintf(&b, "Stack: %s\n", strings.Join(s.Stack, ", "))
	}
	if s.Description != "" {
		fmt.Fprintf(&b, "Last change: %s\n", s.Description)
	}
	return b.String()
}
