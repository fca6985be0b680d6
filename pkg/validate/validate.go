// Package validate runs static checks over a generated snapshot and applies
// mechanical fixes: syntax via tree-sitter, import resolution against the
// snapshot and package.json, missing React hook imports and missing
// dependencies.
package validate

import (
	"context"
	"sort"
)

// Issue kinds.
const (
	KindSyntax            = "syntax"
	KindUnresolvedImport  = "unresolved_import"
	KindMissingDependency = "missing_dependency"
	KindMissingHookImport = "missing_react_import"
)

// Issue is one problem found in a file.
type Issue struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fixed   bool   `json:"fixed,omitempty"`
}

// Report is the outcome of a validation pass.
type Report struct {
	Issues []Issue `json:"issues"`
	// Files holds the new content of every file a fix rewrote.
	Files map[string]string `json:"files,omitempty"`
}

// Remaining returns the issues that no fix resolved.
func (r *Report) Remaining() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if !is.Fixed {
			out = append(out, is)
		}
	}
	return out
}

// Validator checks snapshots.
type Validator struct {
	autofix bool
}

// Option customizes a Validator.
type Option func(*Validator)

// WithoutAutofix reports issues without rewriting files.
func WithoutAutofix() Option { return func(v *Validator) { v.autofix = false } }

// New creates a Validator with autofix enabled.
func New(opts ...Option) *Validator {
	v := &Validator{autofix: true}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run checks the given paths of snapshot. Imports are resolved against the
// whole snapshot. snapshot is not modified; fixed contents are returned in
// the report.
func (v *Validator) Run(ctx context.Context, snapshot map[string]string, paths []string) *Report {
	rep := &Report{Files: make(map[string]string)}
	files := make(map[string]string, len(snapshot))
	for p, c := range snapshot {
		files[p] = c
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		content, ok := files[p]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		if is, ok := checkSyntax(ctx, p, content); ok {
			// Import analysis needs a valid tree.
			rep.Issues = append(rep.Issues, is)
			continue
		}
		if !isScript(p) {
			continue
		}

		imports := parseImports(ctx, p, content)

		if isReactFile(p) {
			missing := missingHooks(content, imports)
			if len(missing) > 0 {
				fixed := v.autofix
				if fixed {
					files[p] = addHookImports(files[p], missing)
					rep.Files[p] = files[p]
				}
				for _, h := range missing {
					rep.Issues = append(rep.Issues, Issue{
						Path: p, Kind: KindMissingHookImport, Fixed: fixed,
						Message: h + " is used but not imported from react",
					})
				}
			}
		}

		for _, imp := range imports {
			switch {
			case isRelative(imp.Source):
				if resolveRelative(files, p, imp.Source) == "" {
					rep.Issues = append(rep.Issues, Issue{
						Path: p, Line: imp.Line, Kind: KindUnresolvedImport,
						Message: "cannot resolve " + imp.Source,
					})
				}
			case isBareImport(imp.Source):
				v.checkDependency(files, rep, p, imp)
			}
		}
	}
	return rep
}

func (v *Validator) checkDependency(files map[string]string, rep *Report, p string, imp importRef) {
	manifest, ok := files["package.json"]
	if !ok {
		return
	}
	pkg := packageName(imp.Source)
	deps, err := declaredDependencies(manifest)
	if err != nil || deps[pkg] {
		return
	}
	issue := Issue{
		Path: p, Line: imp.Line, Kind: KindMissingDependency,
		Message: pkg + " is imported but not listed in package.json",
	}
	if v.autofix {
		if updated, err := addDependency(manifest, pkg); err == nil {
			files["package.json"] = updated
			rep.Files["package.json"] = updated
			issue.Fixed = true
		}
	}
	rep.Issues = append(rep.Issues, issue)
}
