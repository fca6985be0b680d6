package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

var resolveExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".json", ".css"}

var indexFiles = []string{"index.js", "index.jsx", "index.ts", "index.tsx"}

var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true, "events": true,
	"fs": true, "http": true, "https": true, "net": true, "os": true, "path": true,
	"process": true, "querystring": true, "stream": true, "url": true, "util": true,
	"zlib": true, "worker_threads": true, "readline": true, "timers": true,
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == ".."
}

// isBareImport reports whether spec names an npm package. Path aliases,
// URLs, virtual modules and node builtins are excluded.
func isBareImport(spec string) bool {
	switch {
	case spec == "", isRelative(spec), strings.HasPrefix(spec, "/"):
		return false
	case strings.HasPrefix(spec, "@/"), strings.HasPrefix(spec, "~/"), strings.HasPrefix(spec, "#"):
		return false
	case strings.Contains(spec, "://"), strings.HasPrefix(spec, "node:"), strings.HasPrefix(spec, "virtual:"):
		return false
	}
	return !nodeBuiltins[packageName(spec)]
}

// packageName strips a deep import down to its package: "@scope/pkg/x" ->
// "@scope/pkg", "lodash/debounce" -> "lodash".
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// resolveRelative finds the snapshot path an import refers to, or "".
func resolveRelative(files map[string]string, importer, spec string) string {
	if i := strings.IndexAny(spec, "?#"); i >= 0 {
		spec = spec[:i]
	}
	target := path.Clean(path.Join(path.Dir(importer), spec))
	if strings.HasPrefix(target, "../") || target == ".." {
		return ""
	}
	candidates := []string{target}
	for _, ext := range resolveExtensions {
		candidates = append(candidates, target+ext)
	}
	for _, idx := range indexFiles {
		candidates = append(candidates, path.Join(target, idx))
	}
	for _, c := range candidates {
		if _, ok := files[c]; ok {
			return c
		}
	}
	return ""
}

func declaredDependencies(manifest string) (map[string]bool, error) {
	var pkg map[string]json.RawMessage
	if err := json.Unmarshal([]byte(manifest), &pkg); err != nil {
		return nil, err
	}
	deps := make(map[string]bool)
	for _, field := range []string{"dependencies", "devDependencies", "peerDependencies", "optionalDependencies"} {
		raw, ok := pkg[field]
		if !ok {
			continue
		}
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		for name := range m {
			deps[name] = true
		}
	}
	if name, ok := pkg["name"]; ok {
		var self string
		if json.Unmarshal(name, &self) == nil && self != "" {
			deps[self] = true
		}
	}
	return deps, nil
}

// addDependency returns manifest with pkg added to dependencies at "latest".
// Keys are re-encoded in sorted order.
func addDependency(manifest, pkg string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(manifest), &doc); err != nil {
		return "", err
	}
	deps, _ := doc["dependencies"].(map[string]any)
	if deps == nil {
		deps = make(map[string]any)
	}
	deps[pkg] = "latest"
	doc["dependencies"] = deps

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var reactHooks = []string{
	"useCallback", "useContext", "useEffect", "useId", "useLayoutEffect",
	"useMemo", "useReducer", "useRef", "useState", "useTransition",
}

var hookCallRe = regexp.MustCompile(`(^|[^.\w$])(use[A-Z]\w*)\s*\(`)

// missingHooks lists React hooks called bare in content but not imported.
func missingHooks(content string, imports []importRef) []string {
	imported := make(map[string]bool)
	for _, imp := range imports {
		for _, n := range imp.Names {
			imported[n] = true
		}
	}
	known := make(map[string]bool, len(reactHooks))
	for _, h := range reactHooks {
		known[h] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range hookCallRe.FindAllStringSubmatch(content, -1) {
		h := m[2]
		if !known[h] || imported[h] || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

var (
	namedReactImportRe   = regexp.MustCompile(`(?m)^import\s+(\w+\s*,\s*)?\{([^}]*)\}\s*from\s*['"]react['"];?`)
	defaultReactImportRe = regexp.MustCompile(`(?m)^import\s+(\w+)\s+from\s*['"]react['"](;?)`)
)

// addHookImports adds hooks to the file's react import, creating one when
// there is none.
func addHookImports(content string, hooks []string) string {
	if loc := namedReactImportRe.FindStringSubmatchIndex(content); loc != nil {
		existing := strings.TrimSpace(content[loc[4]:loc[5]])
		names := hooks
		if existing != "" {
			names = append([]string{strings.TrimSuffix(existing, ",")}, hooks...)
		}
		return content[:loc[4]] + " " + strings.Join(names, ", ") + " " + content[loc[5]:]
	}
	if loc := defaultReactImportRe.FindStringSubmatchIndex(content); loc != nil {
		def := content[loc[2]:loc[3]]
		semi := content[loc[4]:loc[5]]
		repl := fmt.Sprintf("import %s, { %s } from 'react'%s", def, strings.Join(hooks, ", "), semi)
		return content[:loc[0]] + repl + content[loc[1]:]
	}
	return fmt.Sprintf("import { %s } from 'react';\n", strings.Join(hooks, ", ")) + content
}
