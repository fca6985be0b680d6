package model

import (
	"path"
	"sort"
	"strings"
)

// CloneFiles returns a copy of a file snapshot. A nil input yields an empty map.
func CloneFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for p, c := range files {
		out[p] = c
	}
	return out
}

// MergeFiles overlays changes onto a parent snapshot and removes deleted paths.
// Paths the change does not mention are carried forward unchanged.
func MergeFiles(parent, changes map[string]string, deleted []string) map[string]string {
	out := CloneFiles(parent)
	for _, p := range deleted {
		delete(out, CleanPath(p))
	}
	for p, c := range changes {
		out[CleanPath(p)] = c
	}
	return out
}

// SortedPaths returns the snapshot's paths in lexical order.
func SortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CleanPath normalizes a project-relative path: forward slashes, no leading
// "./" or "/", no ".." escapes.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// ChangedPaths lists paths whose content differs between two snapshots,
// including paths present in only one of them. Result is sorted.
func ChangedPaths(before, after map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for p, c := range after {
		seen[p] = true
		if old, ok := before[p]; !ok || old != c {
			out = append(out, p)
		}
	}
	for p := range before {
		if !seen[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
