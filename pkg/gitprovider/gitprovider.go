// Package gitprovider defines how external repositories are imported as
// project snapshots.
package gitprovider

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Repo identifies a repository on a git host.
type Repo struct {
	Owner string
	Name  string
	Ref   string // branch, tag or commit; empty means the default branch
}

// FullName returns "owner/name".
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

func (r Repo) String() string {
	if r.Ref != "" {
		return r.FullName() + "@" + r.Ref
	}
	return r.FullName()
}

// Snapshot is the imported content of a repository.
type Snapshot struct {
	Repo        Repo
	Description string
	Files       map[string]string
	// Skipped lists paths left out for being binary, too large or over the file cap.
	Skipped []string
}

// Importer fetches a repository as a file snapshot.
type Importer interface {
	Import(ctx context.Context, repo Repo) (*Snapshot, error)
}

var (
	urlRepoRe  = regexp.MustCompile(`github\.com[/:]([A-Za-z0-9][\w.-]*)/([\w.-]+?)(?:\.git)?(?:/tree/([\w./-]+))?(?:[\s?#)]|$)`)
	bareRepoRe = regexp.MustCompile(`(?:^|\s)([A-Za-z0-9][\w-]*)/([A-Za-z0-9][\w.-]*)(?:@([\w./-]+))?(?:[\s,.;)]|$)`)
)

// ParseRepoRef finds a repository reference in free text. GitHub URLs take
// precedence over bare owner/repo tokens. Bare tokens with an extension
// are taken for file paths and ignored, so dotted repo names need a URL.
func ParseRepoRef(text string) (Repo, error) {
	if m := urlRepoRe.FindStringSubmatch(text); m != nil {
		return Repo{Owner: m[1], Name: strings.TrimSuffix(m[2], ".git"), Ref: strings.TrimSuffix(m[3], "/")}, nil
	}
	for _, m := range bareRepoRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimRight(m[2], ".")
		if path.Ext(name) != "" {
			continue
		}
		return Repo{Owner: m[1], Name: name, Ref: m[3]}, nil
	}
	return Repo{}, fmt.Errorf("no repository reference found in %q", text)
}
