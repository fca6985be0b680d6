// Package github imports GitHub repositories as project snapshots.
package github

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	gogh "github.com/google/go-github/v68/github"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/forgeline/pkg/gitprovider"
)

// Limits applied to imports.
const (
	DefaultMaxFiles     = 300
	DefaultMaxFileBytes = 100 * 1024
	fetchConcurrency    = 8
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
	"target":       true,
}

var binaryExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true, ".mp3": true, ".mp4": true, ".wasm": true, ".exe": true,
	".so": true, ".dylib": true, ".jar": true, ".lockb": true,
}

// Client wraps the GitHub API for repository imports.
type Client struct {
	gh           *gogh.Client
	maxFiles     int
	maxFileBytes int
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		if u, err := url.Parse(raw); err == nil {
			c.gh.BaseURL = u
		}
	}
}

// WithLimits overrides the file count and per-file size caps.
func WithLimits(maxFiles, maxFileBytes int) Option {
	return func(c *Client) {
		if maxFiles > 0 {
			c.maxFiles = maxFiles
		}
		if maxFileBytes > 0 {
			c.maxFileBytes = maxFileBytes
		}
	}
}

// New creates a GitHub client authenticated with the given token. An empty
// token uses unauthenticated access.
func New(token string, opts ...Option) *Client {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	c := &Client{gh: gh, maxFiles: DefaultMaxFiles, maxFileBytes: DefaultMaxFileBytes}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Import fetches the text files of a repository at its ref, or at the
// default branch when no ref is given.
func (c *Client) Import(ctx context.Context, repo gitprovider.Repo) (*gitprovider.Snapshot, error) {
	if repo.Owner == "" || repo.Name == "" {
		return nil, fmt.Errorf("invalid repo %q, expected \"owner/repo\"", repo.FullName())
	}

	info, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, fmt.Errorf("fetching repo info: %w", err)
	}
	if repo.Ref == "" {
		repo.Ref = info.GetDefaultBranch()
		if repo.Ref == "" {
			repo.Ref = "main"
		}
	}

	tree, _, err := c.gh.Git.GetTree(ctx, repo.Owner, repo.Name, repo.Ref, true)
	if err != nil {
		return nil, fmt.Errorf("fetching file tree: %w", err)
	}

	snap := &gitprovider.Snapshot{
		Repo:        repo,
		Description: info.GetDescription(),
		Files:       make(map[string]string),
	}

	var wanted []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		p := entry.GetPath()
		switch {
		case inSkippedDir(p):
			continue
		case binaryExts[strings.ToLower(path.Ext(p))], entry.GetSize() > c.maxFileBytes:
			snap.Skipped = append(snap.Skipped, p)
		case len(wanted) >= c.maxFiles:
			snap.Skipped = append(snap.Skipped, p)
		default:
			wanted = append(wanted, p)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, p := range wanted {
		g.Go(func() error {
			content, err := fetchFileContent(gctx, c.gh, repo.Owner, repo.Name, p, repo.Ref)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", p, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if !isText(content) {
				snap.Skipped = append(snap.Skipped, p)
				return nil
			}
			snap.Files[p] = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(snap.Skipped)
	if tree.GetTruncated() {
		snap.Skipped = append(snap.Skipped, "(tree truncated by GitHub)")
	}
	return snap, nil
}

func inSkippedDir(p string) bool {
	for _, seg := range strings.Split(p, "/")[:strings.Count(p, "/")] {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}

func isText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func fetchFileContent(ctx context.Context, gh *gogh.Client, owner, repo, path, ref string) (string, error) {
	opts := &gogh.RepositoryContentGetOptions{Ref: ref}
	file, _, _, err := gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", nil
	}

	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding content for %s: %w", path, err)
	}
	return content, nil
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

// ParseFullName converts "owner/repo" into a Repo.
func ParseFullName(fullName string) (gitprovider.Repo, error) {
	owner, name, err := splitRepo(fullName)
	if err != nil {
		return gitprovider.Repo{}, err
	}
	return gitprovider.Repo{Owner: owner, Name: name}, nil
}

var _ gitprovider.Importer = (*Client)(nil)
