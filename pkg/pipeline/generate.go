package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jxucoder/forgeline/pkg/contextbuilder"
	"github.com/jxucoder/forgeline/pkg/llm"
	"github.com/jxucoder/forgeline/pkg/model"
)

var (
	// ErrMalformedOutput means the generator answered but the answer could not
	// be turned into file changes.
	ErrMalformedOutput = errors.New("malformed generation output")
	// ErrGenerationFailed is returned once every attempt has failed.
	ErrGenerationFailed = errors.New("generation failed")
)

// Request is the input to a generation capability.
type Request struct {
	Kind    model.OperationKind
	Prompt  string
	Context *contextbuilder.BoundedContext
}

// Result is the set of file changes a generator proposes.
type Result struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Files       map[string]string `json:"files"`
	Deleted     []string          `json:"deleted,omitempty"`
	// Replace means Files is a complete snapshot rather than a change set.
	Replace bool `json:"replace,omitempty"`
}

// Generator produces file changes for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Result, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Router dispatches by operation kind, falling back to a default generator.
type Router struct {
	Default Generator
	ByKind  map[model.OperationKind]Generator
}

// Generate picks the generator registered for req.Kind.
func (r *Router) Generate(ctx context.Context, req Request) (*Result, error) {
	if g, ok := r.ByKind[req.Kind]; ok && g != nil {
		return g.Generate(ctx, req)
	}
	if r.Default == nil {
		return nil, fmt.Errorf("no generator for %s", req.Kind)
	}
	return r.Default.Generate(ctx, req)
}

// GenerateWithRetry calls gen up to attempts times with identical inputs,
// each bounded by perAttempt. Only timeouts and malformed output are retried.
func GenerateWithRetry(ctx context.Context, gen Generator, req Request, attempts int, perAttempt time.Duration) (*Result, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := generateOnce(ctx, gen, req, perAttempt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrMalformedOutput) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, lastErr)
}

func generateOnce(ctx context.Context, gen Generator, req Request, perAttempt time.Duration) (*Result, error) {
	if perAttempt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, perAttempt)
		defer cancel()
	}
	res, err := gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Result) validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty result", ErrMalformedOutput)
	}
	if len(r.Files) == 0 && len(r.Deleted) == 0 {
		return fmt.Errorf("%w: no file changes", ErrMalformedOutput)
	}
	cleaned := make(map[string]string, len(r.Files))
	for p, c := range r.Files {
		cp := model.CleanPath(p)
		if cp == "" {
			return fmt.Errorf("%w: empty file path", ErrMalformedOutput)
		}
		cleaned[cp] = c
	}
	r.Files = cleaned
	for i, p := range r.Deleted {
		r.Deleted[i] = model.CleanPath(p)
	}
	return nil
}

// LLMGenerator asks a language model for file changes as JSON.
type LLMGenerator struct {
	llm          llm.Client
	systemPrompt string
}

// NewLLMGenerator creates a generator. Pass empty systemPrompt to use the default.
func NewLLMGenerator(client llm.Client, systemPrompt string) *LLMGenerator {
	if systemPrompt == "" {
		systemPrompt = DefaultGeneratorPrompt
	}
	return &LLMGenerator{llm: client, systemPrompt: systemPrompt}
}

// Generate renders the bounded context, calls the model and parses its answer.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation: %s\n%s\n\n", req.Kind, kindInstructions[req.Kind])
	if req.Context != nil {
		b.WriteString(req.Context.Render())
	} else {
		fmt.Fprintf(&b, "### Request\n%s\n", req.Prompt)
	}

	response, err := g.llm.Complete(ctx, g.systemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}
	return ParseResult(response)
}

// ParseResult decodes a model answer of the form
// {"name", "description", "files": [{"path", "content"}], "delete": [paths]}.
func ParseResult(response string) (*Result, error) {
	raw, err := llm.ExtractJSON(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	var out struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Files       []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
		Delete []string `json:"delete"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	res := &Result{
		Name:        strings.TrimSpace(out.Name),
		Description: strings.TrimSpace(out.Description),
		Files:       make(map[string]string, len(out.Files)),
		Deleted:     out.Delete,
	}
	for _, f := range out.Files {
		res.Files[f.Path] = f.Content
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res, nil
}

var kindInstructions = map[model.OperationKind]string{
	model.OpCreateFile:       "Add the new files the request needs. Only touch existing files to wire the new ones in.",
	model.OpModifyFile:       "Change the existing files the request is about. Return each changed file in full.",
	model.OpDeleteFile:       "List the files to remove under \"delete\" and update any file that referenced them.",
	model.OpRefactorCode:     "Restructure the code without changing behavior. Return every file you change in full.",
	model.OpGenerateProject:  "Create a complete, runnable project. Include a package manifest and an entry point.",
	model.OpImportRepository: "Summarize the imported repository.",
}

// DefaultGeneratorPrompt is the system prompt for LLMGenerator.
const DefaultGeneratorPrompt = `You are the code generator of Forgeline, which evolves a web project one request at a time.

You receive the current project summary, the relevant files, recent conversation and the user's request.

Return ONLY a JSON object:
{"name": "short title for this version", "description": "one sentence describing the change", "files": [{"path": "relative/path", "content": "full file content"}], "delete": ["relative/path"]}

Rules:
- Return complete file contents, never diffs or placeholders
- Omit files you do not change; they are kept as they are
- Paths are relative to the project root and use forward slashes
- Prefer the libraries the project already uses
- Every import you add must resolve to a file in the project or a dependency in package.json`
