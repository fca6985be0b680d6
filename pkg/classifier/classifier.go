// Package classifier maps a free-text prompt to an operation kind using
// weighted rules first and an LLM only for ambiguous prompts. Decisions are
// stable: rule results are pure and LLM answers are memoized durably.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/pkg/llm"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// Source records which layer produced a decision.
type Source string

const (
	SourceCache    Source = "cache"
	SourceRule     Source = "rule"
	SourceMemo     Source = "memo"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Fallback is the kind used when the LLM fails or answers nonsense.
const Fallback = model.OpModifyFile

// Decision is the outcome of one classification.
type Decision struct {
	Kind   model.OperationKind `json:"kind"`
	Source Source              `json:"source"`
	Score  int                 `json:"score,omitempty"`
}

// Classifier implements operation classification.
type Classifier struct {
	rules    []Rule
	cache    Cache
	memo     store.ClassificationStore
	llm      llm.Client
	logger   zerolog.Logger
	observer func(Source)
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithRules replaces the embedded rules.
func WithRules(rules []Rule) Option { return func(c *Classifier) { c.rules = rules } }

// WithCache sets the result cache.
func WithCache(cache Cache) Option { return func(c *Classifier) { c.cache = cache } }

// WithMemo sets the durable store for LLM decisions.
func WithMemo(memo store.ClassificationStore) Option { return func(c *Classifier) { c.memo = memo } }

// WithLLM sets the client used for ambiguous prompts.
func WithLLM(client llm.Client) Option { return func(c *Classifier) { c.llm = client } }

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Classifier) { c.logger = logger.With().Str("component", "classifier").Logger() }
}

// WithObserver registers a callback invoked with the source of every decision.
func WithObserver(fn func(Source)) Option { return func(c *Classifier) { c.observer = fn } }

// New creates a Classifier. Without options it uses the embedded rules, a
// 1024-entry in-memory cache with no expiry, and no LLM.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		rules:  DefaultRules(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(1024, 0)
	}
	return c
}

// Classify returns the operation kind of prompt. It never fails.
func (c *Classifier) Classify(ctx context.Context, prompt string) model.OperationKind {
	return c.Decide(ctx, prompt).Kind
}

// Decide classifies prompt and reports which layer answered.
func (c *Classifier) Decide(ctx context.Context, prompt string) Decision {
	d := c.decide(ctx, prompt)
	if c.observer != nil {
		c.observer(d.Source)
	}
	return d
}

func (c *Classifier) decide(ctx context.Context, prompt string) Decision {
	normalized := Normalize(prompt)
	key := Hash(normalized)

	if kind, ok := c.cache.Get(ctx, key); ok {
		return Decision{Kind: kind, Source: SourceCache}
	}

	if kind, top, ok := score(c.rules, normalized); ok {
		c.cache.Set(ctx, key, kind)
		return Decision{Kind: kind, Source: SourceRule, Score: top}
	}

	if c.memo != nil {
		kind, err := c.memo.GetClassification(ctx, key)
		switch {
		case err == nil:
			c.cache.Set(ctx, key, kind)
			return Decision{Kind: kind, Source: SourceMemo}
		case !errors.Is(err, store.ErrNotFound):
			c.logger.Warn().Err(err).Msg("reading classification memo")
		}
	}

	source := SourceLLM
	kind, err := c.askLLM(ctx, prompt)
	if err != nil {
		c.logger.Warn().Err(err).Str("fallback", string(Fallback)).Msg("llm classification failed")
		kind, source = Fallback, SourceFallback
	}

	// The fallback is remembered like an answer so repeats stay stable.
	if c.memo != nil {
		stored, err := c.memo.PutClassification(ctx, key, kind)
		if err != nil {
			c.logger.Warn().Err(err).Msg("writing classification memo")
		} else {
			kind = stored
		}
	}
	c.cache.Set(ctx, key, kind)
	return Decision{Kind: kind, Source: source}
}

var errNoLLM = errors.New("no llm configured")

func (c *Classifier) askLLM(ctx context.Context, prompt string) (model.OperationKind, error) {
	if c.llm == nil {
		return "", errNoLLM
	}
	response, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return parseKind(response)
}

func parseKind(response string) (model.OperationKind, error) {
	if raw, err := llm.ExtractJSON(response); err == nil {
		var out struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			if kind, ok := model.ParseOperationKind(out.Kind); ok {
				return kind, nil
			}
		}
	}
	// Some models answer with the bare kind.
	if kind, ok := model.ParseOperationKind(strings.Trim(strings.TrimSpace(response), "`\"'.")); ok {
		return kind, nil
	}
	return "", errors.New("unrecognized classification: " + model.Truncate(response, 80))
}

const systemPrompt = `You classify change requests for an iterative code generator.

Pick exactly one operation kind for the user's request:
- CREATE_FILE: add new files to the existing project
- MODIFY_FILE: change content of existing files
- DELETE_FILE: remove files from the project
- REFACTOR_CODE: restructure existing code without changing behavior
- GENERATE_PROJECT: build a new project from nothing
- IMPORT_REPOSITORY: bring in an existing repository

When unsure, prefer MODIFY_FILE.

Return ONLY a JSON object: {"kind": "<KIND>"}`
