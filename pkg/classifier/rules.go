package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/forgeline/pkg/model"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule adds Weight to Kind when any of its patterns matches a normalized prompt.
type Rule struct {
	Kind     model.OperationKind
	Weight   int
	Patterns []*regexp.Regexp
}

type rulesFile struct {
	Rules []struct {
		Kind     string   `yaml:"kind"`
		Weight   int      `yaml:"weight"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"rules"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("classifier: embedded rules: %v", err))
	}
	return rules
}

// LoadRules reads a rules YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules compiles a rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	rules := make([]Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		kind, ok := model.ParseOperationKind(r.Kind)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
		if r.Weight <= 0 {
			return nil, fmt.Errorf("rule %d: weight must be positive", i)
		}
		rule := Rule{Kind: kind, Weight: r.Weight}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d: pattern %q: %w", i, p, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// score applies the rules and returns the winning kind and its score. Ties
// go to the more conservative kind. ok is false when nothing matched.
func score(rules []Rule, normalized string) (kind model.OperationKind, top int, ok bool) {
	totals := make(map[model.OperationKind]int)
	for _, r := range rules {
		for _, re := range r.Patterns {
			if re.MatchString(normalized) {
				totals[r.Kind] += r.Weight
				break
			}
		}
	}
	// Iterate in conservative order so ties resolve deterministically.
	for _, k := range model.OperationKinds {
		s, hit := totals[k]
		if !hit {
			continue
		}
		if !ok || s > top {
			kind, top, ok = k, s, true
		}
	}
	return kind, top, ok
}
