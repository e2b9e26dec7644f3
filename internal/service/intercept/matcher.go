// Package intercept decides which requests are tokenized and runs the
// interception pipeline against them.
package intercept

import (
	"fmt"
	"regexp"

	"github.com/your-org/tokengate/internal/config"
)

// CompiledRule pairs a tokenization rule with its compiled URI patterns.
type CompiledRule struct {
	Rule     *config.TokenizationRule
	patterns []*regexp.Regexp
}

// MatchPath reports whether any of the rule's patterns match the path.
// Matching is case-sensitive; patterns are applied as written.
func (c *CompiledRule) MatchPath(path string) bool {
	for _, p := range c.patterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

// Matcher selects the interception rule for a request path. Rules are
// evaluated in configuration order; the first match wins.
type Matcher struct {
	rules []*CompiledRule
}

// NewMatcher compiles all rule patterns from a rules snapshot. Validation
// already checked the patterns, so a compile failure here means the snapshot
// bypassed validation and is refused outright.
func NewMatcher(cfg *config.RulesConfig) (*Matcher, error) {
	m := &Matcher{}
	if cfg == nil {
		return m, nil
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		compiled := &CompiledRule{
			Rule:     rule,
			patterns: make([]*regexp.Regexp, 0, len(rule.InterceptPathPatternList)),
		}
		for _, pattern := range rule.InterceptPathPatternList {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern %q: %w", rule.Name, pattern, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		m.rules = append(m.rules, compiled)
	}

	return m, nil
}

// Match returns the first rule whose patterns match the path, or nil when
// no rule applies.
func (m *Matcher) Match(path string) *CompiledRule {
	for _, rule := range m.rules {
		if rule.MatchPath(path) {
			return rule
		}
	}
	return nil
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}
