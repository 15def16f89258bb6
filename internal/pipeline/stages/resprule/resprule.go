// Package resprule decides whether the bot responds to a group message.
// Personal messages always pass; group messages must satisfy one of the
// ordered rule matchers or the query is silently dropped.
package resprule

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/pkg/message"
)

func init() {
	pipeline.RegisterStage("GroupRespondRuleCheckStage", func(deps *pipeline.StageDeps) pipeline.Stage {
		return &GroupRespondRuleCheckStage{}
	})
}

// MatchResult is one matcher's verdict. A matching rule may rewrite the
// chain, typically to strip the trigger token.
type MatchResult struct {
	Matching    bool
	Replacement message.MessageChain
}

// RuleMatcher checks one respond rule against the query's chain.
type RuleMatcher interface {
	Match(ctx context.Context, chain message.MessageChain) (MatchResult, error)
}

// GroupRespondRuleCheckStage walks the matcher list in order; the first
// match wins.
type GroupRespondRuleCheckStage struct {
	Matchers []RuleMatcher
}

func (s *GroupRespondRuleCheckStage) Initialize(ctx context.Context, pipelineConfig map[string]any) error {
	rules, _ := config.Get(pipelineConfig, "trigger.group-respond-rules")
	ruleMap, _ := rules.(map[string]any)
	// Group-specific rule sets nest under a group key; "default" covers
	// the rest.
	if def, ok := ruleMap["default"].(map[string]any); ok {
		ruleMap = def
	}

	matchers, err := buildMatchers(ruleMap)
	if err != nil {
		return err
	}
	s.Matchers = matchers
	return nil
}

func (s *GroupRespondRuleCheckStage) Process(ctx context.Context, q *pipeline.Query, instName string) pipeline.StageProcessResult {
	if q.LauncherType != session.LauncherGroup {
		return pipeline.ContinueResult()
	}

	for _, matcher := range s.Matchers {
		result, err := matcher.Match(ctx, q.MessageChain)
		if err != nil {
			return pipeline.StageProcessResult{ResultType: pipeline.Interrupt, Err: err}
		}
		if result.Matching {
			if result.Replacement != nil {
				q.MessageChain = result.Replacement
			}
			return pipeline.ContinueResult()
		}
	}
	return pipeline.InterruptResult()
}

// buildMatchers assembles the ordered matcher list from the rule map.
// Order is fixed: atbot, prefix, regexp, random.
func buildMatchers(rules map[string]any) ([]RuleMatcher, error) {
	var matchers []RuleMatcher

	if enabled, ok := rules["atbot"].(bool); ok && enabled {
		matchers = append(matchers, &AtBotMatcher{})
	}
	if prefixes := stringList(rules["prefix"]); len(prefixes) > 0 {
		matchers = append(matchers, &PrefixMatcher{Prefixes: prefixes})
	}
	if patterns := stringList(rules["regexp"]); len(patterns) > 0 {
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("respond rule regexp %q: %w", p, err)
			}
			compiled = append(compiled, re)
		}
		matchers = append(matchers, &RegexpMatcher{Patterns: compiled})
	}
	if p, ok := toFloat(rules["random"]); ok && p > 0 {
		matchers = append(matchers, &RandomMatcher{Probability: p})
	}
	return matchers, nil
}

// AtBotMatcher matches chains that mention the bot. Adapters translate
// platform mentions of the bot account into At/AtAll components, so
// presence is the signal here.
type AtBotMatcher struct{}

func (m *AtBotMatcher) Match(ctx context.Context, chain message.MessageChain) (MatchResult, error) {
	if !chain.Has("At") && !chain.Has("AtAll") {
		return MatchResult{}, nil
	}
	replacement := chain.Without("At").Without("AtAll")
	return MatchResult{Matching: true, Replacement: replacement}, nil
}

// PrefixMatcher matches a leading trigger token and strips it.
type PrefixMatcher struct {
	Prefixes []string
}

func (m *PrefixMatcher) Match(ctx context.Context, chain message.MessageChain) (MatchResult, error) {
	text := chain.PlainText()
	for _, prefix := range m.Prefixes {
		if prefix == "" || !strings.HasPrefix(text, prefix) {
			continue
		}
		return MatchResult{Matching: true, Replacement: stripPrefix(chain, prefix)}, nil
	}
	return MatchResult{}, nil
}

// stripPrefix removes the trigger from the first Plain component that
// carries it.
func stripPrefix(chain message.MessageChain, prefix string) message.MessageChain {
	remaining := prefix
	out := make(message.MessageChain, 0, len(chain))
	for _, comp := range chain {
		plain, ok := comp.(message.Plain)
		if !ok || remaining == "" {
			out = append(out, comp)
			continue
		}
		if strings.HasPrefix(plain.Text, remaining) {
			trimmed := strings.TrimPrefix(plain.Text, remaining)
			remaining = ""
			if trimmed != "" {
				out = append(out, message.Plain{Text: trimmed})
			}
			continue
		}
		out = append(out, comp)
	}
	return out
}

// RegexpMatcher matches the chain's plain text against any pattern.
type RegexpMatcher struct {
	Patterns []*regexp.Regexp
}

func (m *RegexpMatcher) Match(ctx context.Context, chain message.MessageChain) (MatchResult, error) {
	text := chain.PlainText()
	for _, re := range m.Patterns {
		if re.MatchString(text) {
			return MatchResult{Matching: true}, nil
		}
	}
	return MatchResult{}, nil
}

// RandomMatcher responds to a fraction of group traffic.
type RandomMatcher struct {
	Probability float64

	// Rand is swappable for tests; nil uses the global source.
	Rand func() float64
}

func (m *RandomMatcher) Match(ctx context.Context, chain message.MessageChain) (MatchResult, error) {
	roll := rand.Float64
	if m.Rand != nil {
		roll = m.Rand
	}
	return MatchResult{Matching: roll() < m.Probability}, nil
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
