package routing

import (
	"regexp"
	"strings"

	"github.com/kestrelai/core/internal/agent"
)

const (
	complexityBase    = 50
	complexityTrigger = 10
	complexityMin     = 0
	complexityMax     = 100
)

var (
	analysisVerbRegex    = regexp.MustCompile(`(?i)\b(analyze|design|refactor|compare|explain tradeoffs?)\b`)
	multiStepRegex       = regexp.MustCompile(`(?i)\b(step[s]? \d|first.*then|plan (out|for)|multiple steps)\b`)
	fencedCodeRegex      = regexp.MustCompile("```")
	greetingOnlyRegex    = regexp.MustCompile(`(?i)^(hi|hey|hello|yo|sup|good (morning|afternoon|evening))[\s!.,]*$`)
	questionMarkMinCount = 3
	longMessageChars     = 500
	shortMessageChars    = 60
)

// ComplexityScore computes the complexity score of content per the Model
// Router's selection algorithm: base 50, +10 per matched trigger (length
// >= 500 chars, fenced code, >= 3 question marks, an analysis verb, a
// multi-step keyword), -10 for length < 60 chars, -10 for a greeting-only
// message, clamped to [0, 100].
func ComplexityScore(content string) int {
	trimmed := strings.TrimSpace(content)
	score := complexityBase

	if len(trimmed) >= longMessageChars {
		score += complexityTrigger
	}
	if fencedCodeRegex.MatchString(trimmed) {
		score += complexityTrigger
	}
	if strings.Count(trimmed, "?") >= questionMarkMinCount {
		score += complexityTrigger
	}
	if analysisVerbRegex.MatchString(trimmed) {
		score += complexityTrigger
	}
	if multiStepRegex.MatchString(trimmed) {
		score += complexityTrigger
	}

	if len(trimmed) < shortMessageChars {
		score -= complexityTrigger
	}
	if greetingOnlyRegex.MatchString(trimmed) {
		score -= complexityTrigger
	}

	return clampComplexity(score)
}

func clampComplexity(score int) int {
	if score < complexityMin {
		return complexityMin
	}
	if score > complexityMax {
		return complexityMax
	}
	return score
}

// ComplexityRouter selects between a local and a hosted client using the
// complexity-score algorithm rather than the tag/rule matching Router uses.
// It is a separate, smaller selector grounded on the same agent.LLMProvider
// abstraction as Router, for callers that want pure threshold-based
// hosted-vs-local selection without rule configuration.
type ComplexityRouter struct {
	local     agent.LLMProvider
	hosted    agent.LLMProvider
	threshold int
}

// NewComplexityRouter creates a router choosing between local and hosted
// clients by complexity score against threshold (clamped to [0, 100]).
func NewComplexityRouter(local, hosted agent.LLMProvider, threshold int) *ComplexityRouter {
	return &ComplexityRouter{local: local, hosted: hosted, threshold: clampComplexity(threshold)}
}

// NoModelAvailable is returned when neither client is available.
type NoModelAvailable struct{}

func (NoModelAvailable) Error() string { return "routing: no model available" }

// Select implements the Model Router's selection algorithm (spec.md §4.5):
//  1. If forceModel names an available client, return it.
//  2. Otherwise compute the complexity score of the latest user message.
//  3. If the score >= threshold and the hosted client is available, pick it;
//     else pick any available client; if none, return NoModelAvailable.
func (r *ComplexityRouter) Select(req *agent.CompletionRequest, forceModel string) (agent.LLMProvider, error) {
	if forceModel != "" {
		if forceModel == "local" && r.available(r.local) {
			return r.local, nil
		}
		if forceModel == "hosted" && r.available(r.hosted) {
			return r.hosted, nil
		}
	}

	score := ComplexityScore(lastUserContent(req))
	if score >= r.threshold && r.available(r.hosted) {
		return r.hosted, nil
	}
	if r.available(r.local) {
		return r.local, nil
	}
	if r.available(r.hosted) {
		return r.hosted, nil
	}
	return nil, NoModelAvailable{}
}

func (r *ComplexityRouter) available(p agent.LLMProvider) bool {
	return p != nil
}

// Local returns the router's local client, or nil if none was configured.
func (r *ComplexityRouter) Local() agent.LLMProvider {
	return r.local
}

// Hosted returns the router's hosted client, or nil if none was configured.
func (r *ComplexityRouter) Hosted() agent.LLMProvider {
	return r.hosted
}
