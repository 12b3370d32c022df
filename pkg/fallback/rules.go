// Package fallback implements the deterministic rule-based response
// engine used when the LLM is unavailable: keyword and pattern rules with
// confidence scoring, generic per-category responses below the match
// threshold, learning from successful LLM responses, and a directory-based
// rule store reloaded at startup.
package fallback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// Built-in response categories. Domain categories (weather, stock,
// travel, ...) are induced at runtime from observed successful responses.
const (
	CategoryCoding      = "coding"
	CategoryExplanation = "explanation"
	CategoryAssistance  = "assistance"
	CategoryQuestion    = "question"
	CategoryGeneral     = "general"
)

// Rule is one deterministic response rule.
type Rule struct {
	// ID identifies the rule and names its store record.
	ID string `yaml:"id"`

	// Category groups rules for generic responses and heuristics.
	Category string `yaml:"category"`

	// Keywords are lowercased, stopword-free tokens matched against the
	// prompt's keyword set.
	Keywords []string `yaml:"keywords"`

	// Patterns are regular expressions that boost the match confidence
	// when any of them matches the prompt.
	Patterns []string `yaml:"patterns,omitempty"`

	// Templates are the candidate responses; selection rotates by usage
	// count.
	Templates []string `yaml:"templates"`

	// MinConfidence (0-100) is the rule's own floor; a rule never fires
	// below it even when it is the best candidate.
	MinConfidence int `yaml:"min_confidence"`

	// UsageCount tracks how often the rule has fired.
	UsageCount int `yaml:"usage_count"`

	// CreatedAt is the rule's creation time, in UTC.
	CreatedAt time.Time `yaml:"created_at"`

	compiled []*regexp.Regexp
}

// compile parses the rule's patterns, dropping ones that fail to parse.
func (r *Rule) compile() {
	r.compiled = r.compiled[:0]
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		r.compiled = append(r.compiled, re)
	}
}

// template returns the next response template by usage rotation.
func (r *Rule) template() string {
	if len(r.Templates) == 0 {
		return ""
	}
	return r.Templates[r.UsageCount%len(r.Templates)]
}

// stopwords are dropped during keyword extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"be": true, "been": true, "do": true, "does": true, "did": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "me": true, "my": true, "your": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "for": true, "with": true, "and": true,
	"or": true, "but": true, "not": true, "no": true, "so": true, "what": true,
	"which": true, "who": true, "how": true, "when": true, "where": true,
	"why": true, "can": true, "could": true, "would": true, "should": true,
	"will": true, "there": true, "this": true, "that": true, "these": true,
	"please": true, "tell": true, "about": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// ExtractKeywords lowercases the prompt, tokenizes it, and removes
// stopwords and single-character tokens.
func ExtractKeywords(prompt string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(prompt), -1)
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) < 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// categoryHints maps telltale keywords to categories, used both to
// categorize prompts and to attach categories to learned rules.
var categoryHints = map[string]string{
	"code": CategoryCoding, "function": CategoryCoding, "bug": CategoryCoding,
	"compile": CategoryCoding, "program": CategoryCoding, "error": CategoryCoding,
	"explain": CategoryExplanation, "meaning": CategoryExplanation,
	"difference": CategoryExplanation, "definition": CategoryExplanation,
	"help": CategoryAssistance, "assist": CategoryAssistance,
	"weather": "weather", "temperature": "weather", "forecast": "weather",
	"stock": "stock", "price": "stock", "shares": "stock", "quote": "stock",
	"travel": "travel", "flight": "travel", "hotel": "travel", "trip": "travel",
}

// Categorize guesses a category for a prompt from its keywords, falling
// back to question/general structure hints.
func Categorize(prompt string) string {
	for _, kw := range ExtractKeywords(prompt) {
		if cat, ok := categoryHints[kw]; ok {
			return cat
		}
	}
	if strings.Contains(prompt, "?") {
		return CategoryQuestion
	}
	return CategoryGeneral
}

// genericResponses are the category-appropriate answers used when no rule
// clears the confidence threshold.
var genericResponses = map[string]string{
	CategoryCoding:      "I can't reach the language model right now, but for coding questions the fastest path is usually the compiler output and the package documentation. Please try again shortly.",
	CategoryExplanation: "I can't produce a full explanation right now because the language model is unreachable. Please retry in a moment.",
	CategoryAssistance:  "I'm running in degraded mode and can't fully assist right now. Please try again shortly.",
	CategoryQuestion:    "I can't answer that reliably right now because the language model is unreachable. Please retry in a moment.",
	CategoryGeneral:     "The language model is temporarily unavailable. Please try again shortly.",
}

// storeRecord is the on-disk form of a rule: a self-describing YAML
// document identified by the rule id.
type storeRecord struct {
	Rule Rule `yaml:"rule"`
}

// saveRule writes one rule record into dir.
func saveRule(dir string, r *Rule) error {
	data, err := yaml.Marshal(storeRecord{Rule: *r})
	if err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "fallback: rule marshal failed")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "fallback: rule dir creation failed")
	}
	path := filepath.Join(dir, r.ID+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "fallback: rule write failed")
	}
	return nil
}

// loadRules reads every rule record in dir, skipping unparseable files.
func loadRules(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, amcperr.Wrap(err, amcperr.CodeInternal, "fallback: rule dir read failed")
	}

	var rules []*Rule
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec storeRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Rule.ID == "" {
			continue
		}
		rule := rec.Rule
		rule.compile()
		rules = append(rules, &rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// newRuleID allocates a rule identifier.
func newRuleID() string {
	return fmt.Sprintf("rule-%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
