package fallback

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config tunes the engine.
type Config struct {
	// MinConfidence (0-100) is the threshold below which no rule fires
	// and a generic category response is emitted instead (default 70).
	MinConfidence int

	// MaxRules bounds the rule set; learning beyond the bound evicts the
	// least-used oldest rules (default 500).
	MaxRules int

	// RulesDir is the persistent rule store directory. Empty disables
	// persistence; rules then live only in memory.
	RulesDir string

	// Logger receives engine diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 70
	}
	if c.MaxRules <= 0 {
		c.MaxRules = 500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// EngineStats is a snapshot of the engine's counters.
type EngineStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Rules     int   `json:"rules"`
	Learned   int64 `json:"learned"`
}

// Engine is the deterministic response generator. Reads are concurrent,
// writes (learning, cleanup) are serialized, and rule persistence runs
// asynchronously off the learning path.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	rules []*Rule

	attempts  int64
	successes int64
	learned   int64

	persistWG sync.WaitGroup
}

// NewEngine creates an engine and reloads any persisted rules from the
// configured directory.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.withDefaults()
	e := &Engine{cfg: cfg, logger: cfg.Logger}

	if cfg.RulesDir != "" {
		rules, err := loadRules(cfg.RulesDir)
		if err != nil {
			return nil, err
		}
		e.rules = rules
		if len(rules) > 0 {
			e.logger.Info("fallback: rules reloaded", "count", len(rules), "dir", cfg.RulesDir)
		}
	}
	return e, nil
}

// Close waits for in-flight rule persistence to finish.
func (e *Engine) Close() {
	e.persistWG.Wait()
}

// AddRule installs a rule directly, compiling its patterns and persisting
// it. Used to seed deployments with hand-written rules.
func (e *Engine) AddRule(r Rule) {
	if r.ID == "" {
		r.ID = newRuleID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	rule := r
	rule.compile()

	e.mu.Lock()
	e.rules = append(e.rules, &rule)
	e.enforceBoundLocked()
	e.mu.Unlock()

	e.persist(rule)
}

// Respond produces a deterministic response for the prompt: the
// best-scoring rule's template when it clears the threshold, a generic
// category response otherwise, and no response only for a prompt that is
// empty or whitespace-only.
func (e *Engine) Respond(ctx context.Context, prompt string) (string, bool) {
	e.mu.Lock()
	e.attempts++
	e.mu.Unlock()

	keywords := ExtractKeywords(prompt)
	if len(keywords) == 0 && strings.TrimSpace(prompt) == "" {
		return "", false
	}

	rule, confidence := e.match(prompt, keywords)
	if rule != nil && confidence >= e.effectiveThreshold(rule) {
		e.mu.Lock()
		rule.UsageCount++
		response := rule.template()
		snapshot := *rule
		e.successes++
		e.mu.Unlock()
		e.persist(snapshot)

		e.logger.DebugContext(ctx, "fallback: rule fired",
			"rule_id", rule.ID,
			"category", rule.Category,
			"confidence", confidence,
		)
		return response, true
	}

	// Below threshold: a generic category-appropriate response.
	category := Categorize(prompt)
	if generic, ok := genericResponses[category]; ok {
		e.mu.Lock()
		e.successes++
		e.mu.Unlock()
		return generic, true
	}
	// Learned domain categories have no generic text; fall back to the
	// general one.
	e.mu.Lock()
	e.successes++
	e.mu.Unlock()
	return genericResponses[CategoryGeneral], true
}

// effectiveThreshold is the higher of the engine threshold and the
// rule's own floor.
func (e *Engine) effectiveThreshold(r *Rule) int {
	if r.MinConfidence > e.cfg.MinConfidence {
		return r.MinConfidence
	}
	return e.cfg.MinConfidence
}

// match scores every rule and returns the best candidate. Confidence is
// the keyword-overlap score (0-100) boosted by pattern matches.
func (e *Engine) match(prompt string, keywords []string) (*Rule, int) {
	kwSet := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		kwSet[k] = true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *Rule
	bestScore := -1
	for _, rule := range e.rules {
		score := scoreRule(rule, prompt, kwSet)
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	return best, bestScore
}

// scoreRule computes keyword-overlap × pattern-boost for one rule.
func scoreRule(rule *Rule, prompt string, kwSet map[string]bool) int {
	if len(rule.Keywords) == 0 {
		return 0
	}
	overlap := 0
	for _, kw := range rule.Keywords {
		if kwSet[kw] {
			overlap++
		}
	}
	score := overlap * 100 / len(rule.Keywords)

	for _, re := range rule.compiled {
		if re.MatchString(prompt) {
			score = score * 3 / 2
			break
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Learn creates a rule from a successful LLM prompt/response pair:
// keywords and a literal pattern derived from the prompt, the response as
// a template, and a heuristic category.
func (e *Engine) Learn(ctx context.Context, prompt, response string) {
	keywords := ExtractKeywords(prompt)
	if len(keywords) == 0 || strings.TrimSpace(response) == "" {
		return
	}

	// Skip learning when an existing rule already covers this prompt
	// with full confidence; repeated questions should not balloon the
	// store.
	if rule, confidence := e.match(prompt, keywords); rule != nil && confidence >= 100 {
		return
	}

	rule := &Rule{
		ID:            newRuleID(),
		Category:      Categorize(prompt),
		Keywords:      keywords,
		Patterns:      []string{regexp.QuoteMeta(strings.TrimSpace(prompt))},
		Templates:     []string{response},
		MinConfidence: e.cfg.MinConfidence,
		CreatedAt:     time.Now().UTC(),
	}
	rule.compile()

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.learned++
	e.enforceBoundLocked()
	e.mu.Unlock()

	e.persist(*rule)
	e.logger.DebugContext(ctx, "fallback: learned rule",
		"rule_id", rule.ID,
		"category", rule.Category,
		"keywords", len(keywords),
	)
}

// enforceBoundLocked evicts the least-used, oldest rules beyond MaxRules.
// The caller holds the write lock.
func (e *Engine) enforceBoundLocked() {
	if len(e.rules) <= e.cfg.MaxRules {
		return
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].UsageCount != e.rules[j].UsageCount {
			return e.rules[i].UsageCount > e.rules[j].UsageCount
		}
		return e.rules[i].CreatedAt.After(e.rules[j].CreatedAt)
	})
	evicted := e.rules[e.cfg.MaxRules:]
	e.rules = e.rules[:e.cfg.MaxRules]
	if e.cfg.RulesDir != "" {
		for _, rule := range evicted {
			e.removeRecord(rule.ID)
		}
	}
}

// Cleanup removes rules older than maxAge that have never fired,
// returning how many were removed.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	e.mu.Lock()
	kept := e.rules[:0]
	var evicted []*Rule
	for _, rule := range e.rules {
		if rule.UsageCount == 0 && rule.CreatedAt.Before(cutoff) {
			evicted = append(evicted, rule)
			continue
		}
		kept = append(kept, rule)
	}
	e.rules = kept
	e.mu.Unlock()

	if e.cfg.RulesDir != "" {
		for _, rule := range evicted {
			e.removeRecord(rule.ID)
		}
	}
	return len(evicted)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineStats{
		Attempts:  e.attempts,
		Successes: e.successes,
		Rules:     len(e.rules),
		Learned:   e.learned,
	}
}

// persist writes a rule record asynchronously when persistence is
// configured. The rule is passed by value so the writer never races with
// later usage-count updates.
func (e *Engine) persist(rule Rule) {
	if e.cfg.RulesDir == "" {
		return
	}
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		if err := saveRule(e.cfg.RulesDir, &rule); err != nil {
			e.logger.Error("fallback: rule persistence failed",
				"rule_id", rule.ID,
				"error", err,
			)
		}
	}()
}

// removeRecord deletes a rule's store record, best effort.
func (e *Engine) removeRecord(ruleID string) {
	path := filepath.Join(e.cfg.RulesDir, ruleID+".yaml")
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Debug("fallback: rule record removal failed",
				"rule_id", ruleID,
				"error", err,
			)
		}
	}()
}
