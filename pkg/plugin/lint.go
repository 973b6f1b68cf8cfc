package plugin

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Severity grades a lint rule. Only error-severity hits fail the
// plugin; warning and info hits surface as warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// LintRule is one configurable pattern check.
type LintRule struct {
	Name     string
	Pattern  string
	Severity Severity
	Message  string

	re *regexp.Regexp
}

// DefaultLintRules is the rule set applied when no profile overrides
// them. Conflict markers are the only default error: they mean the
// submitting agent never finished a merge.
func DefaultLintRules() []LintRule {
	return []LintRule{
		{Name: "merge-conflict", Pattern: `(?m)^(<<<<<<< |======= ?$|>>>>>>> )`, Severity: SeverityError, Message: "unresolved merge conflict markers"},
		{Name: "trailing-whitespace", Pattern: `(?m)[ \t]+$`, Severity: SeverityWarning, Message: "trailing whitespace"},
		{Name: "fixme", Pattern: `(?i)\bFIXME\b`, Severity: SeverityInfo, Message: "FIXME marker"},
		{Name: "debug-print", Pattern: `\b(console\.log|fmt\.Println|print\()\s*\(?`, Severity: SeverityInfo, Message: "debug output statement"},
	}
}

// LintPlugin runs configurable pattern rules over proposed content.
type LintPlugin struct {
	Base

	mu    sync.RWMutex
	rules []LintRule
}

// NewLintPlugin builds the linter with DefaultLintRules.
func NewLintPlugin() *LintPlugin {
	p := &LintPlugin{
		Base: NewBase("lint", KindAnalyzer, []Stage{StagePreSync}, nil),
	}
	if err := p.SetRules(DefaultLintRules()); err != nil {
		panic(err) // default rules are static and must compile
	}
	return p
}

// SetRules replaces the active rule set. Every pattern is compiled
// here; one bad pattern rejects the whole set and leaves the previous
// rules in place.
func (p *LintPlugin) SetRules(rules []LintRule) error {
	compiled := make([]LintRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("lint rule %q: %w", r.Name, err)
		}
		r.re = re
		compiled[i] = r
	}
	p.mu.Lock()
	p.rules = compiled
	p.mu.Unlock()
	return nil
}

// Rules returns the active rule set.
func (p *LintPlugin) Rules() []LintRule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]LintRule, len(p.rules))
	copy(out, p.rules)
	return out
}

func (p *LintPlugin) Execute(ctx context.Context, pc *Context) Result {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	var warnings []string
	var failures []string
	for _, r := range rules {
		if !r.re.MatchString(pc.Content) {
			continue
		}
		msg := fmt.Sprintf("%s: %s", r.Name, r.Message)
		if r.Severity == SeverityError {
			failures = append(failures, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}
	if len(failures) > 0 {
		return Result{Success: false, Err: failures[0], Warnings: warnings}
	}
	return Result{Success: true, Warnings: warnings}
}
