package output

import (
	"fmt"
	"regexp"
)

// MatchSeverity grades a detection rule match.
type MatchSeverity string

const (
	// SeverityError marks output that indicates a failure.
	SeverityError MatchSeverity = "error"
	// SeverityWarning marks output that indicates a potential problem.
	SeverityWarning MatchSeverity = "warning"
)

// DetectionRule is one configurable pattern applied to stderr writes.
type DetectionRule struct {
	Name     string
	Pattern  string
	Severity MatchSeverity
}

// DefaultDetectionRules is the built-in rule library. Matching is
// case-insensitive.
var DefaultDetectionRules = []DetectionRule{
	{Name: "error-prefix", Pattern: `(?i)\berror\b[:\s]`, Severity: SeverityError},
	{Name: "fatal", Pattern: `(?i)\bfatal\b`, Severity: SeverityError},
	{Name: "panic", Pattern: `panic:`, Severity: SeverityError},
	{Name: "exception", Pattern: `(?i)\bexception\b`, Severity: SeverityError},
	{Name: "traceback", Pattern: `Traceback \(most recent call last\)`, Severity: SeverityError},
	{Name: "segfault", Pattern: `(?i)segmentation fault`, Severity: SeverityError},
	{Name: "warning-prefix", Pattern: `(?i)\bwarn(ing)?\b[:\s]`, Severity: SeverityWarning},
	{Name: "deprecated", Pattern: `(?i)\bdeprecated\b`, Severity: SeverityWarning},
}

// compiledRule pairs a rule with its compiled pattern.
type compiledRule struct {
	rule DetectionRule
	re   *regexp.Regexp
}

// Detector applies a rule set to written content. Detection runs once per
// write; counters are maintained incrementally, never by re-scanning history.
type Detector struct {
	rules []compiledRule
}

// NewDetector compiles a rule set. An invalid pattern is a configuration
// error and is fatal at construction.
func NewDetector(rules []DetectionRule) (*Detector, error) {
	if len(rules) == 0 {
		rules = DefaultDetectionRules
	}

	d := &Detector{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("detection rule %q: invalid pattern: %w", r.Name, err)
		}
		d.rules = append(d.rules, compiledRule{rule: r, re: re})
	}
	return d, nil
}

// Match returns the first rule matching content, or nil. Error rules are
// checked before warning rules regardless of declaration order, so a line
// that is both is counted as an error.
func (d *Detector) Match(content string) *DetectionRule {
	var warning *DetectionRule
	for i := range d.rules {
		cr := &d.rules[i]
		if !cr.re.MatchString(content) {
			continue
		}
		if cr.rule.Severity == SeverityError {
			return &cr.rule
		}
		if warning == nil {
			warning = &cr.rule
		}
	}
	return warning
}
