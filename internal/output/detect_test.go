package output

import "testing"

func TestDetectorDefaultRules(t *testing.T) {
	d, err := NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	tests := []struct {
		content  string
		wantRule string
		wantSev  MatchSeverity
	}{
		{"ERROR: build failed", "error-prefix", SeverityError},
		{"error: something", "error-prefix", SeverityError},
		{"panic: nil pointer", "panic", SeverityError},
		{"FATAL shutdown", "fatal", SeverityError},
		{"Traceback (most recent call last):", "traceback", SeverityError},
		{"Segmentation fault (core dumped)", "segfault", SeverityError},
		{"Warning: low disk", "warning-prefix", SeverityWarning},
		{"this API is deprecated", "deprecated", SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			rule := d.Match(tt.content)
			if rule == nil {
				t.Fatalf("expected a match for %q", tt.content)
			}
			if rule.Name != tt.wantRule {
				t.Errorf("matched rule %q, want %q", rule.Name, tt.wantRule)
			}
			if rule.Severity != tt.wantSev {
				t.Errorf("severity %q, want %q", rule.Severity, tt.wantSev)
			}
		})
	}
}

func TestDetectorNoMatch(t *testing.T) {
	d, err := NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	if rule := d.Match("a perfectly ordinary line"); rule != nil {
		t.Errorf("unexpected match: %v", rule)
	}
}

func TestDetectorErrorWinsOverWarning(t *testing.T) {
	d, err := NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	// Matches both the warning-prefix and error-prefix rules.
	rule := d.Match("Warning: ERROR: both present")
	if rule == nil || rule.Severity != SeverityError {
		t.Errorf("expected error severity to win, got %v", rule)
	}
}

func TestDetectorInvalidPattern(t *testing.T) {
	_, err := NewDetector([]DetectionRule{{Name: "broken", Pattern: "(["}})
	if err == nil {
		t.Error("expected construction error for invalid pattern")
	}
}
