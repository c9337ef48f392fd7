// Package recovery classifies operational failures and recovers from them
// with bounded retries, per-operation circuit breaking, and configurable
// fallbacks. Buffers, caches, and the runner all route risky work through a
// Handler instead of deciding failure policy locally.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Category groups failures by what resource misbehaved.
type Category string

const (
	CategoryMemory      Category = "memory"
	CategoryDisk        Category = "disk"
	CategoryNetwork     Category = "network"
	CategoryValidation  Category = "validation"
	CategoryPerformance Category = "performance"
	CategoryResource    Category = "resource"
)

// Severity ranks how bad a failure is for the run.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Context identifies where a failure happened. Component and Operation
// together key the circuit breaker and the last-known-good store.
type Context struct {
	Component string `json:"component"`
	Operation string `json:"operation"`
	Detail    string `json:"detail,omitempty"`
}

// Key returns the circuit-breaker key for this context.
func (c Context) Key() string {
	return c.Component + "." + c.Operation
}

// Record is one classified failure.
type Record struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Context     Context   `json:"context"`
	Timestamp   time.Time `json:"timestamp"`
}

// classifyRule maps an error-message pattern to a classification.
type classifyRule struct {
	code     string
	pattern  *regexp.Regexp
	category Category
	severity Severity
}

// classifyRules is checked in order; the first match wins. Type-based checks
// in Classify run before this table and take precedence.
var classifyRules = []classifyRule{
	{"out-of-memory", regexp.MustCompile(`(?i)out of memory|cannot allocate|allocation failed`), CategoryMemory, SeverityCritical},
	{"disk-full", regexp.MustCompile(`(?i)no space left|disk full|quota exceeded`), CategoryDisk, SeverityHigh},
	{"io-failure", regexp.MustCompile(`(?i)input/output error|read-only file system|bad file descriptor`), CategoryDisk, SeverityMedium},
	{"connection-failed", regexp.MustCompile(`(?i)connection (refused|reset|closed)|broken pipe|no such host|network is unreachable`), CategoryNetwork, SeverityMedium},
	{"timed-out", regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), CategoryPerformance, SeverityMedium},
	{"invalid-input", regexp.MustCompile(`(?i)invalid|malformed|validation|parse error|unexpected (character|token|end)`), CategoryValidation, SeverityHigh},
	{"exhausted", regexp.MustCompile(`(?i)too many open files|resource temporarily unavailable|limit (reached|exceeded)`), CategoryResource, SeverityMedium},
}

// recoverableByCategory holds the taxonomy defaults: everything retries or
// degrades except validation failures, which cannot improve on retry.
var recoverableByCategory = map[Category]bool{
	CategoryMemory:      true,
	CategoryDisk:        true,
	CategoryNetwork:     true,
	CategoryValidation:  false,
	CategoryPerformance: true,
	CategoryResource:    true,
}

// Classify turns an arbitrary error into a Record. Known error types are
// checked first, then the message pattern table; anything unmatched lands in
// the generic resource category, recoverable.
func Classify(err error, opCtx Context) Record {
	rec := Record{
		ID:        uuid.New().String(),
		Message:   err.Error(),
		Context:   opCtx,
		Timestamp: time.Now(),
	}

	rec.Code, rec.Category, rec.Severity = classifyKind(err)
	rec.Recoverable = recoverableByCategory[rec.Category]
	if rec.Code == "circuit-open" {
		// Retrying inside the same call would defeat the breaker.
		rec.Recoverable = false
	}
	return rec
}

// classifyKind resolves the code, category, and severity for an error.
func classifyKind(err error) (string, Category, Severity) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline-exceeded", CategoryPerformance, SeverityMedium
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled", CategoryPerformance, SeverityLow
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "net-timeout", CategoryPerformance, SeverityMedium
		}
		return "net-failure", CategoryNetwork, SeverityMedium
	}

	if os.IsPermission(err) {
		return "permission-denied", CategoryDisk, SeverityHigh
	}
	if os.IsNotExist(err) {
		return "not-found", CategoryDisk, SeverityMedium
	}

	var open *CircuitOpenError
	if errors.As(err, &open) {
		return "circuit-open", CategoryResource, SeverityHigh
	}

	msg := err.Error()
	for _, rule := range classifyRules {
		if rule.pattern.MatchString(msg) {
			return rule.code, rule.category, rule.severity
		}
	}
	return "unclassified", CategoryResource, SeverityLow
}

// CircuitOpenError is returned when a call is rejected because the circuit
// for its key is open. It is never recoverable; retrying inside the same
// call would defeat the breaker.
type CircuitOpenError struct {
	Key     string
	RetryAt time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

// Failure is the error a Handler returns when the fail strategy propagates a
// classified failure. It carries the Record and unwraps to the original
// error.
type Failure struct {
	Record Record
	Err    error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s.%s: %s [%s/%s]", f.Record.Context.Component,
		f.Record.Context.Operation, f.Record.Message, f.Record.Category, f.Record.Severity)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}
