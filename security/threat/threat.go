// Package threat implements the stateless pattern-matching engine that
// classifies untrusted strings against known attack signatures: prompt
// injection, SQL injection, path traversal, and XSS markers. The policy
// is reject, not repair: a matched input fails validation outright and is
// never "cleaned" by stripping the offending substring.
package threat

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies the kind of attack signature detected.
type Category string

const (
	// CategoryPromptInjection covers instruction-override and
	// system-prompt exfiltration phrasing aimed at LLM agents.
	CategoryPromptInjection Category = "prompt_injection"

	// CategorySQLInjection covers SQL metacharacter and statement
	// sequences.
	CategorySQLInjection Category = "sql_injection"

	// CategoryPathTraversal covers directory-escape sequences in
	// identifiers and filenames.
	CategoryPathTraversal Category = "path_traversal"

	// CategoryXSS covers script-tag and event-handler markup.
	CategoryXSS Category = "xss"
)

// Severity levels for detections.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// CategorySeverity maps signature categories to severity levels.
func CategorySeverity(category Category) string {
	switch category {
	case CategorySQLInjection:
		return SeverityCritical // can read or modify data
	case CategoryPathTraversal:
		return SeverityCritical // can reach files outside the sandbox
	case CategoryPromptInjection:
		return SeverityHigh // can subvert agent behavior
	case CategoryXSS:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Validation errors. SignatureError wraps ErrSignatureDetected so callers
// can branch on errors.Is while still reading the category.
var (
	ErrSignatureDetected   = errors.New("threat signature detected")
	ErrEmptyInput          = errors.New("input is empty or whitespace-only")
	ErrInputTooLong        = errors.New("input exceeds maximum length")
	ErrContentTypeMismatch = errors.New("file content does not match declared type")
)

// SignatureError reports a matched attack signature. The offending input
// is never included; the sanitized snippet lives only in the Result for
// operator-side logging.
type SignatureError struct {
	Category Category
	Pattern  string
}

// Error names the category and pattern, never the payload.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("threat signature detected: %s (%s)", e.Category, e.Pattern)
}

// Unwrap ties SignatureError into the package error taxonomy.
func (e *SignatureError) Unwrap() error {
	return ErrSignatureDetected
}

// Result is the detailed outcome of a validation, intended for the
// security monitor and logs rather than the client response.
type Result struct {
	// Detected indicates whether a signature matched.
	Detected bool `json:"detected"`

	// Pattern is the name of the pattern that matched (if detected).
	Pattern string `json:"pattern,omitempty"`

	// Category classifies the detection.
	Category Category `json:"category,omitempty"`

	// Severity for the detection, derived from the category.
	Severity string `json:"severity,omitempty"`

	// Snippet is a sanitized fragment of the input for forensics.
	Snippet string `json:"snippet,omitempty"`

	// Duration is how long the scan took.
	Duration time.Duration `json:"duration_ns"`
}
