package threat

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Validator is the stateless function family over untrusted input
// classes. It holds only compiled patterns and limits, so a single
// instance is safe for concurrent use across requests.
type Validator struct {
	patterns         *PatternSet
	maxQueryLen      int
	maxIdentifierLen int
	maxFileSize      int
	snippetLen       int
}

// ValidatorOption is a functional option for configuring a Validator.
type ValidatorOption func(*Validator)

// WithPatternSet sets a custom pattern set.
func WithPatternSet(ps *PatternSet) ValidatorOption {
	return func(v *Validator) {
		v.patterns = ps
	}
}

// WithMaxQueryLength sets the maximum query length.
func WithMaxQueryLength(n int) ValidatorOption {
	return func(v *Validator) {
		v.maxQueryLen = n
	}
}

// WithMaxIdentifierLength sets the maximum identifier length.
func WithMaxIdentifierLength(n int) ValidatorOption {
	return func(v *Validator) {
		v.maxIdentifierLen = n
	}
}

// WithMaxFileSize sets the maximum file content size in bytes.
func WithMaxFileSize(n int) ValidatorOption {
	return func(v *Validator) {
		v.maxFileSize = n
	}
}

// NewValidator creates a validator with the built-in signatures and
// default limits.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		patterns:         NewPatternSet(),
		maxQueryLen:      8192,
		maxIdentifierLen: 256,
		maxFileSize:      10 << 20, // 10MB
		snippetLen:       100,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// identifierCharset is the whitelist for identifiers (usernames, agent
// names, connector names). Anything outside it is rejected before
// signature matching even runs.
var identifierCharset = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// SanitizeQuery validates a free-text query (prompt, search string)
// against length limits and all signature categories.
func (v *Validator) SanitizeQuery(input string) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if len(input) > v.maxQueryLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrInputTooLong, len(input), v.maxQueryLen)
	}

	if p := v.patterns.Match(input); p != nil {
		return v.detection(p, input, start), &SignatureError{Category: p.Category, Pattern: p.Name}
	}

	return &Result{Duration: time.Since(start)}, nil
}

// SanitizeIdentifier validates a short identifier. Identifiers use a
// strict charset whitelist, which subsumes most signature classes, but
// traversal checks still run for defense against encoded sequences.
func (v *Validator) SanitizeIdentifier(input string) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if len(input) > v.maxIdentifierLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrInputTooLong, len(input), v.maxIdentifierLen)
	}

	for _, p := range v.patterns.PatternsByCategory(CategoryPathTraversal) {
		if p.Regex.MatchString(input) {
			return v.detection(p, input, start), &SignatureError{Category: p.Category, Pattern: p.Name}
		}
	}

	if !identifierCharset.MatchString(input) {
		p := &Pattern{Name: "identifier_charset", Category: CategoryPathTraversal}
		return v.detection(p, input, start), &SignatureError{Category: CategoryPathTraversal, Pattern: p.Name}
	}

	return &Result{Duration: time.Since(start)}, nil
}

// sniffableTypes maps declared MIME types to the magic-byte prefixes a
// genuine file of that type must start with. Types absent from the map
// fall back to http.DetectContentType comparison.
var sniffableTypes = map[string][][]byte{
	"image/png":       {{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}},
	"image/jpeg":      {{0xff, 0xd8, 0xff}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"application/pdf": {[]byte("%PDF-")},
	"application/zip": {{'P', 'K', 0x03, 0x04}, {'P', 'K', 0x05, 0x06}},
}

// ValidateFileContent checks uploaded file content against its declared
// MIME type using magic-byte inspection, then scans text-like content for
// signatures. Extension-only checks are never trusted.
func (v *Validator) ValidateFileContent(content []byte, declaredMIME string) (*Result, error) {
	start := time.Now()

	if len(content) == 0 {
		return nil, ErrEmptyInput
	}
	if len(content) > v.maxFileSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrInputTooLong, len(content), v.maxFileSize)
	}

	declared := normalizeMIME(declaredMIME)

	if prefixes, ok := sniffableTypes[declared]; ok {
		if !hasAnyPrefix(content, prefixes) {
			return nil, fmt.Errorf("%w: declared %q, magic bytes disagree", ErrContentTypeMismatch, declared)
		}
	} else {
		sniffed := normalizeMIME(http.DetectContentType(content))
		if !mimeCompatible(declared, sniffed) {
			return nil, fmt.Errorf("%w: declared %q, sniffed %q", ErrContentTypeMismatch, declared, sniffed)
		}
	}

	// Text-like content additionally goes through signature matching;
	// binary formats already passed structural inspection.
	if strings.HasPrefix(declared, "text/") || declared == "application/json" {
		if p := v.patterns.Match(string(content)); p != nil {
			return v.detection(p, string(content), start), &SignatureError{Category: p.Category, Pattern: p.Name}
		}
	}

	return &Result{Duration: time.Since(start)}, nil
}

func (v *Validator) detection(p *Pattern, input string, start time.Time) *Result {
	return &Result{
		Detected: true,
		Pattern:  p.Name,
		Category: p.Category,
		Severity: CategorySeverity(p.Category),
		Snippet:  v.snippet(input),
		Duration: time.Since(start),
	}
}

// snippet creates a safe fragment of the input for logging.
func (v *Validator) snippet(input string) string {
	if len(input) <= v.snippetLen {
		return sanitizeForLog(input)
	}
	return sanitizeForLog(input[:v.snippetLen]) + "..."
}

// Precompiled masking regexes for log snippets
var (
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	apiKeyMaskRegex   = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskRegex    = regexp.MustCompile(`(?i)(token|bearer)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
)

// sanitizeForLog removes or masks sensitive patterns in the input.
func sanitizeForLog(input string) string {
	input = strings.ReplaceAll(input, "\n", " ")
	input = passwordMaskRegex.ReplaceAllString(input, "[REDACTED_PASSWORD]")
	input = apiKeyMaskRegex.ReplaceAllString(input, "[REDACTED_KEY]")
	input = tokenMaskRegex.ReplaceAllString(input, "[REDACTED_TOKEN]")
	return input
}

func normalizeMIME(m string) string {
	m = strings.TrimSpace(strings.ToLower(m))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// mimeCompatible compares a declared type against the sniffed type.
// Sniffing cannot distinguish every text subtype, so any text/* or JSON
// declaration is satisfied by a text/plain sniff.
func mimeCompatible(declared, sniffed string) bool {
	if declared == sniffed {
		return true
	}
	textLike := strings.HasPrefix(declared, "text/") ||
		declared == "application/json" ||
		declared == "application/xml" ||
		declared == "application/x-yaml"
	if textLike && (strings.HasPrefix(sniffed, "text/") || sniffed == "application/octet-stream") {
		// DetectContentType reports UTF-16 text as octet-stream; accept
		// only when the content decodes as printable text.
		return sniffed != "application/octet-stream" || looksTextual(declared)
	}
	return false
}

func looksTextual(declared string) bool {
	return strings.HasPrefix(declared, "text/") || declared == "application/json"
}

func hasAnyPrefix(content []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(content, p) {
			return true
		}
	}
	return false
}
