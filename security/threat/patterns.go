package threat

import (
	"regexp"
)

// Pattern represents a single attack signature.
type Pattern struct {
	// Name is a human-readable identifier for the pattern.
	Name string

	// Category classifies the attack this pattern detects.
	Category Category

	// Regex is the compiled regular expression.
	Regex *regexp.Regexp

	// Description explains what this pattern detects.
	Description string
}

// PatternSet holds an ordered collection of attack signatures. Patterns
// are evaluated in order; the first match wins.
type PatternSet struct {
	patterns []*Pattern
}

// NewPatternSet creates a pattern set with the built-in signatures.
func NewPatternSet() *PatternSet {
	return &PatternSet{patterns: defaultPatterns()}
}

// NewPatternSetFrom creates a pattern set from explicit patterns, used
// for tests and policy experiments.
func NewPatternSetFrom(patterns []*Pattern) *PatternSet {
	return &PatternSet{patterns: patterns}
}

// Patterns returns all patterns in evaluation order.
func (ps *PatternSet) Patterns() []*Pattern {
	return ps.patterns
}

// PatternsByCategory returns patterns filtered by category.
func (ps *PatternSet) PatternsByCategory(category Category) []*Pattern {
	var result []*Pattern
	for _, p := range ps.patterns {
		if p.Category == category {
			result = append(result, p)
		}
	}
	return result
}

// Match returns the first pattern that matches the input, or nil.
func (ps *PatternSet) Match(input string) *Pattern {
	for _, p := range ps.patterns {
		if p.Regex.MatchString(input) {
			return p
		}
	}
	return nil
}

// defaultPatterns returns the built-in attack signatures. Ordering puts
// the highest-confidence, highest-impact signatures first.
func defaultPatterns() []*Pattern {
	return []*Pattern{
		// Prompt injection - instruction override
		{
			Name:        "instruction_override",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\s+(all\s+|any\s+|the\s+|your\s+)?(previous|prior|above|earlier|preceding|system)\s+(instructions?|prompts?|rules?|directives?|context)\b`),
			Description: "Detects instruction-override phrasing (ignore previous instructions)",
		},
		{
			Name:        "system_prompt_exfiltration",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|leak)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)\b`),
			Description: "Detects attempts to exfiltrate the system prompt",
		},
		{
			Name:        "role_reassignment",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)\b(you\s+are\s+now|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(if|though))\b.{0,60}\b(unrestricted|no\s+(rules|restrictions|limits|filters)|jailbroken|developer\s+mode)\b`),
			Description: "Detects role-reassignment phrasing that strips safety constraints",
		},
		{
			Name:        "delimiter_escape",
			Category:    CategoryPromptInjection,
			Regex:       regexp.MustCompile(`(?i)(\[/?(system|inst)\]|<\|im_(start|end)\|>|###\s*(system|instruction))`),
			Description: "Detects chat-template delimiter tokens smuggled into user input",
		},

		// SQL injection
		{
			Name:        "union_select",
			Category:    CategorySQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b`),
			Description: "Detects UNION SELECT statements used to extract data",
		},
		{
			Name:        "or_true_condition",
			Category:    CategorySQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bOR\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`),
			Description: "Detects OR with always-true numeric comparison (OR 1=1)",
		},
		{
			Name:        "stacked_statement",
			Category:    CategorySQLInjection,
			Regex:       regexp.MustCompile(`(?i);\s*(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE|EXEC)\b`),
			Description: "Detects stacked SQL statements after a terminator",
		},
		{
			Name:        "comment_termination",
			Category:    CategorySQLInjection,
			Regex:       regexp.MustCompile(`(?i)['"]\s*(--|#|/\*)`),
			Description: "Detects quote termination followed by a SQL comment",
		},
		{
			Name:        "sleep_function",
			Category:    CategorySQLInjection,
			Regex:       regexp.MustCompile(`(?i)\b(SLEEP|PG_SLEEP|BENCHMARK)\s*\(\s*\d+`),
			Description: "Detects time-based blind injection functions",
		},

		// Path traversal
		{
			Name:        "dotdot_sequence",
			Category:    CategoryPathTraversal,
			Regex:       regexp.MustCompile(`(\.\./|\.\.\\)`),
			Description: "Detects parent-directory escape sequences",
		},
		{
			Name:        "encoded_dotdot",
			Category:    CategoryPathTraversal,
			Regex:       regexp.MustCompile(`(?i)(%2e%2e[/\\]|%2e%2e%2f|\.\.%2f|%c0%ae)`),
			Description: "Detects URL-encoded traversal sequences",
		},
		{
			Name:        "sensitive_system_path",
			Category:    CategoryPathTraversal,
			Regex:       regexp.MustCompile(`(?i)(/etc/(passwd|shadow)|[a-z]:\\windows\\system32)`),
			Description: "Detects direct references to sensitive system paths",
		},
		{
			Name:        "null_byte",
			Category:    CategoryPathTraversal,
			Regex:       regexp.MustCompile(`(%00|\x00)`),
			Description: "Detects null-byte filename truncation",
		},

		// XSS / script markers
		{
			Name:        "script_tag",
			Category:    CategoryXSS,
			Regex:       regexp.MustCompile(`(?i)<\s*script\b`),
			Description: "Detects script tag injection",
		},
		{
			Name:        "javascript_uri",
			Category:    CategoryXSS,
			Regex:       regexp.MustCompile(`(?i)javascript\s*:`),
			Description: "Detects javascript: URI scheme",
		},
		{
			Name:        "event_handler",
			Category:    CategoryXSS,
			Regex:       regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus)\s*=`),
			Description: "Detects inline event-handler attributes",
		},
		{
			Name:        "iframe_embed",
			Category:    CategoryXSS,
			Regex:       regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`),
			Description: "Detects embedded frame/object injection",
		},
	}
}
