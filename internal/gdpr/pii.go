package gdpr

import "regexp"

// Redaction markers.
const (
	MarkerEmail     = "[EMAIL REDACTED]"
	MarkerCard      = "[CARD REDACTED]"
	MarkerSSN       = "[SSN REDACTED]"
	MarkerPhone     = "[PHONE REDACTED]"
	MarkerIP        = "[IP REDACTED]"
	MarkerBirthdate = "[BIRTHDATE REDACTED]"
)

// Rule replaces every match of Pattern with Replacement.
type Rule struct {
	Category    string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules returns the built-in PII rules in application order. Card numbers run
// before phone numbers so sixteen-digit groups are not split into phone matches.
// Birth dates are only redacted next to a birth keyword.
func DefaultRules() []Rule {
	return []Rule{
		{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), MarkerEmail},
		{"card", regexp.MustCompile(`\b\d{4}[\s.-]?\d{4}[\s.-]?\d{4}[\s.-]?\d{4}\b`), MarkerCard},
		{"ssn", regexp.MustCompile(`\b\d{3}[-.]?\d{2}[-.]?\d{4}\b`), MarkerSSN},
		{"phone", regexp.MustCompile(`(?:\+?1[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`), MarkerPhone},
		{"ip", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), MarkerIP},
		{"birthdate", regexp.MustCompile(`(?i)(?:born|birthday|dob|birth date)[:\s]*\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}`), MarkerBirthdate},
	}
}

// Scrubber applies an ordered list of rules.
type Scrubber struct {
	rules []Rule
}

// NewScrubber uses DefaultRules when no rules are given.
func NewScrubber(rules ...Rule) *Scrubber {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Scrubber{rules: rules}
}

// Scrub returns text with every rule applied and the categories that matched.
func (s *Scrubber) Scrub(text string) (string, []string) {
	var hits []string
	for _, r := range s.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		text = r.Pattern.ReplaceAllLiteralString(text, r.Replacement)
		hits = append(hits, r.Category)
	}
	return text, hits
}
