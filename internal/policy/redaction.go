package policy

import "regexp"

// Rule masks one class of personal data.
type Rule struct {
	Name    string
	Marker  string
	Pattern *regexp.Regexp
}

// DefaultRules run in order; cards come before phones so long digit runs are
// not classified as phone numbers.
var DefaultRules = []Rule{
	{Name: "email", Marker: "[REDACTED_EMAIL]", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{Name: "card", Marker: "[REDACTED_CARD]", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{Name: "phone", Marker: "[REDACTED_PHONE]", Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// Redact applies rules in order and reports which of them changed the text.
func Redact(input string, rules []Rule) (string, []string) {
	out := input
	var fired []string
	for _, r := range rules {
		next := r.Pattern.ReplaceAllString(out, r.Marker)
		if next != out {
			fired = append(fired, r.Name)
		}
		out = next
	}
	return out, fired
}

// RedactPII masks common high-risk PII before text leaves the conversation log.
func RedactPII(input string) (redacted string, changed bool) {
	out, fired := Redact(input, DefaultRules)
	return out, len(fired) > 0
}
