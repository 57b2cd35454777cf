// Package policy scrubs caller personal data before it reaches logs.
package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks emails, CPF numbers, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	// Order matters: CPF and card numbers would otherwise match as phones.
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{cpfPattern, "[REDACTED_CPF]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Redact is RedactPII for log arguments.
func Redact(input string) string {
	out, _ := RedactPII(input)
	return out
}
