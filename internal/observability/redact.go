// Package observability provides structured logging, request correlation and
// sensitive-data masking for the gateway.
package observability

import (
	"regexp"
	"strings"
)

// maskKeepEnds is the number of leading and trailing characters preserved
// when masking a secret value.
const maskKeepEnds = 4

// sensitiveHeaders are masked in logs and snapshots. Matching is
// case-insensitive.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"x-auth-token":  true,
	"cookie":        true,
	"set-cookie":    true,
}

// Redactor masks secrets in free-form log text and HTTP headers.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default key patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_KEY]")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]")
	return r
}

// AddPattern registers an extra redaction pattern. Invalid expressions are
// skipped.
func (r *Redactor) AddPattern(pattern, replacement string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{regex: regex, replacement: replacement})
}

// Redact applies all patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// MaskValue hides the middle of a secret, keeping a short prefix and suffix
// so operators can still tell keys apart. Short values are fully masked.
func MaskValue(value string) string {
	if len(value) <= maskKeepEnds*2 {
		return "****"
	}
	return value[:maskKeepEnds] + "****" + value[len(value)-maskKeepEnds:]
}

// MaskHeaders returns a copy of headers with sensitive values masked.
// Scheme prefixes such as "Bearer " survive; only the credential part is
// masked.
func MaskHeaders(headers map[string][]string) map[string][]string {
	result := make(map[string][]string, len(headers))
	for name, values := range headers {
		if !sensitiveHeaders[strings.ToLower(name)] {
			result[name] = values
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = maskCredential(v)
		}
		result[name] = masked
	}
	return result
}

func maskCredential(value string) string {
	if scheme, rest, found := strings.Cut(value, " "); found && rest != "" {
		return scheme + " " + MaskValue(rest)
	}
	return MaskValue(value)
}
