package outbox

import (
	"regexp"
	"strings"
)

// MaxErrorLength bounds persisted error text, in runes.
const MaxErrorLength = 512

const (
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Handler errors end up in last_error and failure_reason columns that
// operators read, so credentials and personal data are scrubbed first.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret|client[-_]?secret)\s*[:=]\s*([^\s,;&]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redacted},
}

var cardNumberCandidate = regexp.MustCompile(`\b\d{12,19}\b`)

// SanitizeError returns the storable form of err, or "" for nil.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts secrets, e-mail addresses and card numbers
// and truncates the result to MaxErrorLength runes.
func SanitizeErrorMessage(msg string) string {
	out := strings.TrimSpace(msg)

	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	out = cardNumberCandidate.ReplaceAllStringFunc(out, func(candidate string) string {
		if luhnValid(candidate) {
			return redacted
		}

		return candidate
	})

	return truncate(out, MaxErrorLength)
}

func luhnValid(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffix := []rune(truncatedSuffix)
	if maxRunes <= len(suffix) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffix)]) + truncatedSuffix
}
