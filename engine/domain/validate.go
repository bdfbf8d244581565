package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Injection patterns: SQL/NoSQL/template fragments that never belong in a shopper's question.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|EXEC|UNION)\b.*\b(TABLE|FROM|INTO|SELECT|SET)\b`),
	regexp.MustCompile(`(?i)(--|;)\s*(DROP|DELETE|SELECT)`),
	regexp.MustCompile(`(?i)\$\{.*\}`),
	regexp.MustCompile(`(?i)\{\s*"\$[a-z]+"\s*:`),
}

const (
	minQueryLength = 1
	maxQueryLength = 2000
)

// ValidateQuery checks a raw query before it enters the pipeline.
func ValidateQuery(text string) error {
	text = strings.TrimSpace(text)

	n := utf8.RuneCountInString(text)
	if n < minQueryLength {
		return NewValidationError("query", text, ErrQueryTooShort)
	}
	if n > maxQueryLength {
		return NewValidationError("query", string([]rune(text)[:64]), ErrQueryTooLong)
	}

	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return NewValidationError("query", text, ErrQueryInjection)
		}
	}
	return nil
}

// ValidateTenantID rejects ids that cannot be used as a directory or
// collection name.
func ValidateTenantID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\:*?"<>|`) || strings.HasPrefix(id, ".") {
		return NewValidationError("tenant_id", id, ErrInvalidQuery)
	}
	return nil
}
