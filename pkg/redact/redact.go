package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Field masks a captured field value when enabled, keeping its first rune so logs stay
// correlatable across a call.
func Field(name, value string) string {
	if !enabled.Load() || value == "" {
		return value
	}
	switch strings.ToLower(name) {
	case "email", "phone", "name":
		r := []rune(value)
		return string(r[0]) + strings.Repeat("*", len(r)-1)
	default:
		return value
	}
}

// Map returns a copy of fields with every value passed through Field.
func Map(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = Field(k, v)
	}
	return out
}
