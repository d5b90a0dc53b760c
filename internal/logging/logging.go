// Package logging builds the process logger and redacts secrets before they reach it.
package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
	// MaxBodyLogLength bounds how much of a response body is logged
	MaxBodyLogLength = 512
)

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Bearer tokens and X-Auth-Token header values
	bearerPattern    = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.=]+`)
	authTokenPattern = regexp.MustCompile(`(?i)(x-auth-token["']?\s*[:=]\s*["']?)[A-Za-z0-9\-_.=]+`)

	// JSON "accessToken": "..." fields
	accessTokenPattern = regexp.MustCompile(`(?i)("access_?token"\s*:\s*")[^"]*`)

	// Three base64 segments separated by dots
	jwtPattern = regexp.MustCompile(`[A-Za-z0-9\-_]{8,}\.[A-Za-z0-9\-_]{8,}\.[A-Za-z0-9\-_]*`)
)

// New builds a zap logger. Development mode uses the console encoder.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Sanitize removes tokens and passwords from free text such as response bodies.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = authTokenPattern.ReplaceAllString(sanitized, "${1}"+RedactedText)
	sanitized = accessTokenPattern.ReplaceAllString(sanitized, "${1}"+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, RedactedText)

	return TruncateString(sanitized, MaxBodyLogLength)
}

// SanitizeError sanitizes error messages that might contain sensitive data
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Error is a zap field carrying a sanitized error message.
func Error(err error) zap.Field {
	return zap.String("error", SanitizeError(err))
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
