package runner

import (
	"regexp"
	"strings"
)

// ErrorClass enumerates the runner-level error taxonomy.
type ErrorClass string

const (
	ErrorAuth                 ErrorClass = "auth"
	ErrorRateLimit            ErrorClass = "rate_limit"
	ErrorTransient            ErrorClass = "transient"
	ErrorSessionResumeFailure ErrorClass = "session_resume_failure"
	ErrorMaxTurnsExhausted    ErrorClass = "max_turns_exhausted"
	ErrorInternal             ErrorClass = "internal"
)

// ClassifiedError is the error shape Result.Err carries.
type ClassifiedError struct {
	Class     ErrorClass
	Message   string
	Retryable bool
	RawText   string
}

func (e *ClassifiedError) Error() string { return e.Message }

var (
	authPatterns = []string{
		"unauthorized", "invalid api key", "authentication failed", "401",
		"login required", "credential",
	}
	rateLimitPatterns = []string{
		"rate limit", "429", "too many requests", "quota exceeded",
	}
	transientPatterns = []string{
		"502", "503", "504", "overloaded", "internal server error",
		"temporarily unavailable", "connection reset", "timeout",
	}
	// Session-resume-failure patterns, including localized variants a real
	// coding-agent CLI is observed to emit.
	sessionResumePatterns = []string{
		"no conversation found", "session not found", "resume failed",
		"could not resume", "conversa não encontrada", "sessão não encontrada",
	}
	maxTurnsPattern = regexp.MustCompile(`(?i)max[\s_-]?turns?\s+(exceeded|exhausted|reached)`)
)

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Classify inspects raw error/output text and returns a ClassifiedError, or
// nil if no error condition is recognized (the caller treats nil as "no
// special handling needed" and may fall back to a generic internal error).
func Classify(text string) *ClassifiedError {
	if text == "" {
		return nil
	}
	switch {
	case IsMaxTurnsExhausted(text):
		return &ClassifiedError{Class: ErrorMaxTurnsExhausted, Message: "agent exhausted its turn budget", Retryable: true, RawText: text}
	case containsAny(text, authPatterns):
		return &ClassifiedError{Class: ErrorAuth, Message: "authentication failed — check the configured credentials", Retryable: false, RawText: text}
	case containsAny(text, rateLimitPatterns):
		return &ClassifiedError{Class: ErrorRateLimit, Message: "rate limited by the upstream model provider", Retryable: false, RawText: text}
	case containsAny(text, sessionResumePatterns):
		return &ClassifiedError{Class: ErrorSessionResumeFailure, Message: "could not resume the prior session", Retryable: true, RawText: text}
	case containsAny(text, transientPatterns):
		return &ClassifiedError{Class: ErrorTransient, Message: "transient upstream error", Retryable: true, RawText: text}
	default:
		return &ClassifiedError{Class: ErrorInternal, Message: text, Retryable: false, RawText: text}
	}
}

// IsMaxTurnsExhausted reports whether text indicates the agent hit its
// --max-turns cap (rule).
func IsMaxTurnsExhausted(text string) bool {
	return maxTurnsPattern.MatchString(text)
}

// IsTransientAPIPattern reports whether text or output matches a transient
// or rate-limit upstream pattern. The queue's 1.2s-backoff retry consults it
// only for errors not already classified as ErrorRateLimit.
func IsTransientAPIPattern(text string) bool {
	return containsAny(text, transientPatterns) || containsAny(text, rateLimitPatterns)
}

// IsSessionResumeFailure reports whether text matches a resume-failure
// pattern, including localized variants.
func IsSessionResumeFailure(text string) bool {
	return containsAny(text, sessionResumePatterns)
}
