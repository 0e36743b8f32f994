// Package llmerrors provides structured error classification and retry
// configuration for inference API interactions.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// ErrorType represents different categories of inference errors for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeParse represents responses that could not be parsed against the
	// requested schema (malformed JSON, empty content).
	ErrorTypeParse

	// Non-retryable error types.

	// ErrorTypeSecurity represents auth and permission errors (401/403, bad API key).
	ErrorTypeSecurity
	// ErrorTypeBadPrompt represents malformed request errors (too long, violates policy).
	ErrorTypeBadPrompt
	// ErrorTypeFatal represents internal invariant violations; the owning agent
	// transitions to a terminal error state.
	ErrorTypeFatal
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeParse:
		return "parse"
	case ErrorTypeSecurity:
		return "security"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeFatal:
		return "fatal"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff configuration for an error type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs provides default retry configurations per error type.
// Rate limits are never retried by the core: the user resumes when their
// quota recovers.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimit: {MaxRetries: 0},
	ErrorTypeTransient: {
		MaxRetries:    4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeParse: {
		MaxRetries:    1,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeSecurity:  {MaxRetries: 0},
	ErrorTypeBadPrompt: {MaxRetries: 0},
	ErrorTypeFatal:     {MaxRetries: 0},
	ErrorTypeUnknown: {
		MaxRetries:    1,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// RateLimitDetail carries structured information about a quota denial for the
// rate_limit_error wire message.
type RateLimitDetail struct {
	LimitType   string   `json:"limitType"`
	Limit       int      `json:"limit,omitempty"`
	Period      string   `json:"period,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Error represents a classified inference error with retry metadata.
type Error struct {
	Err        error            // Wrapped underlying error
	Message    string           // Human-readable error message
	BodyStub   string           // First portion of response body (guards PII)
	Type       ErrorType        // Classified error type
	StatusCode int              // HTTP status code if applicable
	RateLimit  *RateLimitDetail // Populated for ErrorTypeRateLimit
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("inference error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("inference error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("inference error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeSecurity, ErrorTypeBadPrompt, ErrorTypeFatal:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// GetRetryConfig returns the retry configuration for any error, classified
// or not. Unclassified errors get the unknown-type policy.
func GetRetryConfig(err error) RetryConfig {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.GetRetryConfig()
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRateLimit reports whether the error is a quota denial.
func IsRateLimit(err error) bool {
	return Is(err, ErrorTypeRateLimit)
}

// IsSecurity reports whether the error is an auth/permission failure.
func IsSecurity(err error) bool {
	return Is(err, ErrorTypeSecurity)
}

// RateLimitOf extracts rate limit detail from an error, if present.
func RateLimitOf(err error) *RateLimitDetail {
	var llmErr *Error
	if errors.As(err, &llmErr) && llmErr.Type == ErrorTypeRateLimit {
		if llmErr.RateLimit != nil {
			return llmErr.RateLimit
		}
		return &RateLimitDetail{LimitType: "requests"}
	}
	return nil
}

// NewError creates a new classified inference error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a new classified inference error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a new classified inference error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewRateLimitError creates a rate limit error with structured detail.
func NewRateLimitError(detail RateLimitDetail, message string) *Error {
	return &Error{Type: ErrorTypeRateLimit, Message: message, RateLimit: &detail}
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]

	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16]

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s", first, len(prompt), hashStr, last)
}
