package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the class of a pipeline error
type ErrorType string

const (
	// ErrorTypeNetwork represents transport failures and unexpected statuses
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeRateLimit represents HTTP 429 responses
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnavailable represents a page whose retries were exhausted
	ErrorTypeUnavailable ErrorType = "unavailable"
	// ErrorTypeParsing represents malformed markup or payloads
	ErrorTypeParsing ErrorType = "parsing"
	// ErrorTypeValidation represents routine data-quality rejections
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePersistence represents failed database writes
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeConfiguration represents store or extractor misconfiguration
	ErrorTypeConfiguration ErrorType = "configuration"
)

// AppError carries the error class and the source (store id, component) it came from
type AppError struct {
	Type    ErrorType
	Source  string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Source, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the fetch layer should try again
func (e *AppError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// New creates a new AppError
func New(errType ErrorType, source, message string, err error) *AppError {
	return &AppError{
		Type:    errType,
		Source:  source,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

func NewNetwork(source, message string, err error) *AppError {
	return New(ErrorTypeNetwork, source, message, err)
}

func NewRateLimit(source string, wait time.Duration) *AppError {
	return New(ErrorTypeRateLimit, source, fmt.Sprintf("rate limited for %v", wait), nil)
}

func NewUnavailable(source, message string, err error) *AppError {
	return New(ErrorTypeUnavailable, source, message, err)
}

func NewParsing(source, message string, err error) *AppError {
	return New(ErrorTypeParsing, source, message, err)
}

func NewValidation(source, message string) *AppError {
	return New(ErrorTypeValidation, source, message, nil)
}

func NewPersistence(source, message string, err error) *AppError {
	return New(ErrorTypePersistence, source, message, err)
}

func NewConfiguration(message string, err error) *AppError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// TypeOf returns the type of the first AppError in err's chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// Is reports whether err's chain contains an AppError of the given type
func Is(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}
