package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	doerrors "dopilot/internal/errors"
)

// ProviderErrorKind classifies a provider failure for retry decisions.
type ProviderErrorKind string

const (
	// ErrKindTimeout - the call exceeded its deadline. Retryable.
	ErrKindTimeout ProviderErrorKind = "timeout"
	// ErrKindQuota - rate limit or quota exhaustion (429). Retryable.
	ErrKindQuota ProviderErrorKind = "quota"
	// ErrKindAuth - invalid or missing credentials. Fatal.
	ErrKindAuth ProviderErrorKind = "auth"
	// ErrKindMalformed - the provider returned output we cannot decode. Fatal.
	ErrKindMalformed ProviderErrorKind = "malformed"
)

// ProviderError wraps any failure reported by the inference backend.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
// Quota and timeout failures are transient; auth and malformed output are not.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrKindQuota, ErrKindTimeout:
		return true
	default:
		return false
	}
}

// NewProviderError constructs a classified provider failure.
func NewProviderError(kind ProviderErrorKind, statusCode int, err error) *ProviderError {
	return &ProviderError{Kind: kind, StatusCode: statusCode, Err: err}
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// ClassifyError wraps a raw provider failure so the retry layer sees an
// explicit transient or permanent marker instead of guessing from strings.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if perr, ok := AsProviderError(err); ok {
		if perr.Retryable() {
			return doerrors.NewTransientError(err, "")
		}
		return doerrors.NewPermanentError(err, "")
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit"):
		return doerrors.NewTransientError(err, "API rate limit reached. Retrying with exponential backoff.")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return doerrors.NewTransientError(err, "Request timed out. Retrying with backoff.")
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504"):
		return doerrors.NewTransientError(err, "Server error. Retrying request.")
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset"):
		return doerrors.NewTransientError(err, "Connection failure. Retrying request.")
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return doerrors.NewPermanentError(err, "Authentication failed. Please check your API key configuration.")
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return doerrors.NewPermanentError(err, "Permission denied for this model or resource.")
	}

	return err
}

// classifyHTTPStatus maps an HTTP status to a provider error kind.
func classifyHTTPStatus(statusCode int) ProviderErrorKind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return ErrKindQuota
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrKindTimeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrKindAuth
	default:
		if statusCode >= 500 {
			// Server-side failures behave like timeouts for retry purposes.
			return ErrKindTimeout
		}
		return ErrKindMalformed
	}
}
