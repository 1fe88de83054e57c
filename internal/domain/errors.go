package domain

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeBadInput         = "BAD_INPUT"
	TextCodeNotConfigured    = "NOT_CONFIGURED"
	TextCodeInvalidSignature = "INVALID_SIGNATURE"
	TextCodeUnauthorized     = "UNAUTHORIZED"
	TextCodeProcessorBusy    = "PROCESSOR_BUSY"
	TextCodeDeliveryFailed   = "DELIVERY_FAILED"
	TextCodeRateLimited      = "RATE_LIMITED"
	TextCodeUnavailable      = "DELIVERY_UNAVAILABLE"
	TextCodeDependency       = "DEPENDENCY_ERROR"
	TextCodeInternal         = "INTERNAL_ERROR"
)

var (
	ErrNotConfigured    = errors.New("instagram configuration missing")
	ErrProcessorBusy    = errors.New("another processing run is in progress")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

func validationError(message string, fields ...goerrors.FieldError) error {
	return goerrors.NewValidation(message, fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeBadInput)
}

// DeliveryError reports a manual send that reached the remote API and failed.
// The message log id is carried so the caller can look the attempt up.
func DeliveryError(logID string, cause error) error {
	err := goerrors.Wrap(cause, goerrors.CategoryExternal, cause.Error()).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeDeliveryFailed)
	err.WithMetadata(map[string]any{"log_id": logID})
	return err
}

// DeliveryUnavailable reports a manual send that never reached the remote API
// because the local rate limit or the circuit breaker refused it.
func DeliveryUnavailable(cause error, rateLimited bool) error {
	if rateLimited {
		return goerrors.Wrap(cause, goerrors.CategoryRateLimit, cause.Error()).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(TextCodeRateLimited)
	}
	return goerrors.Wrap(cause, goerrors.CategoryExternal, cause.Error()).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(TextCodeUnavailable)
}

// DependencyError wraps a storage or infrastructure failure for API callers.
func DependencyError(op string, cause error) error {
	return goerrors.Wrap(cause, goerrors.CategoryInternal, op+" failed").
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeDependency)
}
