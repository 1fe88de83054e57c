package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"dmagent/internal/domain"
)

const (
	ErrInvalidJSON     = "invalid json"
	ErrBodyTooLarge    = "request body too large"
	ErrUnauthorized    = "missing or invalid admin token"
	ErrInternalMessage = "An unexpected error occurred"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Category   string                `json:"category"`
	Code       int                   `json:"code"`
	TextCode   string                `json:"textCode"`
	Message    string                `json:"message"`
	Validation []goerrors.FieldError `json:"validation,omitempty"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
}

// toEnvelope maps any handler error onto a go-errors envelope with an HTTP code.
func toEnvelope(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureEnvelope(rich)
	}

	switch {
	case errors.Is(err, domain.ErrNotConfigured):
		return newEnvelope(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, domain.TextCodeNotConfigured)
	case errors.Is(err, domain.ErrProcessorBusy):
		return newEnvelope(err.Error(), goerrors.CategoryConflict, http.StatusConflict, domain.TextCodeProcessorBusy)
	case errors.Is(err, domain.ErrInvalidSignature):
		return newEnvelope(err.Error(), goerrors.CategoryAuth, http.StatusForbidden, domain.TextCodeInvalidSignature)
	case errors.Is(err, domain.ErrInvalidPayload):
		return newEnvelope(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, domain.TextCodeBadInput)
	}

	return goerrors.Wrap(err, goerrors.CategoryInternal, ErrInternalMessage).
		WithCode(http.StatusInternalServerError).
		WithTextCode(domain.TextCodeInternal)
}

func newEnvelope(message string, category goerrors.Category, code int, textCode string) *goerrors.Error {
	return goerrors.New(message, category).WithCode(code).WithTextCode(textCode)
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err.Code == 0 {
		err.Code = statusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = domain.TextCodeInternal
		if err.Code < http.StatusInternalServerError {
			err.TextCode = domain.TextCodeBadInput
		}
	}
	return err
}

func statusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := toEnvelope(err)
	if env.Code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err, "text_code", env.TextCode)
	}

	body := errorBody{
		Category: fmt.Sprint(env.Category),
		Code:     env.Code,
		TextCode: env.TextCode,
		Message:  env.Message,
		Metadata: env.Metadata,
	}
	if env.Category == goerrors.CategoryValidation {
		body.Validation = env.AllValidationErrors()
	}
	writeJSON(w, env.Code, errorEnvelope{Error: body})
}

func badJSON(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, ErrInvalidJSON).
		WithCode(http.StatusBadRequest).
		WithTextCode(domain.TextCodeBadInput)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
