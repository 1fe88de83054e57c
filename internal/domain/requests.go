package domain

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// SendRequest is the operator escape hatch for sending one message directly.
// MessageType is accepted as an alias of MessageKind.
type SendRequest struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message,omitempty"`
	MessageKind string `json:"messageKind,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Kind resolves the requested kind, defaulting to FOLLOW.
func (r SendRequest) Kind() (EventKind, bool) {
	raw := strings.TrimSpace(r.MessageKind)
	if raw == "" {
		raw = strings.TrimSpace(r.MessageType)
	}
	if raw == "" {
		return KindFollow, true
	}
	return ParseEventKind(raw)
}

func (r SendRequest) Validate() error {
	var fields []goerrors.FieldError
	if strings.TrimSpace(r.RecipientID) == "" {
		fields = append(fields, goerrors.FieldError{Field: "recipientId", Message: "is required"})
	}
	if _, ok := r.Kind(); !ok {
		fields = append(fields, goerrors.FieldError{Field: "messageKind", Message: "must be FOLLOW or LIKE"})
	}
	if len(fields) > 0 {
		return validationError("send: validation failed", fields...)
	}
	return nil
}

type SendResponse struct {
	OK     bool          `json:"ok"`
	LogID  string        `json:"logId"`
	Status MessageStatus `json:"status"`
}
