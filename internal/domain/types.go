package domain

import (
	"strings"
	"time"
)

type EventKind string

const (
	KindFollow EventKind = "FOLLOW"
	KindLike   EventKind = "LIKE"
)

// ParseEventKind accepts either casing of a known kind. Anything else is rejected.
func ParseEventKind(s string) (EventKind, bool) {
	switch EventKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindFollow:
		return KindFollow, true
	case KindLike:
		return KindLike, true
	}
	return "", false
}

func (k EventKind) Valid() bool {
	_, ok := kindBindings[k]
	return ok
}

type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSent    MessageStatus = "SENT"
	StatusFailed  MessageStatus = "FAILED"
)

// IncomingEvent is a normalized follow or like pulled out of a webhook payload.
type IncomingEvent struct {
	Kind             EventKind `json:"kind"`
	ExternalUserID   string    `json:"externalUserId"`
	ExternalUsername string    `json:"externalUsername,omitempty"`
	SourceEventKey   string    `json:"sourceEventKey"`
}

type Event struct {
	ID               string    `json:"id"`
	Kind             EventKind `json:"kind"`
	ExternalUserID   string    `json:"externalUserId"`
	ExternalUsername string    `json:"externalUsername,omitempty"`
	SourceEventKey   string    `json:"sourceEventKey"`
	IsProcessed      bool      `json:"isProcessed"`
	CreatedAt        time.Time `json:"createdAt"`
}

type MessageLog struct {
	ID                string        `json:"id"`
	EventID           string        `json:"eventId,omitempty"`
	RecipientID       string        `json:"recipientId"`
	RecipientUsername string        `json:"recipientUsername,omitempty"`
	MessageKind       EventKind     `json:"messageKind"`
	Status            MessageStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}
