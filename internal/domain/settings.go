package domain

import (
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultFollowerTemplate = "Hey {{username}}, thanks for the follow! Let me know what kind of content you'd like to see more of 👋"
	DefaultLikeTemplate     = "Appreciate the love on my latest post, {{username}}! If you have any questions just drop them here."
)

// Settings is the single active credential/template/toggle record.
type Settings struct {
	AccessToken               string    `json:"accessToken"`
	BusinessAccountID         string    `json:"businessAccountId"`
	VerifyToken               string    `json:"verifyToken"`
	FollowerMessageTemplate   string    `json:"followerMessageTemplate"`
	LikeMessageTemplate       string    `json:"likeMessageTemplate"`
	FollowerAutomationEnabled bool      `json:"followerAutomationEnabled"`
	LikeAutomationEnabled     bool      `json:"likeAutomationEnabled"`
	UpdatedAt                 time.Time `json:"updatedAt,omitempty"`
}

type kindBinding struct {
	enabled  func(Settings) bool
	template func(Settings) string
}

var kindBindings = map[EventKind]kindBinding{
	KindFollow: {
		enabled:  func(s Settings) bool { return s.FollowerAutomationEnabled },
		template: func(s Settings) string { return s.FollowerMessageTemplate },
	},
	KindLike: {
		enabled:  func(s Settings) bool { return s.LikeAutomationEnabled },
		template: func(s Settings) string { return s.LikeMessageTemplate },
	},
}

func (s Settings) AutomationEnabled(k EventKind) bool {
	b, ok := kindBindings[k]
	return ok && b.enabled(s)
}

func (s Settings) Template(k EventKind) string {
	b, ok := kindBindings[k]
	if !ok {
		return ""
	}
	return b.template(s)
}

// SettingsUpdate is a full replacement of Settings. Toggles are pointers so that
// an omitted boolean is a validation error rather than a silent false.
type SettingsUpdate struct {
	AccessToken               string `json:"accessToken"`
	BusinessAccountID         string `json:"businessAccountId"`
	VerifyToken               string `json:"verifyToken"`
	FollowerMessageTemplate   string `json:"followerMessageTemplate"`
	LikeMessageTemplate       string `json:"likeMessageTemplate"`
	FollowerAutomationEnabled *bool  `json:"followerAutomationEnabled"`
	LikeAutomationEnabled     *bool  `json:"likeAutomationEnabled"`
}

func (u SettingsUpdate) Validate() error {
	var fields []goerrors.FieldError
	required := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			fields = append(fields, goerrors.FieldError{Field: name, Message: "is required"})
		}
	}
	required("accessToken", u.AccessToken)
	required("businessAccountId", u.BusinessAccountID)
	required("verifyToken", u.VerifyToken)
	required("followerMessageTemplate", u.FollowerMessageTemplate)
	required("likeMessageTemplate", u.LikeMessageTemplate)
	if u.FollowerAutomationEnabled == nil {
		fields = append(fields, goerrors.FieldError{Field: "followerAutomationEnabled", Message: "must be true or false"})
	}
	if u.LikeAutomationEnabled == nil {
		fields = append(fields, goerrors.FieldError{Field: "likeAutomationEnabled", Message: "must be true or false"})
	}
	if len(fields) > 0 {
		return validationError("settings: validation failed", fields...)
	}
	return nil
}

// Settings converts a validated update. Call Validate first.
func (u SettingsUpdate) Settings(now time.Time) Settings {
	s := Settings{
		AccessToken:             strings.TrimSpace(u.AccessToken),
		BusinessAccountID:       strings.TrimSpace(u.BusinessAccountID),
		VerifyToken:             strings.TrimSpace(u.VerifyToken),
		FollowerMessageTemplate: u.FollowerMessageTemplate,
		LikeMessageTemplate:     u.LikeMessageTemplate,
		UpdatedAt:               now,
	}
	if u.FollowerAutomationEnabled != nil {
		s.FollowerAutomationEnabled = *u.FollowerAutomationEnabled
	}
	if u.LikeAutomationEnabled != nil {
		s.LikeAutomationEnabled = *u.LikeAutomationEnabled
	}
	return s
}
