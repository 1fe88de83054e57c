package util

import "strings"

const (
	UsernameToken    = "{{username}}"
	FallbackUsername = "there"
)

// RenderTemplate replaces every {{username}} token. A missing username renders the
// fallback. Other tokens are left as written.
func RenderTemplate(body, username string) string {
	name := strings.TrimSpace(username)
	if name == "" {
		name = FallbackUsername
	}
	return strings.ReplaceAll(body, UsernameToken, name)
}
