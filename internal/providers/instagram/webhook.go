package instagram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// VerifySignature checks a "sha256=<hex>" header against the HMAC-SHA256 of the raw
// body. It must see the bytes exactly as received. Missing or malformed headers
// and an empty secret are rejections, never errors.
func VerifySignature(body []byte, secret, provided string) bool {
	if secret == "" {
		return false
	}
	provided = strings.TrimSpace(provided)
	if len(provided) <= len(signaturePrefix) || !strings.EqualFold(provided[:len(signaturePrefix)], signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(provided[len(signaturePrefix):])
	if err != nil || len(got) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign produces the header value Meta would send for body. Used by the mock
// provider and tests.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
