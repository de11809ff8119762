package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Delivery headers. Receivers verify HeaderSignature against the raw body
// and filter on HeaderEvent when they only care about terminal events.
const (
	HeaderSignature  = "X-Dreamwalker-Signature"
	HeaderWorkflowID = "X-Dreamwalker-Workflow-Id"
	HeaderEvent      = "X-Dreamwalker-Event"
)

// Sign computes the HMAC-SHA256 of body under secret, lowercase hex encoded.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches Sign(secret, body) in constant
// time.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
