package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature of the raw body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	received, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(strings.ToLower(signature)), "sha256="))
	if err != nil || len(received) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), received)
}
