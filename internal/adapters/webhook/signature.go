// Package webhook authenticates Guesty push notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, rawBody)).
const SignatureHeader = "X-Guesty-Signature-V2"

// GenerateSignature signs the exact payload bytes.
func GenerateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret. It
// never panics; any internal failure is a rejection.
func VerifySignature(payload []byte, signature, secret string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("webhook signature verification panicked")
			ok = false
		}
	}()

	if secret == "" || payload == nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
