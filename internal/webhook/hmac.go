package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error a caller sees; the reason is never leaked.
var errVerification = errors.New("webhook verification failed")

const signaturePrefix = "sha256="

// Sign returns the "sha256=<hex>" signature of body under secret.
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(digest(body, secret))
}

// Verify checks signature, in "sha256=<hex>" or plain hex form, against body.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return errVerification
	}
	if !hmac.Equal(digest(body, secret), got) {
		return errVerification
	}
	return nil
}

func digest(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
