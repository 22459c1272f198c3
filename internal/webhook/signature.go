package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is GitHub's convention for the X-Hub-Signature-256
// header: the hex HMAC digest prefixed with the algorithm name.
const signaturePrefix = "sha256="

// computeSignature computes GitHub's X-Hub-Signature-256 value for body.
func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// validateSignature checks the X-Hub-Signature-256 header against body
// using the shared webhook secret.
func validateSignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}

	expected := computeSignature(body, secret)

	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(header)))
}
