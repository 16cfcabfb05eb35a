// Package middleware provides HTTP middleware for webhook verification.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// WebhookHMAC returns middleware that validates HMAC-SHA256 webhook
// signatures carried in the given header. The body is re-buffered so
// downstream handlers can read it again.
func WebhookHMAC(secret, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"webhook secret not configured"}`, http.StatusServiceUnavailable)
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				http.Error(w, "missing webhook signature", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, secret) {
				http.Error(w, "invalid webhook signature", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifyHMAC checks an HMAC-SHA256 signature. Supports both raw hex and
// "sha256=<hex>" prefix formats.
func verifyHMAC(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(sigBytes, expected)
}
