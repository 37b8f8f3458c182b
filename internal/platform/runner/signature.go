package runner

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Callbacks are signed with HMAC-SHA256 over a canonical string of the
// identifying fields, using the shared secret both sides hold. The
// signature authenticates the caller; replay protection comes from the
// idempotency key, not the signature.

// SignCallback computes the hex signature for a callback with the given
// identifying fields.
func SignCallback(secret, jobID, taskID, idempotencyKey, result string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{jobID, taskID, idempotencyKey, result}, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback reports whether the presented signature matches the
// callback fields. Comparison is constant-time.
func VerifyCallback(secret, jobID, taskID, idempotencyKey, result, signature string) bool {
	expected := SignCallback(secret, jobID, taskID, idempotencyKey, result)
	return hmac.Equal([]byte(expected), []byte(signature))
}
