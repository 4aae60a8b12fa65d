package security

import (
	"crypto/hmac"
	"crypto/sha512"
)

// hmacSHA512 computes HMAC-SHA-512 over message with key.
func hmacSHA512(key, message []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// hmacEqual is a constant-time comparison to prevent timing attacks.
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
