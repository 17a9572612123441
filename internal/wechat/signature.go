// Package wechat implements the Official Account wire protocol: request
// signatures, the XML message envelope and the optional AES safe mode.
package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign returns the hex SHA-1 of the lexicographically sorted, concatenated
// parts. Plain mode signs token, timestamp and nonce; safe mode adds the
// encrypted payload as a fourth part.
func Sign(token, timestamp, nonce string, extra ...string) string {
	parts := make([]string, 0, 3+len(extra))
	parts = append(parts, token, timestamp, nonce)
	parts = append(parts, extra...)
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether signature matches Sign(token, timestamp, nonce, extra...).
func Verify(token, signature, timestamp, nonce string, extra ...string) bool {
	want := Sign(token, timestamp, nonce, extra...)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) == 1
}
