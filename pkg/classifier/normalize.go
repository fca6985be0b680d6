package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lower-cases a prompt, collapses whitespace and trims surrounding
// punctuation.
func Normalize(prompt string) string {
	s := strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Hash returns the cache key of a normalized prompt.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
