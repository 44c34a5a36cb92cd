package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns the hex sha256 of input.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CacheKey joins parts with ':' and hashes the last one, so arbitrary text
// can be used as a redis key suffix.
func CacheKey(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	last := HashString(parts[len(parts)-1])
	return strings.Join(append(append([]string{prefix}, parts[:len(parts)-1]...), last), ":")
}
