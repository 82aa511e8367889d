// Package idgen generates random identifiers.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 version 4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a v4 UUID
// (e.g. "esc_" for escrows).
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// HasPrefix reports whether id looks like one produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
