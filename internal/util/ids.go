package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-char hex id used for rows, request ids and temp keys.
func NewID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewPrefixedID returns NewID with a short type prefix, e.g. "es_" for edit sessions.
func NewPrefixedID(prefix string) string {
	return prefix + NewID()
}
