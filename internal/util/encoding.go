package util

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKD form of s so that visually identical secrets
// typed in different environments hash the same.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// DecodeKey32 decodes a hex-encoded 32-byte key.
func DecodeKey32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes, got %d", len(b))
	}
	return b, nil
}
