package challenge

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm selects the digests used to derive the key and the field name.
type Algorithm int

const (
	// SHA256 derives both the key and the field name with SHA-256.
	SHA256 Algorithm = iota
	// Legacy derives the key with SHA-1 and the field name with MD5, matching
	// tokens produced by older deployments byte for byte.
	Legacy
)

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256":
		return SHA256, nil
	case "legacy", "sha1":
		return Legacy, nil
	default:
		return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, s)
	}
}

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case Legacy:
		return "legacy"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

func (a Algorithm) valid() bool {
	return a == SHA256 || a == Legacy
}

func (a Algorithm) keyHash() hash.Hash {
	if a == Legacy {
		return sha1.New()
	}
	return sha256.New()
}

func (a Algorithm) fieldHash() hash.Hash {
	if a == Legacy {
		return md5.New()
	}
	return sha256.New()
}

func hexDigest(h hash.Hash, parts ...string) string {
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
