package challenge

import (
	"fmt"
	"regexp"
	"time"
)

var namespacePattern = regexp.MustCompile(`^[a-zA-Z\d]+$`)

// Config holds the integrator-chosen settings for one protected form.
type Config struct {
	// Secret is the base of the salted key. It should be high-entropy and
	// per-deployment.
	Secret string
	// MinSubmitDelay rejects submissions that arrive sooner than this after
	// the page was rendered. Zero disables the check.
	MinSubmitDelay time.Duration
	// Namespace separates concurrent challenges on one page. Empty selects
	// the default challenge.
	Namespace string
	// Algorithm selects the digests used for the key and field name.
	Algorithm Algorithm
	// FieldName fixes the hidden input name. When empty the name is derived
	// from the challenge so static scripts cannot hardcode it.
	FieldName string
}

// WithNamespace returns a copy of c scoped to ns.
func (c Config) WithNamespace(ns string) Config {
	c.Namespace = ns
	return c
}

// Validate reports whether c can be used to issue or validate challenges.
func (c Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("%w: secret must not be empty", ErrInvalidConfig)
	}
	if c.MinSubmitDelay < 0 {
		return fmt.Errorf("%w: min submit delay must not be negative, got %s", ErrInvalidConfig, c.MinSubmitDelay)
	}
	if c.Namespace != "" && !namespacePattern.MatchString(c.Namespace) {
		return fmt.Errorf("%w: namespace %q must be alphanumeric", ErrInvalidConfig, c.Namespace)
	}
	if !c.Algorithm.valid() {
		return fmt.Errorf("%w: unknown algorithm %d", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}
