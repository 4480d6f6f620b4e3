package challenge

import (
	"crypto/subtle"
	"strconv"
	"time"
)

// Issuer derives the key and field name for one challenge.
type Issuer struct {
	namespace string
	secret    string
	timestamp int64
	algorithm Algorithm
	fieldName string
}

// Issue establishes (or reuses) the challenge for cfg.Namespace in rec.
//
// A nil rec means no session could be started and yields
// ErrSessionUnavailable. The timestamp is created only when no challenge is
// live, so repeated page renders within one unconsumed challenge share a key.
// The secret is always refreshed so the key endpoint can recompute the key.
func Issue(rec *Record, cfg Config, now time.Time) (*Issuer, error) {
	if rec == nil {
		return nil, ErrSessionUnavailable
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ch, _ := rec.Get(cfg.Namespace)
	if cfg.MinSubmitDelay > 0 && ch.PageRequestTime.IsZero() {
		ch.PageRequestTime = now
	}
	if ch.Timestamp == 0 {
		ch.Timestamp = now.Unix()
	}
	ch.Secret = cfg.Secret
	rec.set(cfg.Namespace, ch)

	return newIssuer(cfg, ch.Secret, ch.Timestamp), nil
}

// Lookup rebuilds the issuer of the live challenge for cfg.Namespace from the
// secret stored in rec. It never creates state: a client that asks for a key
// before the page was rendered gets ErrNoChallenge.
func Lookup(rec *Record, cfg Config) (*Issuer, error) {
	if rec == nil {
		return nil, ErrSessionUnavailable
	}
	if cfg.Namespace != "" && !namespacePattern.MatchString(cfg.Namespace) {
		return nil, ErrNoChallenge
	}
	ch, ok := rec.Get(cfg.Namespace)
	if !ok || ch.Secret == "" || ch.Timestamp == 0 {
		return nil, ErrNoChallenge
	}
	return newIssuer(cfg, ch.Secret, ch.Timestamp), nil
}

// Derive builds an issuer for a known secret and timestamp without touching
// any session state.
func Derive(cfg Config, timestamp int64) *Issuer {
	return newIssuer(cfg, cfg.Secret, timestamp)
}

func newIssuer(cfg Config, secret string, timestamp int64) *Issuer {
	return &Issuer{
		namespace: cfg.Namespace,
		secret:    secret,
		timestamp: timestamp,
		algorithm: cfg.Algorithm,
		fieldName: cfg.FieldName,
	}
}

// Namespace returns the namespace the challenge was issued under.
func (i *Issuer) Namespace() string { return i.namespace }

// Timestamp returns the challenge timestamp in unix seconds.
func (i *Issuer) Timestamp() int64 { return i.timestamp }

// ValidKey returns the hex digest of secret followed by the timestamp.
func (i *Issuer) ValidKey() string {
	return hexDigest(i.algorithm.keyHash(), i.secret, strconv.FormatInt(i.timestamp, 10))
}

// FieldName returns the name of the hidden input that carries the key.
func (i *Issuer) FieldName() string {
	if i.fieldName != "" {
		return i.fieldName
	}
	return hexDigest(i.algorithm.fieldHash(), i.secret, i.secret, strconv.FormatInt(i.timestamp, 10))
}

// Verify reports whether token equals ValidKey, in constant time.
func (i *Issuer) Verify(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(i.ValidKey())) == 1
}
