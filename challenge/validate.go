package challenge

import (
	"crypto/subtle"
	"time"
)

// Validate checks a form submission against the live challenge for
// cfg.Namespace and consumes it on success.
//
// A missing or mismatched token returns ErrInvalidToken and leaves rec as it
// was. When the delay policy rejects the submission the wait window restarts
// at now and a *TooSoonError is returned. On success the namespace entry is
// removed, so the same token cannot be replayed.
func Validate(rec *Record, cfg Config, params Params, now time.Time) error {
	if rec == nil {
		return ErrSessionUnavailable
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ch, ok := rec.Get(cfg.Namespace)
	if !ok || ch.Timestamp == 0 {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(ch.Secret), []byte(cfg.Secret)) != 1 {
		return ErrInvalidToken
	}

	iss := newIssuer(cfg, ch.Secret, ch.Timestamp)
	submitted, ok := params.Lookup(iss.FieldName())
	if !ok || !iss.Verify(submitted) {
		return ErrInvalidToken
	}

	if cfg.MinSubmitDelay > 0 {
		start := ch.PageRequestTime
		if start.IsZero() {
			// Policy enabled after the page was rendered.
			start = time.Unix(ch.Timestamp, 0)
		}
		elapsed := now.Sub(start)
		if elapsed < cfg.MinSubmitDelay {
			ch.PageRequestTime = now
			rec.set(cfg.Namespace, ch)
			return &TooSoonError{Remaining: cfg.MinSubmitDelay - elapsed}
		}
	}

	rec.clear(cfg.Namespace)
	return nil
}
