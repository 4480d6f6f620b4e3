package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/session"
	"github.com/jmcleod/formkey/web"
)

// IssueChallenge is the page-render hook: it establishes the challenge for
// the requested namespace and describes it to the caller.
func (a *API) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	iss, ok := a.issue(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, IssueResponse{
		Namespace:        iss.Namespace(),
		FieldName:        iss.FieldName(),
		KeyURL:           a.keyURL(iss.Namespace()),
		MinSubmitDelayMS: a.cfg.MinSubmitDelay.Milliseconds(),
	})
}

// ChallengeScript issues the challenge like IssueChallenge and returns the
// script that fetches the key and injects it into the form named by ?form=.
func (a *API) ChallengeScript(w http.ResponseWriter, r *http.Request) {
	formID := r.URL.Query().Get("form")
	if formID == "" {
		writeError(w, http.StatusBadRequest, "form parameter is required")
		return
	}
	iss, ok := a.issue(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	err := web.RenderScript(&buf, web.ScriptParams{
		FormID:    formID,
		KeyURL:    a.keyURL(iss.Namespace()),
		FieldName: iss.FieldName(),
	})
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// ChallengeKey returns the key of the live challenge as text/plain. It never
// creates a challenge: without a rendered page there is nothing to serve.
func (a *API) ChallengeKey(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("instance")
	cfg := a.cfg.WithNamespace(ns)

	id, ok := sessionIDFromContext(r.Context())
	if !ok {
		a.audit.logFailure(AuditKeyRefused, r, ns, "no session")
		a.metrics.keyRefused()
		mapError(w, challenge.ErrNoChallenge)
		return
	}

	var key string
	err := a.update(r.Context(), id, func(rec *challenge.Record) error {
		iss, err := challenge.Lookup(rec, cfg)
		if err != nil {
			return err
		}
		key = iss.ValidKey()
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		err = challenge.ErrNoChallenge
	}
	if err != nil {
		a.audit.logFailure(AuditKeyRefused, r, ns, reason(err))
		a.metrics.keyRefused()
		mapError(w, err)
		return
	}

	a.audit.log(AuditKeyServed, r, ns)
	a.metrics.keyServed()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(key))
}

// Protect validates the challenge token carried by a form submission before
// passing it to next. Rejected submissions never reach next. The namespace
// is read from the "instance" parameter.
func (a *API) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := challenge.ParamsFromRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		ns, _ := params.Lookup("instance")
		cfg := a.cfg.WithNamespace(ns)
		now := a.now()

		err = session.ErrNotFound
		if id, ok := sessionIDFromContext(r.Context()); ok {
			err = a.update(r.Context(), id, func(rec *challenge.Record) error {
				return challenge.Validate(rec, cfg, params, now)
			})
		}
		if errors.Is(err, session.ErrNotFound) {
			// No live session means no challenge this client can answer.
			err = challenge.Validate(&challenge.Record{}, cfg, params, now)
		}

		if err != nil {
			a.recordRejection(r, ns, err)
			mapError(w, err)
			return
		}

		a.audit.log(AuditValidationSuccess, r, ns)
		a.metrics.validation(resultSuccess)
		next.ServeHTTP(w, r)
	})
}

func (a *API) submitted(w http.ResponseWriter, r *http.Request) {
	ns, _ := (challenge.Params{Query: r.URL.Query(), Body: r.PostForm}).Lookup("instance")
	writeJSON(w, http.StatusOK, SubmitResponse{Status: "accepted", Namespace: ns})
}

// issue runs challenge.Issue against the request's session and writes the
// error response itself on failure.
func (a *API) issue(w http.ResponseWriter, r *http.Request) (*challenge.Issuer, bool) {
	ns := r.URL.Query().Get("instance")
	cfg := a.cfg.WithNamespace(ns)

	id, ok := sessionIDFromContext(r.Context())
	if !ok {
		a.audit.logFailure(AuditSessionUnavailable, r, ns, "no session")
		a.metrics.sessionUnavailable()
		mapError(w, challenge.ErrSessionUnavailable)
		return nil, false
	}

	var iss *challenge.Issuer
	err := a.update(r.Context(), id, func(rec *challenge.Record) error {
		var err error
		iss, err = challenge.Issue(rec, cfg, a.now())
		return err
	})
	if errors.Is(err, session.ErrNotFound) {
		err = fmt.Errorf("%w: session expired", challenge.ErrSessionUnavailable)
	}
	if err != nil {
		if errors.Is(err, challenge.ErrSessionUnavailable) {
			a.audit.logFailure(AuditSessionUnavailable, r, ns, reason(err))
			a.metrics.sessionUnavailable()
		}
		mapError(w, err)
		return nil, false
	}

	a.audit.record(r, auditEntry{
		Event:              AuditChallengeIssued,
		Namespace:          ns,
		ChallengeTimestamp: iss.Timestamp(),
	})
	a.metrics.challengeIssued()
	return iss, true
}

func (a *API) recordRejection(r *http.Request, ns string, err error) {
	var tooSoon *challenge.TooSoonError
	switch {
	case errors.As(err, &tooSoon):
		a.audit.record(r, auditEntry{
			Event:        AuditSubmittedTooSoon,
			Namespace:    ns,
			Reason:       "min submit delay not elapsed",
			RetryAfterMS: tooSoon.Remaining.Milliseconds(),
		})
		a.metrics.validation(resultTooSoon)
	case errors.Is(err, challenge.ErrInvalidToken):
		a.audit.logFailure(AuditInvalidToken, r, ns, "missing or mismatched token")
		a.metrics.validation(resultInvalidToken)
	case errors.Is(err, challenge.ErrSessionUnavailable):
		a.audit.logFailure(AuditSessionUnavailable, r, ns, reason(err))
		a.metrics.validation(resultSessionUnavailable)
	case errors.Is(err, challenge.ErrInvalidConfig):
		a.audit.logFailure(AuditInvalidToken, r, ns, reason(err))
		a.metrics.validation(resultInvalidConfig)
	default:
		a.audit.logFailure(AuditInvalidToken, r, ns, "internal error")
		a.metrics.validation(resultError)
	}
}

// keyURL returns the key endpoint URL for namespace ns.
func (a *API) keyURL(ns string) string {
	u := a.basePath + "/challenge/key"
	if ns != "" {
		u += "?instance=" + url.QueryEscape(ns)
	}
	return u
}

// reason extracts a loggable reason from err. Errors here never carry
// session IDs or tokens.
func reason(err error) string {
	switch {
	case errors.Is(err, challenge.ErrNoChallenge):
		return "no live challenge"
	case errors.Is(err, challenge.ErrInvalidConfig):
		return "invalid namespace or config"
	case errors.Is(err, challenge.ErrSessionUnavailable):
		return "session store unavailable"
	default:
		return "internal error"
	}
}
