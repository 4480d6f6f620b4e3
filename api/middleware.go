package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/session"
)

type contextKey int

const sessionIDKey contextKey = iota

// SessionMiddleware resolves the session cookie to a live session and stores
// its ID on the request context. When start is true and the client has no
// live session, a new one is created under a fresh ID and the cookie is set;
// a store that cannot persist it yields 503. When start is false the request
// proceeds without a session.
func (a *API) SessionMiddleware(start bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ns := r.URL.Query().Get("instance")

			if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
				ok, err := a.store.Exists(r.Context(), cookie.Value)
				if err != nil {
					a.audit.logFailure(AuditSessionUnavailable, r, ns, "session lookup failed")
					mapError(w, fmt.Errorf("%w: %v", challenge.ErrSessionUnavailable, err))
					return
				}
				if ok {
					next.ServeHTTP(w, r.WithContext(withSessionID(r.Context(), cookie.Value)))
					return
				}
			}

			if !start {
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.store.Create(r.Context(), a.sessionTTL)
			if err != nil {
				a.audit.logFailure(AuditSessionUnavailable, r, ns, "session start failed")
				a.metrics.sessionUnavailable()
				mapError(w, fmt.Errorf("%w: %v", challenge.ErrSessionUnavailable, err))
				return
			}
			// Browsers expire cookies by wall time, whatever clock the store keeps.
			writeSessionCookie(w, r, a.cookieName, id, time.Now().Add(a.sessionTTL))
			a.audit.log(AuditSessionStarted, r, ns)
			a.metrics.sessionStarted()

			next.ServeHTTP(w, r.WithContext(withSessionID(r.Context(), id)))
		})
	}
}

// update applies fn to the challenge record of session id through the
// store's atomic Update, so concurrent requests on any replica see each
// other's writes. The session is saved even when fn fails so that state
// changes made on rejection are kept. A session that disappeared since the
// middleware saw it yields session.ErrNotFound.
func (a *API) update(ctx context.Context, id string, fn func(*challenge.Record) error) error {
	var fnErr error
	err := a.store.Update(ctx, id, func(sess *session.Session) error {
		fnErr = fn(&sess.Record)
		return fnErr
	})
	switch {
	case err == nil:
		return nil
	case fnErr != nil && errors.Is(err, fnErr):
		return fnErr
	case errors.Is(err, session.ErrNotFound):
		return session.ErrNotFound
	default:
		return fmt.Errorf("%w: %v", challenge.ErrSessionUnavailable, err)
	}
}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func sessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, name, id string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
