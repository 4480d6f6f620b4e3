// Package challenge issues and validates single-use form tokens.
//
// A page render calls Issue, which records a timestamp and the application
// secret in the caller's session record. The browser fetches the derived key
// from a second endpoint (Lookup + ValidKey) and submits it back under the
// derived field name, where Validate recomputes the key, enforces the optional
// minimum submit delay and consumes the challenge.
//
// Every function operates on an explicitly passed *Record and time; the
// session store that persists the record between requests is the caller's
// concern.
package challenge
