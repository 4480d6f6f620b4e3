package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jmcleod/formkey/challenge"
)

// enableJavaScriptMessage is shown to clients whose submission carried no
// valid token, which in practice means the key script never ran.
const enableJavaScriptMessage = "Please enable JavaScript to submit this form"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	var tooSoon *challenge.TooSoonError
	switch {
	case errors.As(err, &tooSoon):
		w.Header().Set("Retry-After", retryAfterString(tooSoon.Remaining))
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:        challenge.ErrSubmittedTooSoon.Error(),
			RetryAfterMS: tooSoon.Remaining.Milliseconds(),
		})
	case errors.Is(err, challenge.ErrSubmittedTooSoon):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, challenge.ErrInvalidToken):
		writeError(w, http.StatusForbidden, enableJavaScriptMessage)
	case errors.Is(err, challenge.ErrSessionUnavailable):
		writeError(w, http.StatusServiceUnavailable, challenge.ErrSessionUnavailable.Error())
	case errors.Is(err, challenge.ErrNoChallenge):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, challenge.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// retryAfterString renders d as whole seconds, rounded up, for the
// Retry-After header.
func retryAfterString(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
