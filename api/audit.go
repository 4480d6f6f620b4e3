package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of challenge life-cycle event being logged.
type AuditEvent string

const (
	AuditSessionStarted     AuditEvent = "session_started"
	AuditSessionUnavailable AuditEvent = "session_unavailable"
	AuditChallengeIssued    AuditEvent = "challenge_issued"
	AuditKeyServed          AuditEvent = "key_served"
	AuditKeyRefused         AuditEvent = "key_refused"
	AuditValidationSuccess  AuditEvent = "validation_success"
	AuditInvalidToken       AuditEvent = "validation_invalid_token"
	AuditSubmittedTooSoon   AuditEvent = "validation_too_soon"
)

// auditEntry is one audit record. The same value is logged and, when a
// webhook is configured, delivered as its JSON body. It has no field for
// session IDs or tokens.
type auditEntry struct {
	Event              AuditEvent `json:"event"`
	Namespace          string     `json:"namespace"`
	Reason             string     `json:"reason,omitempty"`
	ChallengeTimestamp int64      `json:"challenge_timestamp,omitempty"`
	RetryAfterMS       int64      `json:"retry_after_ms,omitempty"`
	RemoteAddr         string     `json:"remote_addr,omitempty"`
	Time               time.Time  `json:"time"`
}

func (e auditEntry) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event", string(e.Event)),
		slog.String("remote_addr", e.RemoteAddr),
		slog.String("namespace", e.Namespace),
		slog.String("timestamp", e.Time.Format(time.RFC3339)),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.ChallengeTimestamp != 0 {
		attrs = append(attrs, slog.Int64("challenge_timestamp", e.ChallengeTimestamp))
	}
	if e.RetryAfterMS != 0 {
		attrs = append(attrs, slog.Int64("retry_after_ms", e.RetryAfterMS))
	}
	return attrs
}

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// record stamps e with the caller's address and the current time, then
// fans it out to the log, the spike detector and the webhook.
func (al *auditLogger) record(r *http.Request, e auditEntry) {
	e.RemoteAddr = r.RemoteAddr
	e.Time = time.Now().UTC().Truncate(time.Second)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", e.attrs()...)

	if al.metrics != nil {
		al.metrics.recordEvent(e.Event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(e)
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, namespace string) {
	al.record(r, auditEntry{Event: event, Namespace: namespace})
}

// logFailure logs a rejected request with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, namespace, reason string) {
	al.record(r, auditEntry{Event: event, Namespace: namespace, Reason: reason})
}
