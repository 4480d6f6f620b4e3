package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	webhookQueueSize  = 1024
	webhookAttempts   = 2
	webhookTimeout    = 10 * time.Second
	webhookRetryDelay = 500 * time.Millisecond
)

// auditWebhook forwards audit entries to an HTTP endpoint from a single
// background sender. The queue is bounded; entries that arrive while it is
// full are dropped and counted.
type auditWebhook struct {
	endpoint string
	header   http.Header
	client   *http.Client
	logger   *slog.Logger

	queue   chan auditEntry
	dropped atomic.Int64
	done    chan struct{}
	stop    sync.Once
}

// newAuditWebhook starts a sender for endpoint. authHeader is an optional
// "Name: Value" pair added to every request.
func newAuditWebhook(endpoint, authHeader string, logger *slog.Logger) *auditWebhook {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", "formkey-audit")
	if name, value, ok := strings.Cut(authHeader, ":"); ok {
		header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	w := &auditWebhook{
		endpoint: endpoint,
		header:   header,
		client:   &http.Client{},
		logger:   logger.With("sink", "webhook"),
		queue:    make(chan auditEntry, webhookQueueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *auditWebhook) enqueue(e auditEntry) {
	select {
	case w.queue <- e:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("queue full, dropping entry", "event", e.Event, "dropped_total", n)
	}
}

// close stops accepting entries and waits for the queue to drain.
func (w *auditWebhook) close() {
	w.stop.Do(func() {
		close(w.queue)
		<-w.done
	})
}

func (w *auditWebhook) run() {
	defer close(w.done)
	for e := range w.queue {
		if err := w.deliver(e); err != nil {
			w.logger.Warn("delivery failed", "event", e.Event, "error", err)
		}
	}
}

// deliver sends e, retrying transport failures and 5xx answers.
func (w *auditWebhook) deliver(e auditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		retry, err := w.post(body)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
		if !retry {
			break
		}
		if attempt < webhookAttempts {
			time.Sleep(webhookRetryDelay)
		}
	}
	return lastErr
}

// post makes one delivery attempt and reports whether a failure is worth
// retrying.
func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header = w.header.Clone()

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("server answered %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint rejected entry with %d", resp.StatusCode)
	}
}
