package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertInvalidTokenSpike AlertType = "invalid_token_spike"
	AlertTooSoonSpike      AlertType = "too_soon_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events that occurred within the last window.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached, resetting the window so one spike alerts once.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.events = append(s.events, now)
	s.events = trimWindow(s.events, now, s.window)
	if len(s.events) < s.threshold {
		return 0, false
	}
	n := len(s.events)
	s.events = s.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Submissions without a valid token: scripted posting at scale.
	invalidTokens slidingWindow
	// Submissions inside the delay window: fast form-filling bots.
	tooSoon slidingWindow

	alertFn AlertFunc
}

const (
	defaultInvalidTokenWindow    = 1 * time.Minute
	defaultInvalidTokenThreshold = 100
	defaultTooSoonWindow         = 1 * time.Minute
	defaultTooSoonThreshold      = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		invalidTokens: slidingWindow{window: defaultInvalidTokenWindow, threshold: defaultInvalidTokenThreshold},
		tooSoon:       slidingWindow{window: defaultTooSoonWindow, threshold: defaultTooSoonThreshold},
		alertFn:       alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditInvalidToken:
		m.record(&m.invalidTokens, AlertInvalidTokenSpike, "invalid token rate exceeds threshold")
	case AuditSubmittedTooSoon:
		m.record(&m.tooSoon, AlertTooSoonSpike, "too-soon submission rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *slidingWindow, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if n, fire := w.add(now); fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: w.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
