package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/session"
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultCookieName = "formkey_session"
)

// API holds the dependencies needed by the challenge handlers.
type API struct {
	store       session.Store
	cfg         challenge.Config
	audit       *auditLogger
	metrics     *promMetrics
	registry    prometheus.Registerer
	alertFn     AlertFunc
	webhook     *auditWebhook
	webhookURL  string
	webhookAuth string
	now         func() time.Time
	sessionTTL  time.Duration
	cookieName  string
	basePath    string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc registers a callback for invalid-token and too-soon spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithClock overrides the time source used for challenges. Session expiry
// follows the store's own clock; see session.WithClock.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// WithSessionTTL sets the absolute lifetime of newly started sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *API) {
		a.sessionTTL = ttl
	}
}

// WithCookieName sets the name of the session cookie.
func WithCookieName(name string) Option {
	return func(a *API) {
		a.cookieName = name
	}
}

// WithRegistry registers the Prometheus collectors with reg instead of a
// private registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithBasePath sets the prefix the router is mounted under, used to build
// the key URL handed to clients and the docs spec URL.
func WithBasePath(path string) Option {
	return func(a *API) {
		a.basePath = path
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader is an
// optional "Name: Value" header added to each request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance serving challenges configured by cfg.
func New(store session.Store, cfg challenge.Config, opts ...Option) *API {
	a := &API{
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		sessionTTL: defaultSessionTTL,
		cookieName: defaultCookieName,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newPromMetrics(a.registry)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.audit.logger)
		a.audit.webhook = a.webhook
	}
	return a
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.instrument)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    trimSlash(a.basePath + "/docs"),
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    trimSlash(a.basePath + "/redoc"),
	}, nil))

	r.Route("/challenge", func(r chi.Router) {
		r.With(a.SessionMiddleware(true)).Get("/", a.IssueChallenge)
		r.With(a.SessionMiddleware(true)).Get("/script", a.ChallengeScript)
		r.With(a.SessionMiddleware(false)).Get("/key", a.ChallengeKey)
		r.With(a.SessionMiddleware(false)).Post("/key", a.ChallengeKey)
	})

	r.With(a.SessionMiddleware(false)).Method(http.MethodPost, "/submit", a.Protect(http.HandlerFunc(a.submitted)))

	return r
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
