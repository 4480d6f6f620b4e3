package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/formkey/api"
	"github.com/jmcleod/formkey/config"
	"github.com/jmcleod/formkey/session"
	bboltstorage "github.com/jmcleod/formkey/storage/bbolt"
	"github.com/jmcleod/formkey/web"
)

const apiBasePath = "/api/v1"

var configPath string

// flagKeys maps server flags to the config keys they override. Only flags
// set on the command line take part.
var flagKeys = map[string]string{
	"address":             "server.address",
	"tls-cert":            "server.tls_cert",
	"tls-key":             "server.tls_key",
	"secret":              "challenge.secret",
	"min-submit-delay-ms": "challenge.min_submit_delay_ms",
	"namespace":           "challenge.namespace",
	"algorithm":           "challenge.algorithm",
	"field-name":          "challenge.field_name",
	"session-backend":     "session.backend",
	"session-ttl":         "session.ttl",
	"data-dir":            "session.data_dir",
	"redis-addr":          "session.redis.addr",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"audit-webhook-url":   "audit.webhook_url",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the challenge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, flagOverrides(cmd.Flags()))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		handler, a, err := newRouter(cfg, store, logger, reg)
		if err != nil {
			return err
		}
		defer a.Close()

		var tlsConfig *tls.Config
		if cfg.Server.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			"address", cfg.Server.Address,
			"tls", tlsConfig != nil,
			"session_backend", cfg.Session.Backend,
			"algorithm", cfg.Challenge.Algorithm,
			"min_submit_delay_ms", cfg.Challenge.MinSubmitDelayMS,
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	f.StringP("address", "a", ":8080", "Address to listen on")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.String("secret", "", "Challenge secret")
	f.Int("min-submit-delay-ms", 0, "Minimum milliseconds between page render and submit")
	f.String("namespace", "", "Default challenge namespace")
	f.String("algorithm", "sha256", "Digest algorithm: sha256 or legacy")
	f.String("field-name", "", "Fixed hidden field name")
	f.String("session-backend", config.BackendMemory, "Session backend: memory, bbolt or redis")
	f.Duration("session-ttl", 24*time.Hour, "Absolute session lifetime")
	f.String("data-dir", "./data", "Directory for the bbolt session database")
	f.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.String("log-format", "json", "Log format: json or text")
	f.String("audit-webhook-url", "", "POST audit events to this URL")
}

// flagOverrides returns the config overrides for flags set on the command
// line, so unset flags never mask file or environment values.
func flagOverrides(fs *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any)
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(f.Name)
			overrides[key] = v
		case "duration":
			v, _ := fs.GetDuration(f.Name)
			overrides[key] = v
		default:
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}

// openStore opens the configured session backend. The returned func
// releases it.
func openStore(ctx context.Context, cfg config.Config) (session.Store, func(), error) {
	sc := cfg.Session
	switch sc.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(sc.IdleTimeout), func() {}, nil

	case config.BackendBBolt:
		if err := os.MkdirAll(sc.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(sc.DataDir, "sessions.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		key, err := sc.WrappingKeyBytes(cfg.Challenge.Secret)
		if err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("failed to derive wrapping key: %w", err)
		}
		store, err := session.NewPersistentStore(repo, sc.IdleTimeout, key)
		if err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, func() {
			store.Close()
			repo.Close()
		}, nil

	case config.BackendRedis:
		store := session.NewRedisStore(sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB, sc.IdleTimeout)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", sc.Redis.Addr, err)
		}
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", sc.Backend)
	}
}

// newRouter assembles the full HTTP handler: the challenge API under
// /api/v1, health and metrics endpoints and the demo page.
func newRouter(cfg config.Config, store session.Store, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, *api.API, error) {
	chCfg, err := cfg.Challenge.ToChallenge()
	if err != nil {
		return nil, nil, err
	}

	a := api.New(store, chCfg,
		api.WithLogger(logger),
		api.WithRegistry(reg),
		api.WithBasePath(apiBasePath),
		api.WithSessionTTL(cfg.Session.TTL),
		api.WithCookieName(cfg.Session.CookieName),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("anomaly detected",
				"alert", string(e.Type),
				"count", e.Count,
				"threshold", e.Threshold,
				"message", e.Message,
			)
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", api.MetricsHandler(reg))

	r.Mount(apiBasePath, a.Router())

	webHandler, err := web.Handler()
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	r.Handle("/*", webHandler)

	return r, a, nil
}

// newLogger builds the process logger from the log config.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", lc.Format)
	}
}
