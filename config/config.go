// Package config loads formkey settings from defaults, an optional YAML file,
// FORMKEY_ environment variables and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/internal/util"
)

// EnvPrefix is the environment variable prefix. Sections are separated by a
// double underscore: FORMKEY_CHALLENGE__MIN_SUBMIT_DELAY_MS=2000.
const EnvPrefix = "FORMKEY_"

// Session backends.
const (
	BackendMemory = "memory"
	BackendBBolt  = "bbolt"
	BackendRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Challenge ChallengeConfig `koanf:"challenge"`
	Session   SessionConfig   `koanf:"session"`
	Log       LogConfig       `koanf:"log"`
	Audit     AuditConfig     `koanf:"audit"`
}

type ServerConfig struct {
	Address      string        `koanf:"address"`
	TLSCert      string        `koanf:"tls_cert"`
	TLSKey       string        `koanf:"tls_key"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ChallengeConfig is the integrator-facing challenge surface.
type ChallengeConfig struct {
	Secret           string `koanf:"secret"`
	MinSubmitDelayMS int    `koanf:"min_submit_delay_ms"`
	Namespace        string `koanf:"namespace"`
	Algorithm        string `koanf:"algorithm"`
	FieldName        string `koanf:"field_name"`
}

type SessionConfig struct {
	Backend     string        `koanf:"backend"`
	TTL         time.Duration `koanf:"ttl"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	CookieName  string        `koanf:"cookie_name"`
	DataDir     string        `koanf:"data_dir"`
	// WrappingKey is a hex-encoded 32-byte key sealing the bbolt session key.
	// When empty it is derived from the challenge secret.
	WrappingKey string      `koanf:"wrapping_key"`
	Redis       RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuditConfig forwards audit events to an external HTTP endpoint when
// WebhookURL is set.
type AuditConfig struct {
	WebhookURL string `koanf:"webhook_url"`
	// WebhookAuthHeader is sent with every delivery, as "Name: Value".
	WebhookAuthHeader string `koanf:"webhook_auth_header"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Challenge: ChallengeConfig{
			Algorithm: "sha256",
		},
		Session: SessionConfig{
			Backend:     BackendMemory,
			TTL:         24 * time.Hour,
			IdleTimeout: 2 * time.Hour,
			CookieName:  "formkey_session",
			DataDir:     "./data",
			Redis:       RedisConfig{Addr: "localhost:6379"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from the defaults, the YAML file at path (if any),
// the environment and overrides, then validates it. Override keys use the
// dotted koanf form, e.g. "challenge.secret".
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Challenge.Secret = util.Normalize(cfg.Challenge.Secret)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Challenge.ToChallenge(); err != nil {
		errs = append(errs, err)
	}
	switch c.Session.Backend {
	case BackendMemory, BackendBBolt, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("session.backend: unknown backend %q", c.Session.Backend))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name must not be empty"))
	}
	if c.Session.WrappingKey != "" {
		if _, err := util.DecodeKey32(c.Session.WrappingKey); err != nil {
			errs = append(errs, fmt.Errorf("session.wrapping_key: %w", err))
		}
	}
	if c.Audit.WebhookAuthHeader != "" && !strings.Contains(c.Audit.WebhookAuthHeader, ":") {
		errs = append(errs, errors.New("audit.webhook_auth_header must have the form \"Name: Value\""))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	return errors.Join(errs...)
}

// ToChallenge converts the configured values into a challenge.Config.
func (c ChallengeConfig) ToChallenge() (challenge.Config, error) {
	alg, err := challenge.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return challenge.Config{}, err
	}
	cfg := challenge.Config{
		Secret:         c.Secret,
		MinSubmitDelay: time.Duration(c.MinSubmitDelayMS) * time.Millisecond,
		Namespace:      c.Namespace,
		Algorithm:      alg,
		FieldName:      c.FieldName,
	}
	if err := cfg.Validate(); err != nil {
		return challenge.Config{}, err
	}
	return cfg, nil
}

// WrappingKeyBytes returns the configured wrapping key, or one derived from
// secret when none is configured.
func (c SessionConfig) WrappingKeyBytes(secret string) ([]byte, error) {
	if c.WrappingKey != "" {
		return util.DecodeKey32(c.WrappingKey)
	}
	return util.HKDF([]byte(secret), []byte("formkey"), []byte("formkey:session_wrapping_key:v1"))
}
