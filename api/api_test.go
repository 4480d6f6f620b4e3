package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/formkey/api"
	"github.com/jmcleod/formkey/challenge"
	"github.com/jmcleod/formkey/session"
)

const testSecret = "test-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv   *httptest.Server
	clock *fakeClock
	api   *api.API
}

func setupServer(t *testing.T, cfg challenge.Config, opts ...api.Option) *testEnv {
	t.Helper()
	return setupServerWithStore(t, session.NewMemoryStore(0), cfg, opts...)
}

func setupServerWithStore(t *testing.T, store session.Store, cfg challenge.Config, opts ...api.Option) *testEnv {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	clock := newFakeClock()
	opts = append([]api.Option{
		api.WithClock(clock.Now),
		api.WithBasePath("/api/v1"),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	a := api.New(store, cfg, opts...)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testEnv{srv: srv, clock: clock, api: a}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) url(path string) string {
	return e.srv.URL + "/api/v1" + path
}

func (e *testEnv) issue(t *testing.T, client *http.Client, ns string) api.IssueResponse {
	t.Helper()
	u := e.url("/challenge")
	if ns != "" {
		u += "?instance=" + ns
	}
	resp, err := client.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.IssueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) fetchKey(t *testing.T, client *http.Client, keyURL string) (int, string) {
	t.Helper()
	resp, err := client.Post(e.srv.URL+keyURL, "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (e *testEnv) submit(t *testing.T, client *http.Client, ns string, form url.Values) (*http.Response, api.ErrorResponse) {
	t.Helper()
	u := e.url("/submit")
	if ns != "" {
		u += "?instance=" + ns
	}
	resp, err := client.PostForm(u, form)
	require.NoError(t, err)
	defer resp.Body.Close()

	var errResp api.ErrorResponse
	if resp.StatusCode != http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	}
	return resp, errResp
}

func TestIssueFetchSubmit(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	assert.Equal(t, "", issued.Namespace)
	assert.Equal(t, "/api/v1/challenge/key", issued.KeyURL)
	assert.Len(t, issued.FieldName, 64, "sha256 hex field name")
	assert.Zero(t, issued.MinSubmitDelayMS)

	status, key := env.fetchKey(t, client, issued.KeyURL)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, key, 64)

	resp, _ := env.submit(t, client, "", url.Values{issued.FieldName: {key}, "name": {"Ada"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOneTimeUse(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)
	form := url.Values{issued.FieldName: {key}}

	resp, _ := env.submit(t, client, "", form)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, errResp := env.submit(t, client, "", form)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Please enable JavaScript to submit this form", errResp.Error)

	status, _ := env.fetchKey(t, client, issued.KeyURL)
	assert.Equal(t, http.StatusNotFound, status, "consumed challenge has no key")
}

func TestRendersShareChallenge(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	first := env.issue(t, client, "")
	_, key1 := env.fetchKey(t, client, first.KeyURL)

	env.clock.Advance(30 * time.Second)
	second := env.issue(t, client, "")
	_, key2 := env.fetchKey(t, client, second.KeyURL)

	assert.Equal(t, first.FieldName, second.FieldName)
	assert.Equal(t, key1, key2)
}

func TestNewChallengeAfterConsumption(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	first := env.issue(t, client, "")
	_, key1 := env.fetchKey(t, client, first.KeyURL)
	resp, _ := env.submit(t, client, "", url.Values{first.FieldName: {key1}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Advance(2 * time.Second)
	second := env.issue(t, client, "")
	_, key2 := env.fetchKey(t, client, second.KeyURL)
	assert.NotEqual(t, key1, key2)
	assert.NotEqual(t, first.FieldName, second.FieldName)
}

func TestKeyBeforeRender(t *testing.T) {
	env := setupServer(t, challenge.Config{})

	status, _ := env.fetchKey(t, newClient(t), "/api/v1/challenge/key")
	assert.Equal(t, http.StatusNotFound, status, "no session")

	client := newClient(t)
	env.issue(t, client, "")
	status, _ = env.fetchKey(t, client, "/api/v1/challenge/key?instance=other")
	assert.Equal(t, http.StatusNotFound, status, "no challenge in namespace")
}

func TestSubmitWithoutJavaScript(t *testing.T) {
	env := setupServer(t, challenge.Config{})

	// No session at all.
	resp, errResp := env.submit(t, newClient(t), "", url.Values{"name": {"bot"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Please enable JavaScript to submit this form", errResp.Error)

	// Page rendered but the script never ran.
	client := newClient(t)
	env.issue(t, client, "")
	resp, _ = env.submit(t, client, "", url.Values{"name": {"bot"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTamperedToken(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)

	last := key[len(key)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	resp, _ := env.submit(t, client, "", url.Values{issued.FieldName: {key[:len(key)-1] + string(flipped)}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.submit(t, client, "", url.Values{issued.FieldName: {key}})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "rejected tamper leaves the challenge live")
}

func TestTokenInQueryString(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)

	q := url.Values{issued.FieldName: {key}}
	resp, err := client.Post(env.url("/submit?"+q.Encode()), "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMinSubmitDelay(t *testing.T) {
	env := setupServer(t, challenge.Config{MinSubmitDelay: 2 * time.Second})
	client := newClient(t)

	issued := env.issue(t, client, "")
	assert.Equal(t, int64(2000), issued.MinSubmitDelayMS)
	_, key := env.fetchKey(t, client, issued.KeyURL)
	form := url.Values{issued.FieldName: {key}}

	env.clock.Advance(500 * time.Millisecond)
	resp, errResp := env.submit(t, client, "", form)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, int64(1500), errResp.RetryAfterMS)

	// The rejection restarted the window at t+500ms.
	env.clock.Advance(1000 * time.Millisecond)
	resp, errResp = env.submit(t, client, "", form)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int64(1000), errResp.RetryAfterMS)

	env.clock.Advance(2100 * time.Millisecond)
	resp, _ = env.submit(t, client, "", form)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNamespaceIsolation(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	def := env.issue(t, client, "")
	news := env.issue(t, client, "news")
	assert.Equal(t, "news", news.Namespace)
	assert.Equal(t, "/api/v1/challenge/key?instance=news", news.KeyURL)

	_, defKey := env.fetchKey(t, client, def.KeyURL)
	_, newsKey := env.fetchKey(t, client, news.KeyURL)

	resp, _ := env.submit(t, client, "news", url.Values{news.FieldName: {newsKey}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Consuming "news" leaves the default challenge live.
	status, key := env.fetchKey(t, client, def.KeyURL)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, defKey, key)

	resp, _ = env.submit(t, client, "", url.Values{def.FieldName: {defKey}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidNamespace(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	resp, err := client.Get(env.url("/challenge?instance=not-valid"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.submit(t, client, "not-valid", url.Values{"x": {"y"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionCookie(t *testing.T) {
	env := setupServer(t, challenge.Config{}, api.WithCookieName("fk"))

	resp, err := http.Get(env.url("/challenge"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "fk" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.False(t, cookie.Secure, "plain http test server")
	assert.Equal(t, "/", cookie.Path)

	// A client with an unknown session ID gets a fresh one.
	req, err := http.NewRequest(http.MethodGet, env.url("/challenge"), nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "fk", Value: "forged"})
	req.Header.Set("X-Forwarded-Proto", "https")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, resp.Cookies(), 1)
	assert.NotEqual(t, "forged", resp.Cookies()[0].Value)
	assert.True(t, resp.Cookies()[0].Secure)
}

type failingStore struct {
	session.Store
}

func (failingStore) Create(context.Context, time.Duration) (string, error) {
	return "", errors.New("store offline")
}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, nil
}

func TestSessionUnavailable(t *testing.T) {
	env := setupServerWithStore(t, failingStore{}, challenge.Config{})

	resp, err := newClient(t).Get(env.url("/challenge"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var errResp api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "session unavailable", errResp.Error)
}

func TestChallengeScript(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	resp, err := client.Get(env.url("/challenge/script?form=contact&instance=news"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	// The script was issued against the same challenge the page sees.
	issued := env.issue(t, client, "news")
	assert.Contains(t, string(body), `"`+issued.FieldName+`"`)
	assert.Contains(t, string(body), `"/api/v1/challenge/key?instance=news"`)
	assert.Contains(t, string(body), `"contact"`)

	resp, err = client.Get(env.url("/challenge/script"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeyResponseHeaders(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	resp, err := client.Get(env.srv.URL + issued.KeyURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestAuditLogOmitsSecrets(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil))
	env := setupServer(t, challenge.Config{}, api.WithLogger(logger))
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)
	env.submit(t, client, "", url.Values{issued.FieldName: {key}})
	env.submit(t, client, "", url.Values{issued.FieldName: {key}})

	mu.Lock()
	out := buf.String()
	mu.Unlock()

	for _, event := range []string{"session_started", "challenge_issued", "key_served", "validation_success", "validation_invalid_token"} {
		assert.Contains(t, out, `"event":"`+event+`"`)
	}
	assert.Contains(t, out, `"component":"audit"`)
	assert.NotContains(t, out, key)
	assert.NotContains(t, out, testSecret)

	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(u) {
		assert.NotContains(t, out, c.Value)
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := setupServer(t, challenge.Config{}, api.WithRegistry(reg))
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)
	env.submit(t, client, "", url.Values{issued.FieldName: {key}})
	env.submit(t, client, "", url.Values{issued.FieldName: {key}})

	rec := httptest.NewRecorder()
	api.MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, "formkey_challenges_issued_total 1")
	assert.Contains(t, body, "formkey_keys_served_total 1")
	assert.Contains(t, body, "formkey_sessions_started_total 1")
	assert.Contains(t, body, `formkey_validations_total{result="success"} 1`)
	assert.Contains(t, body, `formkey_validations_total{result="invalid_token"} 1`)
	assert.True(t, strings.Contains(body, "formkey_http_request_duration_seconds_bucket"))
}

func TestConcurrentSubmitsConsumeOnce(t *testing.T) {
	env := setupServer(t, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)
	form := url.Values{issued.FieldName: {key}}

	const n = 8
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.PostForm(env.url("/submit"), form)
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	accepted := 0
	for code := range codes {
		if code == http.StatusOK {
			accepted++
		} else {
			assert.Equal(t, http.StatusForbidden, code)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestClockIndependentOfStore(t *testing.T) {
	for _, at := range []time.Time{time.Unix(1000, 0), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)} {
		t.Run(at.UTC().Format(time.DateOnly), func(t *testing.T) {
			env := setupServer(t, challenge.Config{}, api.WithClock(func() time.Time { return at }))
			client := newClient(t)

			issued := env.issue(t, client, "")
			code, key := env.fetchKey(t, client, issued.KeyURL)
			require.Equal(t, http.StatusOK, code)

			resp, _ := env.submit(t, client, "", url.Values{issued.FieldName: {key}})
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestReplicasShareOneTimeUse(t *testing.T) {
	mr := miniredis.RunT(t)
	newReplica := func() *testEnv {
		store := session.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
		t.Cleanup(func() { _ = store.Close() })
		return setupServerWithStore(t, store, challenge.Config{})
	}
	replicas := []*testEnv{newReplica(), newReplica()}
	client := newClient(t)

	issued := replicas[0].issue(t, client, "")
	code, key := replicas[1].fetchKey(t, client, issued.KeyURL)
	require.Equal(t, http.StatusOK, code, "a session started on one replica is visible on the other")
	form := url.Values{issued.FieldName: {key}}

	const n = 10
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(env *testEnv) {
			defer wg.Done()
			resp, err := client.PostForm(env.url("/submit"), form)
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}(replicas[i%2])
	}
	wg.Wait()
	close(codes)

	accepted := 0
	for code := range codes {
		if code == http.StatusOK {
			accepted++
		} else {
			assert.Equal(t, http.StatusForbidden, code)
		}
	}
	assert.Equal(t, 1, accepted, "the token is accepted once across all replicas")
}

// vanishingStore reports sessions as present but loses them on Update once
// gone is set, as when a session expires between the middleware and the
// handler.
type vanishingStore struct {
	session.Store
	gone atomic.Bool
}

func (s *vanishingStore) Update(ctx context.Context, id string, fn func(*session.Session) error) error {
	if s.gone.Load() {
		return session.ErrNotFound
	}
	return s.Store.Update(ctx, id, fn)
}

func TestSessionExpiresMidRequest(t *testing.T) {
	store := &vanishingStore{Store: session.NewMemoryStore(0)}
	env := setupServerWithStore(t, store, challenge.Config{})
	client := newClient(t)

	issued := env.issue(t, client, "")
	_, key := env.fetchKey(t, client, issued.KeyURL)
	store.gone.Store(true)

	resp, errResp := env.submit(t, client, "", url.Values{issued.FieldName: {key}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Please enable JavaScript to submit this form", errResp.Error)

	code, _ := env.fetchKey(t, client, issued.KeyURL)
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := client.Get(env.url("/challenge"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
