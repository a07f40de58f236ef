package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrub/internal/audit"
	"scrub/internal/detect"
	"scrub/internal/engine"
	"scrub/internal/stats"
)

type fakeScrubber struct {
	calls int
	err   error
}

func (f *fakeScrubber) Scrub(_ context.Context, text, language string) (*engine.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &engine.Result{Text: strings.ToUpper(text), Language: language}, nil
}

func realEngine(t *testing.T) (*engine.Engine, *detect.Registry) {
	t.Helper()
	defs, err := detect.DefaultRecognizers()
	require.NoError(t, err)
	lex, _, err := detect.NewLexiconModel("en")
	require.NoError(t, err)
	reg, err := detect.NewRegistry(detect.RegistryConfig{
		Recognizers: defs,
		Models:      map[string]detect.Model{"en": lex},
	})
	require.NoError(t, err)
	eng, err := engine.New(engine.DefaultConfig(), reg)
	require.NoError(t, err)
	return eng, reg
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/scrub", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	h := New(&fakeScrubber{}).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestScrubEndpoint(t *testing.T) {
	eng, _ := realEngine(t)
	h := New(eng).Routes()
	rec := post(t, h, `{"transcript":"Call me at 555-123-4567"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp scrubResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Call me at ", resp.ScrubbedText)
	assert.Equal(t, "en", resp.Language)
	require.Len(t, resp.Entities, 1)
	assert.Equal(t, detect.KindPhone, resp.Entities[0].Kind)
	assert.NotEmpty(t, rec.Header().Get("X-Scrub-Trace"))
}

func TestScrubEntityOffsetsInJSON(t *testing.T) {
	eng, _ := realEngine(t)
	h := New(eng).Routes()
	rec := post(t, h, `{"transcript":"Grüße, ruf 555-123-4567 an"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var raw struct {
		Entities []map[string]any `json:"entities"`
	}
	decode(t, rec, &raw)
	require.Len(t, raw.Entities, 1)
	e := raw.Entities[0]
	assert.EqualValues(t, 11, e["start"], "start counts characters")
	assert.EqualValues(t, 23, e["end"])
	assert.EqualValues(t, 13, e["byte_start"])
	assert.EqualValues(t, 25, e["byte_end"])
	assert.Contains(t, e, "confidence")
	assert.NotContains(t, e, "score")
}

func TestScrubRejectsMissingTranscriptBeforeEngine(t *testing.T) {
	fake := &fakeScrubber{}
	h := New(fake).Routes()
	for _, body := range []string{`{}`, `{"transcript":""}`, `{"lang":"en"}`} {
		rec := post(t, h, body, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
	}
	rec := post(t, h, `{"transcript":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, fake.calls)
}

func TestScrubDefaultsLanguage(t *testing.T) {
	h := New(&fakeScrubber{}).Routes()
	rec := post(t, h, `{"transcript":"hi"}`, nil)
	var resp scrubResponse
	decode(t, rec, &resp)
	assert.Equal(t, "en", resp.Language)
	assert.Equal(t, "HI", resp.ScrubbedText)
}

func TestAPIKey(t *testing.T) {
	h := New(&fakeScrubber{}, WithAPIKey("s3cret")).Routes()
	assert.Equal(t, http.StatusForbidden, post(t, h, `{"transcript":"x"}`, nil).Code)
	assert.Equal(t, http.StatusForbidden, post(t, h, `{"transcript":"x"}`, map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusOK, post(t, h, `{"transcript":"x"}`, map[string]string{"X-API-Key": "s3cret"}).Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestScrubErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{errors.New("boom"), http.StatusInternalServerError, "Error processing text: boom"},
		{fmt.Errorf("%w: ctx", engine.ErrTimeout), http.StatusGatewayTimeout, "timed out"},
		{fmt.Errorf("%w: \"sw\"", detect.ErrUnsupportedLanguage), http.StatusBadRequest, "unsupported language"},
	}
	for _, c := range cases {
		h := New(&fakeScrubber{err: c.err}).Routes()
		rec := post(t, h, `{"transcript":"x","lang":"sw"}`, nil)
		assert.Equal(t, c.status, rec.Code)
		var body map[string]string
		decode(t, rec, &body)
		assert.Contains(t, body["message"], c.msg)
	}
}

func TestBodyTooLarge(t *testing.T) {
	h := New(&fakeScrubber{}, WithMaxBodyBytes(16)).Routes()
	rec := post(t, h, `{"transcript":"`+strings.Repeat("a", 64)+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := New(&fakeScrubber{}, WithRateLimit(0.001, 1)).Routes()
	assert.Equal(t, http.StatusOK, post(t, h, `{"transcript":"x"}`, nil).Code)
	rec := post(t, h, `{"transcript":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, `{"transcript":"x"}`, map[string]string{"X-API-Key": "other"}).Code,
		"an unverified key header does not buy a fresh bucket")
}

func TestRateLimitKeysByAddressWithoutAPIKey(t *testing.T) {
	h := New(&fakeScrubber{}, WithRateLimit(0.001, 1)).Routes()
	for i := 0; i < 5; i++ {
		rec := post(t, h, `{"transcript":"x"}`, map[string]string{"X-API-Key": fmt.Sprintf("rotated-%d", i)})
		if i == 0 {
			assert.Equal(t, http.StatusOK, rec.Code)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "request %d", i)
	}

	req := httptest.NewRequest(http.MethodPost, "/scrub", strings.NewReader(`{"transcript":"x"}`))
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "another address has its own bucket")
}

func TestRateLimitKeysByVerifiedAPIKey(t *testing.T) {
	h := New(&fakeScrubber{}, WithAPIKey("s3cret"), WithRateLimit(0.001, 1)).Routes()
	auth := map[string]string{"X-API-Key": "s3cret"}
	assert.Equal(t, http.StatusOK, post(t, h, `{"transcript":"x"}`, auth).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, `{"transcript":"x"}`, auth).Code)
	assert.Equal(t, http.StatusForbidden, post(t, h, `{"transcript":"x"}`, map[string]string{"X-API-Key": "guess"}).Code)
}

func TestRateLimiterEvictsIdleCallers(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("addr:10.0.0.%d", i))
	}
	assert.Equal(t, 50, rl.Len())

	now = now.Add(limiterIdleTTL / 2)
	rl.Allow("addr:10.0.1.1")
	assert.Equal(t, 51, rl.Len())

	now = now.Add(limiterIdleTTL)
	assert.True(t, rl.Allow("addr:10.0.1.2"))
	assert.Equal(t, 1, rl.Len(), "only the caller seen this tick survives")
}

func TestAuditAndStats(t *testing.T) {
	eng, _ := realEngine(t)
	path := filepath.Join(t.TempDir(), "audit.log")
	store, err := audit.NewJSONLLogger(path)
	require.NoError(t, err)
	fp, err := audit.NewFingerprinter("key")
	require.NoError(t, err)
	h := New(eng, WithAudit(store, fp)).Routes()

	require.Equal(t, http.StatusOK, post(t, h, `{"transcript":"Call me at 555-123-4567"}`, nil).Code)
	require.Equal(t, http.StatusUnprocessableEntity, post(t, h, `{"transcript":""}`, nil).Code)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "555-123-4567")
	assert.NotContains(t, string(raw), "Call me")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st stats.Stats
	decode(t, rec, &st)
	assert.Equal(t, 2, st.Requests.Total)
	assert.Equal(t, 1, st.Requests.Failed)
	assert.Equal(t, 1, st.Entities.ByKind[detect.KindPhone])
	assert.Equal(t, "running", st.Status)
}

func TestRecognizersEndpoint(t *testing.T) {
	eng, reg := realEngine(t)
	h := New(eng, WithDescriber(reg)).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recognizers?lang=en", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"phone"`)
	assert.Contains(t, rec.Body.String(), "ner:lexicon:en")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recognizers?lang=sw", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
