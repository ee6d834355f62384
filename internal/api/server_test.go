package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/actor"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/storage/memory"
)

func TestAnalyzeDerivesKeyAndReturnsReport(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/analyze", `{"siteUrl":"https://www.Example.com/Page/"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, []string{"example.com/Page"}, actors.analyzeKeys())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "example.com/Page", body["siteId"])
	require.Equal(t, "https://www.Example.com/Page/", body["url"])
	for _, field := range []string{"timestamp", "metrics", "coreWebVitals", "caching", "assets", "platformSignals", "insights"} {
		require.Contains(t, body, field)
	}
}

func TestAnalyzeRequiresSiteURL(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{`{}`, `{"siteUrl":""}`, `{"siteUrl":"   "}`} {
		actors := newFakeActors()
		server := NewServer(actors, nil, Config{}, zap.NewNop())
		rec := do(t, server, http.MethodPost, "/api/analyze", payload)

		require.Equal(t, http.StatusBadRequest, rec.Code, payload)
		require.JSONEq(t, `{"error":"site url required"}`, rec.Body.String())
		require.Empty(t, actors.analyzeKeys())
	}
}

func TestAnalyzeInvalidJSONIsInternalError(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	rec := do(t, server, http.MethodPost, "/api/analyze", "{invalid")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, decodeError(t, rec), "invalid JSON")
}

func TestAnalyzeActorFailureMapsToEnvelope(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.err = site.AnalysisFailure(errors.New("dial tcp: timeout"))
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/analyze", `{"siteUrl":"https://example.com"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "analysis failed: dial tcp: timeout", decodeError(t, rec))
}

func TestChatForwardsSiteIDVerbatim(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/chat", `{"siteId":"https://www.Example.com/","message":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"response":"echo: hi","suggestions":["ask more"]}`, rec.Body.String())
	require.Equal(t, []string{"https://www.Example.com/"}, actors.chatKeys())
}

func TestChatRequiresSiteIDAndMessage(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		`{"siteId":"example.com","message":""}`,
		`{"siteId":"","message":"hi"}`,
		`{"message":"hi"}`,
		`{}`,
	} {
		actors := newFakeActors()
		server := NewServer(actors, nil, Config{}, zap.NewNop())
		rec := do(t, server, http.MethodPost, "/api/chat", payload)

		require.Equal(t, http.StatusBadRequest, rec.Code, payload)
		require.JSONEq(t, `{"error":"site id and message required"}`, rec.Body.String())
		require.Empty(t, actors.chatKeys())
	}
}

func TestChatInsightFailure(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.err = site.InsightFailure(errors.New("model unavailable"))
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/chat", `{"siteId":"example.com","message":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "insight generation failed: model unavailable", decodeError(t, rec))
}

func TestHistoryKeyMayContainSlashes(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.history = []site.AnalysisReport{{ID: "r1", SiteID: "example.com/Page"}}
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodGet, "/api/history/example.com/Page", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"example.com/Page"}, actors.historyKeys())

	var body struct {
		History []site.AnalysisReport `json:"history"`
		Message *string               `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	require.Equal(t, "r1", body.History[0].ID)
	require.Nil(t, body.Message)
}

func TestHistoryKeepsEscapedKeyVerbatim(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	for _, path := range []string{
		"/api/history/example.com/a%20b",
		"/api/history/example.com/caf%C3%A9",
		"/api/history/example.com%2FPage",
	} {
		rec := do(t, server, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.Equal(t, []string{
		"example.com/a%20b",
		"example.com/caf%C3%A9",
		"example.com%2FPage",
	}, actors.historyKeys())
}

func TestAnalyzedSiteIDFindsItsHistory(t *testing.T) {
	t.Parallel()

	registry, err := actor.NewRegistry(actor.Config{}, actor.Deps{
		Analyzer: stubAnalyzer{},
		Insights: stubInsights{},
		Store:    memory.NewStateStore(),
		IDs:      &stubIDs{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	server := NewServer(registry, nil, Config{}, zap.NewNop())

	for _, siteURL := range []string{
		"https://example.com/a%20b",
		"https://example.com/caf%C3%A9",
		"https://example.com/café",
	} {
		rec := do(t, server, http.MethodPost, "/api/analyze", `{"siteUrl":"`+siteURL+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var report site.AnalysisReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))

		rec = do(t, server, http.MethodGet, "/api/history/"+report.SiteID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			History []site.AnalysisReport `json:"history"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.History, siteURL)
		require.Equal(t, report.ID, body.History[len(body.History)-1].ID, siteURL)
	}
}

func TestHistoryEmptyIncludesMessage(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	rec := do(t, server, http.MethodGet, "/api/history/never.example", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"history":[],"message":"No analysis history yet"}`, rec.Body.String())
}

func TestHistoryRequiresSiteID(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	server := NewServer(actors, nil, Config{}, zap.NewNop())
	rec := do(t, server, http.MethodGet, "/api/history/", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "site id required", decodeError(t, rec))
	require.Empty(t, actors.historyKeys())
}

func TestUnmatchedAPIRoutesAre404(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/analyze"},
		{http.MethodDelete, "/api/chat"},
		{http.MethodPost, "/api/history/example.com"},
		{http.MethodGet, "/api/unknown"},
		{http.MethodGet, "/api"},
	}
	for _, tc := range cases {
		rec := do(t, server, tc.method, tc.path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		require.Contains(t, rec.Body.String(), "Not found")
	}
}

func TestNonAPIPathsServeInfoText(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	for _, path := range []string{"/", "/index.html", "/apix"} {
		rec := do(t, server, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, infoText, rec.Body.String())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	pinger := &fakePinger{}
	server := NewServer(newFakeActors(), pinger, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	pinger.err = errors.New("connection refused")
	rec = do(t, server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	do(t, server, http.MethodGet, "/healthz", "")
	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "siteinsights_http_requests_total")
}

func TestAPIKeyGuardsAPIRoutesOnly(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := do(t, server, http.MethodGet, "/api/history/example.com", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/history/example.com", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeActors(), nil, Config{}, zap.NewNop())
	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "trace-123", rec.Header().Get(requestIDHeader))
}

func TestPanicInActorIsRecovered(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.panicMsg = "boom"
	server := NewServer(actors, nil, Config{}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/chat", `{"siteId":"example.com","message":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", decodeError(t, rec))
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.delay = 200 * time.Millisecond
	server := NewServer(actors, nil, Config{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())

	rec := do(t, server, http.MethodPost, "/api/analyze", `{"siteUrl":"https://example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "request timed out", decodeError(t, rec))
}

func TestConcurrentTimeoutsKeepServing(t *testing.T) {
	t.Parallel()

	actors := newFakeActors()
	actors.delay = 100 * time.Millisecond
	server := NewServer(actors, nil, Config{RequestTimeout: 10 * time.Millisecond}, zap.NewNop())

	var wg sync.WaitGroup
	codes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, server, http.MethodPost, "/api/analyze", `{"siteUrl":"https://example.com"}`)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusServiceUnavailable, code)
	}

	// Let abandoned handlers finish before routing new requests.
	time.Sleep(150 * time.Millisecond)
	rec := do(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, server, http.MethodGet, "/api/history/example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

// --- helpers/fakes ---

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

type fakeActors struct {
	mu       sync.Mutex
	analyze  []string
	chats    []string
	lookups  []string
	history  []site.AnalysisReport
	err      error
	panicMsg string
	delay    time.Duration
}

func newFakeActors() *fakeActors {
	return &fakeActors{}
}

func (f *fakeActors) Analyze(ctx context.Context, key, siteURL string) (site.AnalysisReport, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return site.AnalysisReport{}, site.Internal("request cancelled", ctx.Err())
		}
	}
	f.mu.Lock()
	f.analyze = append(f.analyze, key)
	f.mu.Unlock()
	if f.err != nil {
		return site.AnalysisReport{}, f.err
	}
	return site.AnalysisReport{
		ID:              "r1",
		SiteID:          key,
		URL:             siteURL,
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		Metrics:         map[string]any{"statusCode": 200},
		CoreWebVitals:   map[string]any{"lcp": nil},
		Caching:         map[string]any{},
		Assets:          map[string]any{},
		PlatformSignals: map[string]any{},
		Insights:        &site.Insights{Summary: "fine"},
	}, nil
}

func (f *fakeActors) Chat(_ context.Context, key, message string) (site.ChatReply, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	f.chats = append(f.chats, key)
	f.mu.Unlock()
	if f.err != nil {
		return site.ChatReply{}, f.err
	}
	return site.ChatReply{Text: "echo: " + message, Suggestions: []string{"ask more"}}, nil
}

func (f *fakeActors) History(_ context.Context, key string) ([]site.AnalysisReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.history, nil
}

func (f *fakeActors) analyzeKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.analyze...)
}

func (f *fakeActors) chatKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chats...)
}

func (f *fakeActors) historyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, url string) (site.Measurement, error) {
	return site.Measurement{URL: url, Metrics: map[string]any{"statusCode": 200}}, nil
}

type stubInsights struct{}

func (stubInsights) Summarize(context.Context, site.AnalysisReport) (site.Insights, error) {
	return site.Insights{Summary: "ok", Recommendations: []string{}}, nil
}

func (stubInsights) Chat(_ context.Context, message string, _ *site.AnalysisReport, _ []site.ChatTurn) (site.ChatReply, error) {
	return site.ChatReply{Text: message}, nil
}

type stubIDs struct {
	mu sync.Mutex
	n  int
}

func (g *stubIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("r-%d", g.n), nil
}
