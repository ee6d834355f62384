package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/config"
	"github.com/JakeFAU/site-insights/internal/site"
)

func TestBuildServesAnalyzeChatAndHistory(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "public, max-age=60")
		_, _ = w.Write([]byte(`<html><head><title>t</title><script src="/a.js"></script></head><body><img src="/x.png"></body></html>`))
	}))
	defer target.Close()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	}()
	handler := app.Handler()

	rec := post(t, handler, "/api/analyze", map[string]string{"siteUrl": target.URL + "/"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report site.AnalysisReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.NotEmpty(t, report.ID)
	require.NotNil(t, report.Insights)
	require.NotEmpty(t, report.Insights.Summary)
	require.EqualValues(t, 200, report.Metrics["statusCode"])

	rec = post(t, handler, "/api/chat", map[string]string{"siteId": report.SiteID, "message": "how is caching?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reply map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.Contains(t, reply["response"], "Cache-Control")

	req := httptest.NewRequest(http.MethodGet, "/api/history/"+report.SiteID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []site.AnalysisReport `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.History, 1)
	require.Equal(t, report.ID, history.History[0].ID)
}

func TestBuildRejectsUnreachableBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Backend = config.ArchiveLocal
	cfg.Archive.BaseDir = filepath.Join(t.TempDir(), "file")
	require.NoError(t, writeFile(cfg.Archive.BaseDir))

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// --- helpers ---

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("SITEINSIGHTS_STATE_BACKEND", config.StateSQLite)
	t.Setenv("SITEINSIGHTS_STATE_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("SITEINSIGHTS_ARCHIVE_BACKEND", config.ArchiveMemory)
	t.Setenv("SITEINSIGHTS_SERVER_PORT", "18089")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.PubSub.TopicName = "site-analyses"
	return cfg
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("not a directory"), 0o600)
}
