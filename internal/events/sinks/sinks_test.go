package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/site-insights/internal/events"
	pubmemory "github.com/JakeFAU/site-insights/internal/publisher/memory"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/storage/memory"
)

func TestArchiveSinkWritesReports(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	sink := NewArchiveSink(blobs, "/archive/", nil)
	report := sampleReport()

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		analysisEvent(report),
		chatEvent(),
	}))

	data, ok := blobs.Get("archive/example.com%2FPage/r-1.json")
	require.True(t, ok)
	var got site.AnalysisReport
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, report.ID, got.ID)
	require.Equal(t, report.SiteID, got.SiteID)
	require.Equal(t, 1, blobs.Len())
}

func TestArchiveSinkDefaultsPrefix(t *testing.T) {
	t.Parallel()

	sink := NewArchiveSink(nil, "", nil)
	require.Equal(t, "reports/example.com%2FPage/r-1.json", sink.ObjectPath(sampleReport()))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{analysisEvent(sampleReport())}))
}

func TestArchiveSinkKeepsObjectsUnderPrefix(t *testing.T) {
	t.Parallel()

	sink := NewArchiveSink(nil, "reports", nil)
	tests := []struct {
		siteID string
		id     string
		want   string
	}{
		{"example.com/../../x", "r-1", "reports/example.com%2F..%2F..%2Fx/r-1.json"},
		{"..", "r-1", "reports/_%2E%2E/r-1.json"},
		{"", "r-1", "reports/_/r-1.json"},
		{"example.com/a%20b", "../r-2", "reports/example.com%2Fa%2520b/..%2Fr-2.json"},
	}
	for _, tc := range tests {
		got := sink.ObjectPath(site.AnalysisReport{SiteID: tc.siteID, ID: tc.id})
		require.Equal(t, tc.want, got, tc.siteID)
		require.True(t, strings.HasPrefix(got, "reports/"), got)
		require.Len(t, strings.Split(got, "/"), 3, got)
	}
}

func TestArchiveSinkReportsUploadErrors(t *testing.T) {
	t.Parallel()

	sink := NewArchiveSink(failingBlobs{}, "reports", nil)
	err := sink.Consume(context.Background(), []events.Event{analysisEvent(sampleReport())})
	require.ErrorContains(t, err, "archive report r-1")
}

func TestPublishSinkPublishesNotifications(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	sink := NewPublishSink(pub, "site-analyses", nil)
	report := sampleReport()

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		chatEvent(),
		analysisEvent(report),
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "site-analyses", msgs[0].Topic)
	require.Equal(t, Notification{
		SiteID:    report.SiteID,
		ReportID:  report.ID,
		URL:       report.URL,
		Timestamp: report.Timestamp,
	}, msgs[0].Payload)
}

func TestPrometheusSinkCountsEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	bare := sampleReport()
	bare.Insights = nil
	batch := []events.Event{
		analysisEvent(sampleReport()),
		analysisEvent(bare),
		chatEvent(),
		{
			Type:      events.TypeOperationFailed,
			SiteID:    "example.com",
			Operation: "analyze",
			TS:        time.Now(),
			Kind:      site.KindAnalysis,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.reports.WithLabelValues("true")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.reports.WithLabelValues("false")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.chatTurns.WithLabelValues("user")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.chatTurns.WithLabelValues("assistant")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.failures.WithLabelValues("analyze", "analysis")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.recommendations, "siteinsights_report_recommendations"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLogsEachEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		analysisEvent(sampleReport()),
		chatEvent(),
	}))
	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "site event", entry.Message)
	require.Equal(t, "r-1", entry.ContextMap()["report_id"])
	require.NoError(t, sink.Close(context.Background()))
}

func sampleReport() site.AnalysisReport {
	return site.AnalysisReport{
		ID:        "r-1",
		SiteID:    "example.com/Page",
		URL:       "https://example.com/Page",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Metrics:   map[string]any{"ttfbMs": 120.0},
		Insights:  &site.Insights{Summary: "fast", Recommendations: []string{"a", "b"}},
	}
}

func analysisEvent(report site.AnalysisReport) events.Event {
	return events.Event{
		Type:      events.TypeAnalysisRecorded,
		SiteID:    report.SiteID,
		Operation: "analyze",
		TS:        time.Now(),
		Report:    &report,
	}
}

func chatEvent() events.Event {
	return events.Event{
		Type:      events.TypeChatRecorded,
		SiteID:    "example.com/Page",
		Operation: "chat",
		TS:        time.Now(),
		Turns: []site.ChatTurn{
			{Role: site.RoleUser, Content: "why slow?"},
			{Role: site.RoleAssistant, Content: "images"},
		},
	}
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
