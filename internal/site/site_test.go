package site

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: timeout")
	tests := []struct {
		name   string
		err    error
		target error
		status int
		msg    string
	}{
		{"validation", Validation("site url required"), ErrValidation, http.StatusBadRequest, "site url required"},
		{"analysis", AnalysisFailure(cause), ErrAnalysis, http.StatusInternalServerError, "analysis failed: dial tcp: timeout"},
		{"insight", InsightFailure(cause), ErrInsight, http.StatusInternalServerError, "insight generation failed: dial tcp: timeout"},
		{"internal", Internal("load state", cause), ErrInternal, http.StatusInternalServerError, "load state: dial tcp: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("actor: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.target)
			require.Equal(t, tt.status, HTTPStatus(wrapped))
			require.Equal(t, tt.msg, tt.err.Error())
		})
	}

	require.NotErrorIs(t, Validation("x"), ErrAnalysis)
	require.ErrorIs(t, AnalysisFailure(cause), cause)
}

func TestKindOfUnknownErrorIsInternal(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestStateLatestAndRecentTurns(t *testing.T) {
	t.Parallel()

	var empty State
	require.Nil(t, empty.Latest())
	require.Empty(t, empty.RecentTurns(5))

	now := time.Unix(1700000000, 0).UTC()
	state := State{
		Reports: []AnalysisReport{{ID: "r1"}, {ID: "r2"}},
	}
	for i := 0; i < 7; i++ {
		state.Turns = append(state.Turns, ChatTurn{
			Role:      RoleUser,
			Content:   fmt.Sprintf("turn-%d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	latest := state.Latest()
	require.NotNil(t, latest)
	require.Equal(t, "r2", latest.ID)

	recent := state.RecentTurns(5)
	require.Len(t, recent, 5)
	require.Equal(t, "turn-2", recent[0].Content)
	require.Equal(t, "turn-6", recent[4].Content)

	recent[0].Content = "modified"
	require.Equal(t, "turn-2", state.Turns[2].Content, "expected RecentTurns to return a copy")
	require.Len(t, state.RecentTurns(50), 7)
}

func TestNewReportFallsBackToSourceURL(t *testing.T) {
	t.Parallel()

	ts := time.Unix(100, 0).UTC()
	report := NewReport("id-1", "example.com", "https://example.com", Measurement{
		CapturedAt: ts,
		Metrics:    map[string]any{"ttfbMs": 12},
	})
	require.Equal(t, "https://example.com", report.URL)
	require.Equal(t, "example.com", report.SiteID)
	require.Equal(t, ts, report.Timestamp)
	require.Nil(t, report.Insights)
}
