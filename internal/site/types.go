// Package site defines the core types and collaborator interfaces shared by the
// router, the per-site actors, and the storage backends.
package site

import "time"

// Role identifies who authored a ChatTurn.
type Role string

// Supported chat roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Measurement is the raw output of an Analyzer before insights are attached.
type Measurement struct {
	URL             string         `json:"url"`
	CapturedAt      time.Time      `json:"timestamp"`
	Metrics         map[string]any `json:"metrics"`
	CoreWebVitals   map[string]any `json:"coreWebVitals"`
	Caching         map[string]any `json:"caching"`
	Assets          map[string]any `json:"assets"`
	PlatformSignals map[string]any `json:"platformSignals"`
}

// Insights is the summary produced by an InsightGenerator for one report.
type Insights struct {
	Summary          string   `json:"summary"`
	Recommendations  []string `json:"recommendations"`
	PlatformFeatures []string `json:"platformFeatures"`
}

// AnalysisReport is one stored performance snapshot plus its insights.
// Reports are immutable once appended to a site's history.
type AnalysisReport struct {
	ID              string         `json:"id"`
	SiteID          string         `json:"siteId"`
	URL             string         `json:"url"`
	Timestamp       time.Time      `json:"timestamp"`
	Metrics         map[string]any `json:"metrics"`
	CoreWebVitals   map[string]any `json:"coreWebVitals"`
	Caching         map[string]any `json:"caching"`
	Assets          map[string]any `json:"assets"`
	PlatformSignals map[string]any `json:"platformSignals"`
	Insights        *Insights      `json:"insights"`
}

// NewReport binds a Measurement to a site key. The measurement URL falls back
// to sourceURL when the analyzer did not report a final URL.
func NewReport(id, siteID, sourceURL string, m Measurement) AnalysisReport {
	url := m.URL
	if url == "" {
		url = sourceURL
	}
	return AnalysisReport{
		ID:              id,
		SiteID:          siteID,
		URL:             url,
		Timestamp:       m.CapturedAt,
		Metrics:         m.Metrics,
		CoreWebVitals:   m.CoreWebVitals,
		Caching:         m.Caching,
		Assets:          m.Assets,
		PlatformSignals: m.PlatformSignals,
	}
}

// ChatTurn is one message in a site's conversation transcript.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatReply is what an InsightGenerator returns for a chat message.
type ChatReply struct {
	Text        string   `json:"response"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// State is the persisted per-key actor state. Both sequences are append-only
// and ordered oldest first.
type State struct {
	Reports []AnalysisReport
	Turns   []ChatTurn
}

// Latest returns the most recent report, the chat analysis context, or nil
// when the site has never been analyzed.
func (s State) Latest() *AnalysisReport {
	if len(s.Reports) == 0 {
		return nil
	}
	latest := s.Reports[len(s.Reports)-1]
	return &latest
}

// RecentTurns returns at most n of the newest turns, oldest first.
func (s State) RecentTurns(n int) []ChatTurn {
	if n <= 0 || len(s.Turns) == 0 {
		return nil
	}
	start := len(s.Turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]ChatTurn, len(s.Turns)-start)
	copy(out, s.Turns[start:])
	return out
}
