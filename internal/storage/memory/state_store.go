package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/site-insights/internal/site"
)

// StateStore keeps each site's report history and chat transcript in maps.
type StateStore struct {
	mu      sync.RWMutex
	reports map[string][]site.AnalysisReport
	turns   map[string][]site.ChatTurn
}

// NewStateStore constructs an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		reports: make(map[string][]site.AnalysisReport),
		turns:   make(map[string][]site.ChatTurn),
	}
}

// Load returns copies of the stored sequences. Unknown keys yield empty state.
func (s *StateStore) Load(_ context.Context, key string) (site.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st site.State
	if r := s.reports[key]; len(r) > 0 {
		st.Reports = append([]site.AnalysisReport(nil), r...)
	}
	if t := s.turns[key]; len(t) > 0 {
		st.Turns = append([]site.ChatTurn(nil), t...)
	}
	return st, nil
}

// AppendReport adds a report to the key's history.
func (s *StateStore) AppendReport(_ context.Context, key string, report site.AnalysisReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[key] = append(s.reports[key], report)
	return nil
}

// AppendTurn adds a chat turn to the key's transcript.
func (s *StateStore) AppendTurn(_ context.Context, key string, turn site.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[key] = append(s.turns[key], turn)
	return nil
}

// Ping always succeeds.
func (s *StateStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *StateStore) Close() error {
	return nil
}
