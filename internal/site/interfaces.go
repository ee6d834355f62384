package site

import (
	"context"
	"io"
	"time"
)

// Analyzer produces a performance measurement for a URL.
type Analyzer interface {
	Analyze(ctx context.Context, url string) (Measurement, error)
}

// InsightGenerator turns reports and conversations into natural-language text.
// Chat must accept a nil analysis context.
type InsightGenerator interface {
	Summarize(ctx context.Context, report AnalysisReport) (Insights, error)
	Chat(ctx context.Context, message string, analysis *AnalysisReport, history []ChatTurn) (ChatReply, error)
}

// StateStore persists per-key actor state. Implementations only need to be
// safe for one writer per key; the actor registry guarantees that.
type StateStore interface {
	Load(ctx context.Context, key string) (State, error)
	AppendReport(ctx context.Context, key string, report AnalysisReport) error
	AppendTurn(ctx context.Context, key string, turn ChatTurn) error
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes report archives and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces report IDs.
type IDGenerator interface {
	NewID() (string, error)
}
