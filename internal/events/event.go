// Package events carries site actor activity (recorded analyses, chat turns,
// failures) off the request path. Actors emit events into a non-blocking Hub
// that batches them on a background goroutine and fans them out to sinks such
// as the report archive, Pub/Sub notifications, metrics, and logs.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/site-insights/internal/site"
)

// Type denotes what happened inside an actor.
type Type string

// Supported event types.
const (
	TypeAnalysisRecorded Type = "analysis.recorded"
	TypeChatRecorded     Type = "chat.recorded"
	TypeOperationFailed  Type = "operation.failed"
)

// Event captures one completed actor operation.
type Event struct {
	// Type identifies the milestone.
	Type Type
	// SiteID is the actor key the operation ran against.
	SiteID string
	// Operation names the actor operation (analyze, chat, history).
	Operation string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Dur is the time spent inside the actor for the operation.
	Dur time.Duration
	// Report is set for analysis.recorded.
	Report *site.AnalysisReport
	// Turns holds the turns appended by a chat operation.
	Turns []site.ChatTurn
	// Kind and Note describe operation.failed events.
	Kind site.Kind
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SiteID == "" {
		return errors.New("site id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeAnalysisRecorded:
		if e.Report == nil {
			return errors.New("analysis event requires report")
		}
	case TypeChatRecorded:
		if len(e.Turns) == 0 {
			return errors.New("chat event requires turns")
		}
	case TypeOperationFailed:
		if e.Kind == "" {
			return errors.New("failure event requires kind")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
