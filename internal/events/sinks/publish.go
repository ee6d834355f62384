package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/events"
	"github.com/JakeFAU/site-insights/internal/site"
)

// Notification is the message published for each recorded analysis.
type Notification struct {
	SiteID    string    `json:"siteId"`
	ReportID  string    `json:"reportId"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishSink announces recorded analyses on a topic.
type PublishSink struct {
	publisher site.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink for the topic.
func NewPublishSink(publisher site.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one Notification per analysis.recorded event.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Type != events.TypeAnalysisRecorded || evt.Report == nil {
			continue
		}
		msg := Notification{
			SiteID:    evt.SiteID,
			ReportID:  evt.Report.ID,
			URL:       evt.Report.URL,
			Timestamp: evt.Report.Timestamp,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish report %s: %w", evt.Report.ID, err))
			continue
		}
		s.logger.Debug("analysis published", zap.String("site_id", evt.SiteID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
