package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/events"
	"github.com/JakeFAU/site-insights/internal/site"
)

// ArchiveSink copies every recorded analysis report to a blob store as JSON
// under <prefix>/<escaped siteKey>/<reportID>.json.
type ArchiveSink struct {
	blobs  site.BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink. An empty prefix defaults to "reports".
func NewArchiveSink(blobs site.BlobStore, prefix string, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "reports"
	}
	return &ArchiveSink{blobs: blobs, prefix: prefix, logger: logger}
}

// ObjectPath returns the blob path used for a report. The site key and
// report ID are escaped into single segments so the object always stays
// under the prefix.
func (s *ArchiveSink) ObjectPath(report site.AnalysisReport) string {
	return path.Join(s.prefix, segment(report.SiteID), segment(report.ID)+".json")
}

func segment(v string) string {
	escaped := url.PathEscape(v)
	switch escaped {
	case "", ".", "..":
		return strings.ReplaceAll("_"+escaped, ".", "%2E")
	}
	return escaped
}

// Consume archives the reports carried by analysis.recorded events. Failures
// are collected so one bad upload does not skip the rest of the batch.
func (s *ArchiveSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Type != events.TypeAnalysisRecorded || evt.Report == nil {
			continue
		}
		data, err := json.Marshal(evt.Report)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal report %s: %w", evt.Report.ID, err))
			continue
		}
		uri, err := s.blobs.PutObject(ctx, s.ObjectPath(*evt.Report), "application/json", bytes.NewReader(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("archive report %s: %w", evt.Report.ID, err))
			continue
		}
		s.logger.Debug("report archived", zap.String("site_id", evt.SiteID), zap.String("uri", uri))
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
