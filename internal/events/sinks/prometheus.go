package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-insights/internal/events"
)

// PrometheusSink counts recorded analyses, chat turns and failures.
type PrometheusSink struct {
	reports         *prometheus.CounterVec
	chatTurns       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	recommendations prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsights_reports_recorded_total",
			Help: "Analysis reports appended to site histories, by whether insights were attached.",
		}, []string{"insights"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsights_chat_turns_recorded_total",
			Help: "Chat turns appended to site transcripts, by role.",
		}, []string{"role"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteinsights_operation_failures_total",
			Help: "Failed actor operations by operation and error kind.",
		}, []string{"operation", "kind"}),
		recommendations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "siteinsights_report_recommendations",
			Help:    "Recommendations attached per recorded report.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
	}
	for _, collector := range []prometheus.Collector{s.reports, s.chatTurns, s.failures, s.recommendations} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypeAnalysisRecorded:
			withInsights := "false"
			if evt.Report != nil && evt.Report.Insights != nil {
				withInsights = "true"
				s.recommendations.Observe(float64(len(evt.Report.Insights.Recommendations)))
			}
			s.reports.WithLabelValues(withInsights).Inc()
		case events.TypeChatRecorded:
			for _, turn := range evt.Turns {
				s.chatTurns.WithLabelValues(string(turn.Role)).Inc()
			}
		case events.TypeOperationFailed:
			s.failures.WithLabelValues(evt.Operation, string(evt.Kind)).Inc()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
