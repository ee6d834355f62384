package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-insights/internal/analyzer/httpprobe"
	"github.com/JakeFAU/site-insights/internal/clock/system"
	"github.com/JakeFAU/site-insights/internal/config"
	"github.com/JakeFAU/site-insights/internal/id/uuid"
	"github.com/JakeFAU/site-insights/internal/insight/rules"
	"github.com/JakeFAU/site-insights/internal/policy/ratelimit"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/sitekey"
)

// newAnalyzeCmd runs one analysis and prints the report without touching
// actor state.
func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url>",
		Short: "Analyze a single URL and print the report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			siteURL := strings.TrimSpace(args[0])
			if siteURL == "" {
				return site.Validation("site url required")
			}
			ctx := cmd.Context()
			cfg := rt.cfg.Analyzer
			clock := system.New()
			analyzer := httpprobe.New(httpprobe.Config{
				UserAgent:     cfg.UserAgent,
				Timeout:       config.Seconds(cfg.FetchTimeoutSeconds),
				RespectRobots: cfg.RespectRobots,
				MaxBodyBytes:  cfg.MaxBodyBytes,
			}, ratelimit.New(ratelimit.Config{}), nil, clock, rt.logger.Named("analyzer"))

			m, err := analyzer.Analyze(ctx, siteURL)
			if err != nil {
				return fmt.Errorf("analyze %s: %w", siteURL, err)
			}
			id, err := uuid.New().NewID()
			if err != nil {
				return fmt.Errorf("generate report id: %w", err)
			}
			report := site.NewReport(id, sitekey.Derive(siteURL), siteURL, m)
			insights, err := rules.New().Summarize(ctx, report)
			if err != nil {
				return fmt.Errorf("summarize %s: %w", siteURL, err)
			}
			report.Insights = &insights

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			return nil
		},
	}
}
