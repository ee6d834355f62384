// Package rules is the default site.InsightGenerator. It derives summaries,
// recommendations and chat answers from report fields with fixed thresholds,
// so the service runs without an external model provider.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/site-insights/internal/site"
)

// Thresholds follow the published "good" limits for the Web Vitals plus
// conventional budgets for the fetch-level metrics.
const (
	slowTTFBMs         = 800
	goodLCPMs          = 2500
	poorLCPMs          = 4000
	goodFCPMs          = 1800
	goodCLS            = 0.1
	blockingScriptsMax = 2
	thirdPartyMax      = 5
	lazyImageMin       = 6
	largeHTMLBytes     = 200 << 10
)

// Generator implements site.InsightGenerator.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// Summarize builds insights for a report.
func (g *Generator) Summarize(ctx context.Context, report site.AnalysisReport) (site.Insights, error) {
	if err := ctx.Err(); err != nil {
		return site.Insights{}, err
	}
	return site.Insights{
		Summary:          summary(report),
		Recommendations:  recommendations(report),
		PlatformFeatures: platformFeatures(report),
	}, nil
}

func summary(r site.AnalysisReport) string {
	var b strings.Builder
	status, _ := number(r.Metrics["statusCode"])
	fmt.Fprintf(&b, "%s responded with HTTP %d", r.URL, int(status))
	if ttfb, ok := number(r.Metrics["ttfbMs"]); ok {
		fmt.Fprintf(&b, " with a time to first byte of %.0f ms", ttfb)
	}
	if total, ok := number(r.Metrics["totalMs"]); ok {
		fmt.Fprintf(&b, " (%.0f ms total)", total)
	}
	b.WriteString(".")

	scripts, okS := number(r.Assets["scripts"])
	third, _ := number(r.Assets["thirdPartyScripts"])
	styles, _ := number(r.Assets["stylesheets"])
	images, _ := number(r.Assets["images"])
	if okS {
		fmt.Fprintf(&b, " The page loads %d scripts (%d third-party), %d stylesheets and %d images.",
			int(scripts), int(third), int(styles), int(images))
	}
	if lcp, ok := number(r.CoreWebVitals["lcp"]); ok {
		fmt.Fprintf(&b, " Lab LCP is %.1f s (%s).", lcp/1000, lcpRating(lcp))
	}
	if cdn, ok := r.PlatformSignals["cdn"].(string); ok && cdn != "" {
		fmt.Fprintf(&b, " It is served through %s.", displayName(cdn))
	}
	if cacheable, ok := r.Caching["cacheable"].(bool); ok {
		if cacheable {
			b.WriteString(" The document is cacheable.")
		} else {
			b.WriteString(" The document is not cacheable.")
		}
	}
	return b.String()
}

func recommendations(r site.AnalysisReport) []string {
	out := []string{}
	if status, ok := number(r.Metrics["statusCode"]); ok && status >= 400 {
		out = append(out, fmt.Sprintf("The page returned HTTP %d; fix the response before tuning performance.", int(status)))
	}
	if ttfb, ok := number(r.Metrics["ttfbMs"]); ok && ttfb > slowTTFBMs {
		out = append(out, fmt.Sprintf("Reduce server response time: TTFB is %.0f ms, aim for under %d ms with edge caching or faster origin rendering.", ttfb, slowTTFBMs))
	}
	if lcp, ok := number(r.CoreWebVitals["lcp"]); ok && lcp > goodLCPMs {
		out = append(out, fmt.Sprintf("Improve Largest Contentful Paint (%.1f s): preload the hero image and cut render-blocking resources.", lcp/1000))
	}
	if fcp, ok := number(r.CoreWebVitals["fcp"]); ok && fcp > goodFCPMs {
		out = append(out, fmt.Sprintf("First Contentful Paint is %.1f s; inline critical CSS and defer non-critical styles.", fcp/1000))
	}
	if cls, ok := number(r.CoreWebVitals["cls"]); ok && cls > goodCLS {
		out = append(out, fmt.Sprintf("Reduce layout shift (CLS %.2f): set explicit width and height on images and embeds.", cls))
	}
	if cacheable, ok := r.Caching["cacheable"].(bool); ok && !cacheable {
		out = append(out, "Add a Cache-Control max-age (or s-maxage for shared caches) so repeat visits and CDNs can reuse the document.")
	}
	if comp, ok := r.PlatformSignals["compression"].(string); ok && comp == "none" {
		out = append(out, "Enable gzip or Brotli compression for HTML responses.")
	}
	if blocking, ok := number(r.Assets["blockingScripts"]); ok && blocking > blockingScriptsMax {
		out = append(out, fmt.Sprintf("Add async or defer to the %d render-blocking scripts.", int(blocking)))
	}
	if third, ok := number(r.Assets["thirdPartyScripts"]); ok && third > thirdPartyMax {
		out = append(out, fmt.Sprintf("Audit the %d third-party scripts; each adds DNS, connection and main-thread cost.", int(third)))
	}
	images, okI := number(r.Assets["images"])
	lazy, _ := number(r.Assets["lazyImages"])
	if okI && images >= lazyImageMin && lazy == 0 {
		out = append(out, fmt.Sprintf("Lazy-load below-the-fold images (%d images, none use loading=\"lazy\").", int(images)))
	}
	if html, ok := number(r.Assets["htmlBytes"]); ok && html > largeHTMLBytes {
		out = append(out, fmt.Sprintf("The HTML document is %d KB; trim inlined data and markup.", int(html)/1024))
	}
	if vp, ok := r.Assets["viewportMeta"].(bool); ok && !vp {
		out = append(out, "Add a viewport meta tag so mobile browsers render at device width.")
	}
	if _, known := r.PlatformSignals["cdn"]; known && r.PlatformSignals["cdn"] == nil {
		out = append(out, "Serve the site through a CDN to shorten round trips for distant visitors.")
	} else if h3, ok := r.PlatformSignals["http3Advertised"].(bool); ok && !h3 {
		out = append(out, "Enable HTTP/3 on the edge to speed up connection setup on lossy networks.")
	}
	return out
}

func platformFeatures(r site.AnalysisReport) []string {
	out := []string{}
	if cdn, ok := r.PlatformSignals["cdn"].(string); ok && cdn != "" {
		feature := displayName(cdn) + " CDN"
		if cf, ok := r.PlatformSignals["cloudflare"].(map[string]any); ok {
			if colo, ok := cf["colo"].(string); ok && colo != "" {
				feature += " (edge " + colo + ")"
			}
		}
		out = append(out, feature)
	}
	if status, ok := r.Caching["cdnCacheStatus"].(string); ok && status != "" {
		out = append(out, "Edge cache status "+strings.ToUpper(status))
	}
	if h3, ok := r.PlatformSignals["http3Advertised"].(bool); ok && h3 {
		out = append(out, "HTTP/3 advertised")
	}
	if comp, ok := r.PlatformSignals["compression"].(string); ok && comp != "" && comp != "none" {
		out = append(out, comp+" compression")
	}
	if hsts, ok := r.PlatformSignals["hsts"].(bool); ok && hsts {
		out = append(out, "HSTS enabled")
	}
	if server, ok := r.PlatformSignals["server"].(string); ok && server != "" {
		out = append(out, "Server: "+server)
	}
	return out
}

func lcpRating(ms float64) string {
	switch {
	case ms <= goodLCPMs:
		return "good"
	case ms <= poorLCPMs:
		return "needs improvement"
	default:
		return "poor"
	}
}

func displayName(cdn string) string {
	switch cdn {
	case "cloudflare":
		return "Cloudflare"
	case "cloudfront":
		return "Amazon CloudFront"
	case "fastly":
		return "Fastly"
	case "akamai":
		return "Akamai"
	case "vercel":
		return "Vercel"
	case "netlify":
		return "Netlify"
	case "varnish":
		return "Varnish"
	default:
		return cdn
	}
}

// number reads a numeric report field whether it came straight from the
// analyzer (ints) or back through JSON (float64).
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
