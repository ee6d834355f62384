package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/site-insights/internal/site"
)

type topic string

const (
	topicCaching   topic = "caching"
	topicAssets    topic = "assets"
	topicVitals    topic = "vitals"
	topicPlatform  topic = "platform"
	topicAdvice    topic = "advice"
	topicOverview  topic = "overview"
	topicFollowUp  topic = "followup"
	noAnalysisText       = "I don't have an analysis for this site yet. Run an analysis first and I can explain its caching, assets, vitals and platform."
)

var topicKeywords = []struct {
	topic    topic
	keywords []string
}{
	{topicAdvice, []string{"recommend", "improve", "fix", "should i", "what can", "suggest", "optimi"}},
	{topicCaching, []string{"cache", "caching", "etag", "max-age", "expires"}},
	{topicAssets, []string{"script", "javascript", "js", "css", "stylesheet", "image", "asset", "weight", "third"}},
	{topicVitals, []string{"vital", "lcp", "cls", "fcp", "ttfb", "slow", "fast", "speed", "performance", "load"}},
	{topicPlatform, []string{"cdn", "cloudflare", "edge", "platform", "server", "http3", "http/3", "compression", "host"}},
	{topicFollowUp, []string{"more", "else", "explain", "why", "detail"}},
}

var topicSuggestions = map[topic]string{
	topicCaching:  "How is caching configured?",
	topicAssets:   "Which assets slow the page down?",
	topicVitals:   "How are the Core Web Vitals?",
	topicPlatform: "Which CDN and platform features are in use?",
	topicAdvice:   "What should I fix first?",
}

// Chat answers a question about the site's latest report. history holds the
// recent turns, oldest first, ending with the current message.
func (g *Generator) Chat(ctx context.Context, message string, analysis *site.AnalysisReport, history []site.ChatTurn) (site.ChatReply, error) {
	if err := ctx.Err(); err != nil {
		return site.ChatReply{}, err
	}
	if analysis == nil {
		return site.ChatReply{
			Text:        noAnalysisText,
			Suggestions: []string{"Analyze the site to get started."},
		}, nil
	}

	t := classify(message)
	if t == topicFollowUp || t == "" {
		t = previousTopic(history)
	}

	var text string
	switch t {
	case topicCaching:
		text = cachingAnswer(*analysis)
	case topicAssets:
		text = assetsAnswer(*analysis)
	case topicVitals:
		text = vitalsAnswer(*analysis)
	case topicPlatform:
		text = platformAnswer(*analysis)
	case topicAdvice:
		text = adviceAnswer(*analysis)
	default:
		t = topicOverview
		text = overviewAnswer(*analysis)
	}
	return site.ChatReply{Text: text, Suggestions: suggestionsExcept(t, history)}, nil
}

func classify(message string) topic {
	m := strings.ToLower(message)
	for _, tk := range topicKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(m, kw) {
				return tk.topic
			}
		}
	}
	return ""
}

// previousTopic finds the topic of the most recent earlier user question.
// The final history entry is the current message and is skipped.
func previousTopic(history []site.ChatTurn) topic {
	for i := len(history) - 2; i >= 0; i-- {
		if history[i].Role != site.RoleUser {
			continue
		}
		if t := classify(history[i].Content); t != "" && t != topicFollowUp {
			return t
		}
	}
	return ""
}

func suggestionsExcept(current topic, history []site.ChatTurn) []string {
	asked := map[topic]bool{current: true}
	for _, turn := range history {
		if turn.Role == site.RoleUser {
			asked[classify(turn.Content)] = true
		}
	}
	out := []string{}
	for _, t := range []topic{topicAdvice, topicVitals, topicCaching, topicAssets, topicPlatform} {
		if !asked[t] {
			out = append(out, topicSuggestions[t])
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

func overviewAnswer(r site.AnalysisReport) string {
	if r.Insights != nil && r.Insights.Summary != "" {
		return r.Insights.Summary
	}
	return summary(r)
}

func adviceAnswer(r site.AnalysisReport) string {
	recs := recommendations(r)
	if r.Insights != nil && len(r.Insights.Recommendations) > 0 {
		recs = r.Insights.Recommendations
	}
	if len(recs) == 0 {
		return "Nothing stands out in the latest analysis; the page meets the checked budgets."
	}
	if len(recs) > 3 {
		recs = recs[:3]
	}
	var b strings.Builder
	b.WriteString("Top priorities from the latest analysis:")
	for i, rec := range recs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, rec)
	}
	return b.String()
}

func cachingAnswer(r site.AnalysisReport) string {
	var parts []string
	if cc, ok := r.Caching["cacheControl"].(string); ok {
		parts = append(parts, fmt.Sprintf("Cache-Control is %q", cc))
	} else {
		parts = append(parts, "there is no Cache-Control header")
	}
	if status, ok := r.Caching["cdnCacheStatus"].(string); ok {
		parts = append(parts, "the edge reported cache status "+status)
	}
	if age, ok := number(r.Caching["age"]); ok {
		parts = append(parts, fmt.Sprintf("the cached copy was %d s old", int(age)))
	}
	verdict := "The document is not cacheable as served."
	if cacheable, ok := r.Caching["cacheable"].(bool); ok && cacheable {
		verdict = "The document is cacheable."
	}
	return "For caching, " + strings.Join(parts, ", ") + ". " + verdict
}

func assetsAnswer(r site.AnalysisReport) string {
	scripts, ok := number(r.Assets["scripts"])
	if !ok {
		return "The latest analysis has no asset breakdown."
	}
	third, _ := number(r.Assets["thirdPartyScripts"])
	blocking, _ := number(r.Assets["blockingScripts"])
	styles, _ := number(r.Assets["stylesheets"])
	images, _ := number(r.Assets["images"])
	text := fmt.Sprintf("The page references %d external scripts (%d third-party, %d render-blocking), %d stylesheets and %d images.",
		int(scripts), int(third), int(blocking), int(styles), int(images))
	if hosts, ok := r.Assets["thirdPartyHosts"].([]string); ok && len(hosts) > 0 {
		text += " Third-party hosts: " + strings.Join(hosts, ", ") + "."
	} else if hosts, ok := r.Assets["thirdPartyHosts"].([]any); ok && len(hosts) > 0 {
		names := make([]string, 0, len(hosts))
		for _, h := range hosts {
			names = append(names, fmt.Sprint(h))
		}
		text += " Third-party hosts: " + strings.Join(names, ", ") + "."
	}
	return text
}

func vitalsAnswer(r site.AnalysisReport) string {
	var parts []string
	if lcp, ok := number(r.CoreWebVitals["lcp"]); ok {
		parts = append(parts, fmt.Sprintf("LCP %.1f s (%s)", lcp/1000, lcpRating(lcp)))
	}
	if fcp, ok := number(r.CoreWebVitals["fcp"]); ok {
		parts = append(parts, fmt.Sprintf("FCP %.1f s", fcp/1000))
	}
	if cls, ok := number(r.CoreWebVitals["cls"]); ok {
		parts = append(parts, fmt.Sprintf("CLS %.2f", cls))
	}
	ttfb, ok := number(r.Metrics["ttfbMs"])
	if !ok {
		ttfb, ok = number(r.CoreWebVitals["ttfb"])
	}
	if ok {
		parts = append(parts, fmt.Sprintf("TTFB %.0f ms", ttfb))
	}
	if len(parts) == 0 {
		return "The latest analysis did not capture timing data."
	}
	text := "Measured timings: " + strings.Join(parts, ", ") + "."
	if _, ok := number(r.CoreWebVitals["lcp"]); !ok {
		text += " Lab vitals were not collected, so only fetch timing is available."
	}
	return text
}

func platformAnswer(r site.AnalysisReport) string {
	features := platformFeatures(r)
	if len(features) == 0 {
		return "No CDN or notable platform features were detected from the response headers."
	}
	return "Detected from response headers: " + strings.Join(features, "; ") + "."
}
