package httpprobe

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractAssets counts the resources a page references.
func extractAssets(body []byte, pageURL string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var (
		scripts, inline, thirdParty, asyncScripts int
		thirdPartyHosts                           = map[string]struct{}{}
	)
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || strings.TrimSpace(src) == "" {
			inline++
			return
		}
		scripts++
		if _, async := s.Attr("async"); async {
			asyncScripts++
		} else if _, deferred := s.Attr("defer"); deferred {
			asyncScripts++
		}
		if host := resolveHost(base, src); host != "" && base != nil && !sameSite(host, base.Hostname()) {
			thirdParty++
			thirdPartyHosts[host] = struct{}{}
		}
	})

	hosts := make([]string, 0, len(thirdPartyHosts))
	for h := range thirdPartyHosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	images := doc.Find("img")
	lazyImages := images.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(s.AttrOr("loading", ""), "lazy")
	}).Length()

	return map[string]any{
		"scripts":           scripts,
		"inlineScripts":     inline,
		"blockingScripts":   scripts - asyncScripts,
		"thirdPartyScripts": thirdParty,
		"thirdPartyHosts":   hosts,
		"stylesheets":       doc.Find(`link[rel~="stylesheet"]`).Length(),
		"inlineStyles":      doc.Find("style").Length(),
		"images":            images.Length(),
		"lazyImages":        lazyImages,
		"preloads":          doc.Find(`link[rel~="preload"]`).Length(),
		"preconnects":       doc.Find(`link[rel~="preconnect"]`).Length(),
		"title":             strings.TrimSpace(doc.Find("title").First().Text()),
		"viewportMeta":      doc.Find(`meta[name="viewport"]`).Length() > 0,
	}, nil
}

func resolveHost(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return strings.ToLower(u.Hostname())
}

// sameSite treats subdomains of the page host (and vice versa) as first party.
func sameSite(host, pageHost string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	pageHost = strings.TrimPrefix(strings.ToLower(pageHost), "www.")
	return host == pageHost || strings.HasSuffix(host, "."+pageHost) || strings.HasSuffix(pageHost, "."+host)
}

// cachingSignals summarizes the response's HTTP caching headers.
func cachingSignals(h http.Header) map[string]any {
	cc := strings.ToLower(h.Get("Cache-Control"))
	directives := parseCacheControl(cc)

	out := map[string]any{
		"cacheControl":   nilIfEmpty(h.Get("Cache-Control")),
		"etag":           nilIfEmpty(h.Get("ETag")),
		"lastModified":   nilIfEmpty(h.Get("Last-Modified")),
		"expires":        nilIfEmpty(h.Get("Expires")),
		"age":            nil,
		"vary":           nilIfEmpty(h.Get("Vary")),
		"cdnCacheStatus": nilIfEmpty(firstHeader(h, "CF-Cache-Status", "X-Vercel-Cache", "X-Cache", "X-Nf-Cache-Status")),
		"maxAge":         nil,
		"sMaxAge":        nil,
	}
	if age, err := strconv.Atoi(strings.TrimSpace(h.Get("Age"))); err == nil {
		out["age"] = age
	}
	if v, ok := directives["max-age"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out["maxAge"] = n
		}
	}
	if v, ok := directives["s-maxage"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out["sMaxAge"] = n
		}
	}

	_, noStore := directives["no-store"]
	_, private := directives["private"]
	positiveTTL := false
	for _, k := range []string{"maxAge", "sMaxAge"} {
		if n, ok := out[k].(int); ok && n > 0 {
			positiveTTL = true
		}
	}
	validators := h.Get("ETag") != "" || h.Get("Last-Modified") != ""
	out["cacheable"] = !noStore && !private && (positiveTTL || h.Get("Expires") != "" || validators)
	return out
}

func parseCacheControl(v string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, _ := strings.Cut(part, "=")
		out[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return out
}

// platformSignals detects CDN/edge providers and transport features from headers.
func platformSignals(h http.Header) map[string]any {
	server := h.Get("Server")
	ray := h.Get("CF-Ray")
	cloudflare := map[string]any{
		"detected":    ray != "" || strings.EqualFold(server, "cloudflare"),
		"ray":         nilIfEmpty(ray),
		"cacheStatus": nilIfEmpty(h.Get("CF-Cache-Status")),
		"colo":        nil,
	}
	if i := strings.LastIndex(ray, "-"); i >= 0 && i < len(ray)-1 {
		cloudflare["colo"] = strings.ToUpper(ray[i+1:])
	}

	compression := h.Get("Content-Encoding")
	if compression == "" {
		compression = "none"
	}
	return map[string]any{
		"cdn":             detectCDN(h),
		"server":          nilIfEmpty(server),
		"poweredBy":       nilIfEmpty(h.Get("X-Powered-By")),
		"cloudflare":      cloudflare,
		"http3Advertised": strings.Contains(strings.ToLower(h.Get("Alt-Svc")), "h3"),
		"hsts":            h.Get("Strict-Transport-Security") != "",
		"compression":     compression,
	}
}

func detectCDN(h http.Header) any {
	server := strings.ToLower(h.Get("Server"))
	via := strings.ToLower(h.Get("Via"))
	switch {
	case h.Get("CF-Ray") != "" || server == "cloudflare":
		return "cloudflare"
	case h.Get("X-Amz-Cf-Id") != "" || strings.Contains(via, "cloudfront"):
		return "cloudfront"
	case h.Get("X-Fastly-Request-Id") != "" || strings.Contains(h.Get("X-Served-By"), "cache-"):
		return "fastly"
	case strings.Contains(server, "akamai") || h.Get("X-Akamai-Transformed") != "":
		return "akamai"
	case h.Get("X-Vercel-Id") != "":
		return "vercel"
	case h.Get("X-Nf-Request-Id") != "":
		return "netlify"
	case strings.Contains(via, "varnish"):
		return "varnish"
	default:
		return nil
	}
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
