// Package httpprobe is the default site.Analyzer. It fetches a page once with
// colly, derives timing, caching, asset and platform signals from the
// response, and optionally asks a browser-based collector for lab vitals.
package httpprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/policy/ratelimit"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/telemetry"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 5 << 20
	defaultUserAgent    = "site-insights/1.0 (+https://github.com/JakeFAU/site-insights)"
)

// Config controls how pages are fetched.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodyBytes  int
}

// VitalsCollector measures lab Core Web Vitals for a URL.
type VitalsCollector interface {
	Collect(ctx context.Context, url string) (map[string]any, error)
}

// Analyzer implements site.Analyzer.
type Analyzer struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	vitals    VitalsCollector
	clock     site.Clock
	logger    *zap.Logger
	transport http.RoundTripper
}

// New builds an Analyzer. limiter, vitals and logger may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, vitals VitalsCollector, clock site.Clock, logger *zap.Logger) *Analyzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		cfg:       cfg,
		limiter:   limiter,
		vitals:    vitals,
		clock:     clock,
		logger:    logger,
		transport: newHTTPTransport(),
	}
}

// fetchResult is what one colly visit produced.
type fetchResult struct {
	finalURL  string
	status    int
	headers   http.Header
	body      []byte
	ttfb      time.Duration
	total     time.Duration
	redirects int
}

// Analyze fetches rawURL and assembles a Measurement.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (site.Measurement, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return site.Measurement{}, fmt.Errorf("unsupported url %q", rawURL)
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, rawURL); err != nil {
			return site.Measurement{}, err
		}
	}

	res, err := a.fetch(ctx, rawURL)
	if err != nil {
		return site.Measurement{}, err
	}
	telemetry.ObserveAnalyzerFetch(res.status, res.total)
	if a.limiter != nil {
		a.limiter.Backoff(rawURL, res.status)
	}

	assets, err := extractAssets(res.body, res.finalURL)
	if err != nil {
		a.logger.Debug("asset extraction failed", zap.String("url", res.finalURL), zap.Error(err))
		assets = map[string]any{}
	}
	assets["htmlBytes"] = len(res.body)

	m := site.Measurement{
		URL:             res.finalURL,
		Metrics:         buildMetrics(res),
		CoreWebVitals:   a.collectVitals(ctx, res),
		Caching:         cachingSignals(res.headers),
		Assets:          assets,
		PlatformSignals: platformSignals(res.headers),
	}
	if a.clock != nil {
		m.CapturedAt = a.clock.Now()
	}
	return m, nil
}

func (a *Analyzer) collectVitals(ctx context.Context, res fetchResult) map[string]any {
	ttfb := ms(res.ttfb)
	fallback := map[string]any{"lcp": nil, "fcp": nil, "cls": nil, "ttfb": ttfb, "source": "fetch"}
	if a.vitals == nil {
		return fallback
	}
	vitals, err := a.vitals.Collect(ctx, res.finalURL)
	if err != nil {
		a.logger.Warn("vitals collection failed", zap.String("url", res.finalURL), zap.Error(err))
		return fallback
	}
	if v, ok := vitals["ttfb"]; !ok || v == nil {
		vitals["ttfb"] = ttfb
	}
	vitals["source"] = "lab"
	return vitals
}

func (a *Analyzer) fetch(ctx context.Context, rawURL string) (fetchResult, error) {
	var (
		mu       sync.Mutex
		result   fetchResult
		fetchErr error
		start    = time.Now()
	)
	timing := &timingTransport{base: a.transport, start: start}

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.UserAgent = a.cfg.UserAgent
	c.IgnoreRobotsTxt = !a.cfg.RespectRobots
	c.MaxBodySize = a.cfg.MaxBodyBytes
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(a.cfg.Timeout)
	c.WithTransport(timing)

	c.OnRequest(func(r *colly.Request) {
		// Ask for gzip explicitly so Content-Encoding survives; colly decodes it.
		r.Headers.Set("Accept-Encoding", "gzip")
	})
	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result = fetchResult{
			finalURL: r.Request.URL.String(),
			status:   r.StatusCode,
			headers:  headers,
			body:     append([]byte(nil), r.Body...),
			total:    time.Since(start),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		fetchErr = err
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(rawURL) }()

	select {
	case <-ctx.Done():
		return fetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			return fetchResult{}, fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return fetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if result.status == 0 {
			return fetchResult{}, errors.New("no response received")
		}
		var lastURL string
		result.ttfb, result.redirects, lastURL = timing.snapshot()
		if lastURL != "" {
			result.finalURL = lastURL
		}
		return result, nil
	}
}

func buildMetrics(res fetchResult) map[string]any {
	metrics := map[string]any{
		"statusCode":    res.status,
		"ttfbMs":        ms(res.ttfb),
		"totalMs":       ms(res.total),
		"transferBytes": len(res.body),
		"redirects":     res.redirects,
		"contentLength": nil,
	}
	if cl := res.headers.Get("Content-Length"); cl != "" {
		var n int64
		if _, err := fmt.Sscan(cl, &n); err == nil {
			metrics["contentLength"] = n
		}
	}
	if ct := res.headers.Get("Content-Type"); ct != "" {
		metrics["contentType"] = strings.TrimSpace(strings.Split(ct, ";")[0])
	}
	return metrics
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// timingTransport records time-to-headers and URL of the last page request
// (robots.txt excluded) and counts how many page requests a visit needed.
type timingTransport struct {
	base  http.RoundTripper
	start time.Time

	mu       sync.Mutex
	ttfb     time.Duration
	requests int
	lastURL  string
}

func (t *timingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}
	reqStart := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.ttfb = time.Since(reqStart)
	t.requests++
	t.lastURL = req.URL.String()
	t.mu.Unlock()
	return resp, nil
}

func (t *timingTransport) snapshot() (ttfb time.Duration, redirects int, lastURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	redirects = t.requests - 1
	if redirects < 0 {
		redirects = 0
	}
	return t.ttfb, redirects, t.lastURL
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
