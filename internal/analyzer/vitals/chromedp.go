// Package vitals measures lab Core Web Vitals by loading a page in headless
// Chrome and reading the browser's performance timeline.
package vitals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultSettle            = 1500 * time.Millisecond
)

// Config controls the headless collector.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long the page observers run after load before values are read.
	Settle time.Duration
}

// Collector implements httpprobe.VitalsCollector with chromedp.
type Collector struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a collector with its own browser allocator. Chrome is
// started lazily on the first Collect.
func NewChromedp(cfg Config) (*Collector, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(1366, 768),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Collector{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (c *Collector) Close() {
	c.allocCancel()
}

// Collect navigates to url and returns lcp, fcp, ttfb (ms) and cls. Metrics
// the browser did not report are nil.
func (c *Collector) Collect(ctx context.Context, url string) (map[string]any, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw []byte
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if err := network.SetCacheDisabled(true).Do(ctx); err != nil {
				return fmt.Errorf("disable cache: %w", err)
			}
			if c.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(observerScript(c.cfg.Settle), &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return parseVitals(raw)
}

// observerScript resolves with buffered paint, LCP and layout-shift entries
// after the page has settled.
func observerScript(settle time.Duration) string {
	return fmt.Sprintf(`new Promise((resolve) => {
  const out = {lcp: null, fcp: null, cls: null, ttfb: null};
  const nav = performance.getEntriesByType('navigation')[0];
  if (nav) { out.ttfb = nav.responseStart; }
  for (const e of performance.getEntriesByType('paint')) {
    if (e.name === 'first-contentful-paint') { out.fcp = e.startTime; }
  }
  try {
    new PerformanceObserver((list) => {
      const entries = list.getEntries();
      if (entries.length) { out.lcp = entries[entries.length - 1].startTime; }
    }).observe({type: 'largest-contentful-paint', buffered: true});
  } catch (e) {}
  try {
    let cls = 0;
    new PerformanceObserver((list) => {
      for (const e of list.getEntries()) { if (!e.hadRecentInput) { cls += e.value; } }
      out.cls = cls;
    }).observe({type: 'layout-shift', buffered: true});
    out.cls = cls;
  } catch (e) {}
  setTimeout(() => resolve(JSON.stringify(out)), %d);
})`, settle.Milliseconds())
}

type labVitals struct {
	LCP  *float64 `json:"lcp"`
	FCP  *float64 `json:"fcp"`
	CLS  *float64 `json:"cls"`
	TTFB *float64 `json:"ttfb"`
}

// parseVitals decodes the observer script's result. chromedp hands back the
// resolved value as a JSON string literal.
func parseVitals(raw []byte) (map[string]any, error) {
	var payload string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode vitals result: %w", err)
	}
	var v labVitals
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, fmt.Errorf("decode vitals payload: %w", err)
	}
	return map[string]any{
		"lcp":  orNil(v.LCP),
		"fcp":  orNil(v.FCP),
		"cls":  orNil(v.CLS),
		"ttfb": orNil(v.TTFB),
	}, nil
}

func orNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func (c *Collector) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vitals slot wait canceled: %w", ctx.Err())
	}
}

func (c *Collector) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
