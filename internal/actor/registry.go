// Package actor owns per-site state. Every site key maps to at most one live
// actor goroutine that drains a FIFO mailbox, so operations on one key run
// one at a time in arrival order while different keys proceed in parallel.
package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/events"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/telemetry"
)

// ErrClosed is returned once the registry has begun shutting down.
var ErrClosed = errors.New("actor registry closed")

// Config controls mailbox sizing, idle retirement and collaborator deadlines.
type Config struct {
	// MailboxSize bounds queued operations per key (default 64).
	MailboxSize int
	// IdleTimeout retires an actor with an empty mailbox; <= 0 keeps actors alive.
	IdleTimeout time.Duration
	// AnalyzeTimeout bounds Analyzer calls (default 25s).
	AnalyzeTimeout time.Duration
	// InsightTimeout bounds InsightGenerator calls (default 20s).
	InsightTimeout time.Duration
	// WriteTimeout bounds each StateStore write (default 10s).
	WriteTimeout time.Duration
	// ChatContextTurns is how many recent turns reach the generator (default 5).
	ChatContextTurns int
}

const (
	defaultMailboxSize      = 64
	defaultAnalyzeTimeout   = 25 * time.Second
	defaultInsightTimeout   = 20 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultChatContextTurns = 5
)

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = defaultAnalyzeTimeout
	}
	if c.InsightTimeout <= 0 {
		c.InsightTimeout = defaultInsightTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ChatContextTurns <= 0 {
		c.ChatContextTurns = defaultChatContextTurns
	}
	return c
}

// Deps are the collaborators shared by every actor.
type Deps struct {
	Analyzer site.Analyzer
	Insights site.InsightGenerator
	Store    site.StateStore
	IDs      site.IDGenerator
	Clock    site.Clock
	Events   events.Emitter
	Logger   *zap.Logger
}

// Registry resolves site keys to live actors, creating them on demand.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	actors map[string]*siteActor
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry validates deps and returns an empty Registry.
func NewRegistry(cfg Config, deps Deps) (*Registry, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, errors.New("actor registry: analyzer is required")
	case deps.Insights == nil:
		return nil, errors.New("actor registry: insight generator is required")
	case deps.Store == nil:
		return nil, errors.New("actor registry: state store is required")
	case deps.IDs == nil:
		return nil, errors.New("actor registry: id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Events == nil {
		deps.Events = nopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: deps.Logger.Named("actor"),
		actors: make(map[string]*siteActor),
		quit:   make(chan struct{}),
	}, nil
}

// Analyze runs the analysis pipeline for siteURL on the actor owning key and
// appends the resulting report to its history.
func (r *Registry) Analyze(ctx context.Context, key, siteURL string) (site.AnalysisReport, error) {
	if strings.TrimSpace(siteURL) == "" {
		return site.AnalysisReport{}, site.Validation("site url required")
	}
	if key == "" {
		return site.AnalysisReport{}, site.Validation("site id required")
	}
	return submit(ctx, r, key, opAnalyze, func(ctx context.Context, a *siteActor) (site.AnalysisReport, error) {
		return a.analyze(ctx, siteURL)
	})
}

// Chat records message and the generated reply in the key's transcript.
func (r *Registry) Chat(ctx context.Context, key, message string) (site.ChatReply, error) {
	if strings.TrimSpace(message) == "" {
		return site.ChatReply{}, site.Validation("message required")
	}
	if key == "" {
		return site.ChatReply{}, site.Validation("site id required")
	}
	return submit(ctx, r, key, opChat, func(ctx context.Context, a *siteActor) (site.ChatReply, error) {
		return a.chat(ctx, message)
	})
}

// History returns every report stored for key, oldest first. A key that was
// never analyzed yields an empty slice.
func (r *Registry) History(ctx context.Context, key string) ([]site.AnalysisReport, error) {
	if key == "" {
		return nil, site.Validation("site id required")
	}
	return submit(ctx, r, key, opHistory, func(ctx context.Context, a *siteActor) ([]site.AnalysisReport, error) {
		return a.history(ctx)
	})
}

// Live reports how many actors currently hold a goroutine.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops accepting work, fails queued operations and waits for running
// operations to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor registry close wait: %w", ctx.Err())
	}
}

func submit[T any](
	ctx context.Context,
	r *Registry,
	key, op string,
	fn func(context.Context, *siteActor) (T, error),
) (T, error) {
	var zero T
	a, err := r.acquire(key)
	if err != nil {
		return zero, site.Internal("dispatch "+op, err)
	}
	defer r.release(a)

	var (
		out    T
		opErr  error
		doneCh = make(chan struct{})
	)
	env := envelope{
		ctx: ctx,
		op:  op,
		run: func(ctx context.Context) {
			out, opErr = fn(ctx, a)
		},
		fail: func(err error) {
			opErr = err
		},
		done: doneCh,
	}

	select {
	case a.mailbox <- env:
	case <-ctx.Done():
		return zero, site.Internal("request cancelled", ctx.Err())
	case <-r.quit:
		return zero, site.Internal("dispatch "+op, ErrClosed)
	}

	select {
	case <-doneCh:
		return out, opErr
	case <-ctx.Done():
		return zero, site.Internal("request cancelled", ctx.Err())
	case <-r.quit:
		select {
		case <-doneCh:
			return out, opErr
		default:
			return zero, site.Internal("dispatch "+op, ErrClosed)
		}
	}
}

func (r *Registry) acquire(key string) (*siteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.actors[key]
	if !ok {
		a = newSiteActor(key, r)
		r.actors[key] = a
		r.wg.Add(1)
		telemetry.IncLiveActors()
		go a.loop()
	}
	a.inflight++
	return a, nil
}

func (r *Registry) release(a *siteActor) {
	r.mu.Lock()
	a.inflight--
	r.mu.Unlock()
}

// retire removes a from the registry when nothing is queued or in flight.
func (r *Registry) retire(a *siteActor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.inflight > 0 || len(a.mailbox) > 0 || r.actors[a.key] != a {
		return false
	}
	delete(r.actors, a.key)
	return true
}

func (r *Registry) forget(a *siteActor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.key] == a {
		delete(r.actors, a.key)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}
