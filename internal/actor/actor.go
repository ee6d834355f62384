package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/events"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/telemetry"
)

const (
	opAnalyze = "analyze"
	opChat    = "chat"
	opHistory = "history"
)

type envelope struct {
	ctx  context.Context
	op   string
	run  func(context.Context)
	fail func(error)
	done chan struct{}
}

// siteActor is the single writer for one key. state is only touched from
// loop; inflight is guarded by the registry mutex.
type siteActor struct {
	key      string
	reg      *Registry
	mailbox  chan envelope
	logger   *zap.Logger
	inflight int

	state  site.State
	loaded bool
}

func newSiteActor(key string, reg *Registry) *siteActor {
	return &siteActor{
		key:     key,
		reg:     reg,
		mailbox: make(chan envelope, reg.cfg.MailboxSize),
		logger:  reg.logger.With(zap.String("site_id", key)),
	}
}

func (a *siteActor) loop() {
	defer a.reg.wg.Done()
	defer telemetry.DecLiveActors()

	var idle <-chan time.Time
	var timer *time.Timer
	if a.reg.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(a.reg.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case env := <-a.mailbox:
			a.handle(env)
			if timer != nil {
				timer.Reset(a.reg.cfg.IdleTimeout)
			}
		case <-idle:
			if a.reg.retire(a) {
				a.logger.Debug("actor retired")
				return
			}
			timer.Reset(a.reg.cfg.IdleTimeout)
		case <-a.reg.quit:
			a.reg.forget(a)
			for {
				select {
				case env := <-a.mailbox:
					env.fail(site.Internal("dispatch "+env.op, ErrClosed))
					close(env.done)
				default:
					return
				}
			}
		}
	}
}

func (a *siteActor) handle(env envelope) {
	defer close(env.done)
	if err := env.ctx.Err(); err != nil {
		env.fail(site.Internal("request cancelled", err))
		a.logger.Debug("skipping cancelled operation", zap.String("operation", env.op))
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("actor operation panicked",
				zap.String("operation", env.op),
				zap.Any("panic", rec),
			)
			env.fail(site.Internal("actor panic", fmt.Errorf("%v", rec)))
		}
	}()
	env.run(env.ctx)
}

// hydrate loads persisted state on first use. A failed load is retried by the
// next operation.
func (a *siteActor) hydrate(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	state, err := a.reg.deps.Store.Load(ctx, a.key)
	if err != nil {
		return site.Internal("load site state", err)
	}
	a.state = state
	a.loaded = true
	return nil
}

func (a *siteActor) analyze(ctx context.Context, siteURL string) (report site.AnalysisReport, err error) {
	ctx, finish := a.begin(ctx, opAnalyze)
	defer func() { finish(err) }()

	if err = a.hydrate(ctx); err != nil {
		return site.AnalysisReport{}, err
	}

	deps := a.reg.deps
	m, err := callWithTimeout(ctx, a.reg.cfg.AnalyzeTimeout, "analyzer", func(ctx context.Context) (site.Measurement, error) {
		return deps.Analyzer.Analyze(ctx, siteURL)
	})
	if err != nil {
		return site.AnalysisReport{}, site.AnalysisFailure(err)
	}

	id, err := deps.IDs.NewID()
	if err != nil {
		return site.AnalysisReport{}, site.Internal("generate report id", err)
	}
	if m.CapturedAt.IsZero() {
		m.CapturedAt = deps.Clock.Now()
	}
	m.CapturedAt = m.CapturedAt.UTC()
	report = site.NewReport(id, a.key, siteURL, m)

	insights, err := callWithTimeout(ctx, a.reg.cfg.InsightTimeout, "insight", func(ctx context.Context) (site.Insights, error) {
		return deps.Insights.Summarize(ctx, report)
	})
	if err != nil {
		return site.AnalysisReport{}, site.InsightFailure(err)
	}
	report.Insights = &insights

	wctx, cancel := a.writeContext(ctx)
	defer cancel()
	if err = deps.Store.AppendReport(wctx, a.key, report); err != nil {
		return site.AnalysisReport{}, site.Internal("persist report", err)
	}
	a.state.Reports = append(a.state.Reports, report)

	recorded := report
	deps.Events.Emit(events.Event{
		Type:      events.TypeAnalysisRecorded,
		SiteID:    a.key,
		Operation: opAnalyze,
		TS:        deps.Clock.Now().UTC(),
		Report:    &recorded,
	})
	return report, nil
}

func (a *siteActor) chat(ctx context.Context, message string) (reply site.ChatReply, err error) {
	ctx, finish := a.begin(ctx, opChat)
	defer func() { finish(err) }()

	if err = a.hydrate(ctx); err != nil {
		return site.ChatReply{}, err
	}

	deps := a.reg.deps
	user := site.ChatTurn{Role: site.RoleUser, Content: message, CreatedAt: deps.Clock.Now().UTC()}
	if err = a.appendTurn(ctx, user); err != nil {
		return site.ChatReply{}, err
	}

	analysis := a.state.Latest()
	recent := a.state.RecentTurns(a.reg.cfg.ChatContextTurns)
	reply, err = callWithTimeout(ctx, a.reg.cfg.InsightTimeout, "insight", func(ctx context.Context) (site.ChatReply, error) {
		return deps.Insights.Chat(ctx, message, analysis, recent)
	})
	if err != nil {
		return site.ChatReply{}, site.InsightFailure(err)
	}

	assistant := site.ChatTurn{Role: site.RoleAssistant, Content: reply.Text, CreatedAt: deps.Clock.Now().UTC()}
	if err = a.appendTurn(ctx, assistant); err != nil {
		return site.ChatReply{}, err
	}

	deps.Events.Emit(events.Event{
		Type:      events.TypeChatRecorded,
		SiteID:    a.key,
		Operation: opChat,
		TS:        deps.Clock.Now().UTC(),
		Turns:     []site.ChatTurn{user, assistant},
	})
	return reply, nil
}

func (a *siteActor) appendTurn(ctx context.Context, turn site.ChatTurn) error {
	wctx, cancel := a.writeContext(ctx)
	defer cancel()
	if err := a.reg.deps.Store.AppendTurn(wctx, a.key, turn); err != nil {
		return site.Internal("persist chat turn", err)
	}
	a.state.Turns = append(a.state.Turns, turn)
	return nil
}

func (a *siteActor) history(ctx context.Context) (reports []site.AnalysisReport, err error) {
	ctx, finish := a.begin(ctx, opHistory)
	defer func() { finish(err) }()

	if err = a.hydrate(ctx); err != nil {
		return nil, err
	}
	out := make([]site.AnalysisReport, len(a.state.Reports))
	copy(out, a.state.Reports)
	return out, nil
}

// writeContext detaches store writes from caller cancellation so a write that
// started is not torn by a disconnecting client.
func (a *siteActor) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.reg.cfg.WriteTimeout)
}

// begin opens a span and returns a finisher that records metrics, logs and
// failure events for the operation.
func (a *siteActor) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "actor."+op,
		trace.WithAttributes(attribute.String("site.id", a.key)),
	)
	return ctx, func(err error) {
		dur := time.Since(start)
		defer span.End()
		if err == nil {
			telemetry.ObserveActorOperation(op, "ok", dur)
			a.logger.Debug("operation complete", zap.String("operation", op), zap.Duration("duration", dur))
			return
		}
		kind := site.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.ObserveActorOperation(op, string(kind), dur)
		a.logger.Warn("operation failed",
			zap.String("operation", op),
			zap.String("kind", string(kind)),
			zap.Duration("duration", dur),
			zap.Error(err),
		)
		a.reg.deps.Events.Emit(events.Event{
			Type:      events.TypeOperationFailed,
			SiteID:    a.key,
			Operation: op,
			TS:        a.reg.deps.Clock.Now().UTC(),
			Dur:       dur,
			Kind:      kind,
			Note:      err.Error(),
		})
	}
}

// callWithTimeout runs fn on its own goroutine so a collaborator that ignores
// its context still releases the mailbox once the deadline passes.
func callWithTimeout[T any](
	ctx context.Context,
	timeout time.Duration,
	collaborator string,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("%s panic: %v", collaborator, rec)}
			}
		}()
		v, err := fn(cctx)
		ch <- result{val: v, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			telemetry.ObserveCollaboratorTimeout(collaborator)
		}
		return res.val, res.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s call: %w", collaborator, ctx.Err())
		}
		telemetry.ObserveCollaboratorTimeout(collaborator)
		return zero, fmt.Errorf("%s timed out after %s: %w", collaborator, timeout, context.DeadlineExceeded)
	}
}
