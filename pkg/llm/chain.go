package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/shopbot/pkg/fn"
	"github.com/WessleyAI/shopbot/pkg/metrics"
	"github.com/WessleyAI/shopbot/pkg/resilience"
)

// ErrExhausted is returned when every provider in a chain failed.
var ErrExhausted = errors.New("llm: all providers failed")

var tracer = otel.Tracer("shopbot/llm")

// Completion is a successful chain answer.
type Completion struct {
	Text     string
	Provider string
}

// LinkOpts bounds one provider in a chain.
type LinkOpts struct {
	// Timeout caps a single attempt. Zero means no per-attempt cap.
	Timeout time.Duration
	// Rate is requests per second; zero disables limiting.
	Rate  float64
	Burst int
	// Breaker configures the provider's circuit breaker.
	Breaker resilience.BreakerOpts
	// ModelOverride lets Request.Model replace the provider's configured
	// model. Without it the provider always runs its own model.
	ModelOverride bool
}

type link struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	override bool
}

// Chain tries providers in order until one returns a non-empty answer.
type Chain struct {
	links   []*link
	log     *slog.Logger
	metrics *metrics.Pipeline
}

// NewChain creates an empty chain. Nil arguments get defaults.
func NewChain(log *slog.Logger, m *metrics.Pipeline) *Chain {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Chain{log: log, metrics: m}
}

// Add appends p to the chain.
func (c *Chain) Add(p Provider, opts LinkOpts) *Chain {
	l := &link{provider: p, timeout: opts.Timeout, override: opts.ModelOverride}
	if opts.Rate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.Rate), max(opts.Burst, 1))
	}
	name := p.Name()
	bo := opts.Breaker
	bo.OnStateChange = func(from, to resilience.State) {
		c.log.Warn("llm: breaker state change", "provider", name, "from", from.String(), "to", to.String())
	}
	l.breaker = resilience.NewBreaker(bo)
	c.links = append(c.links, l)
	return c
}

// Len returns the number of providers.
func (c *Chain) Len() int { return len(c.links) }

// Providers returns provider names in chain order.
func (c *Chain) Providers() []string {
	return fn.Map(c.links, func(l *link) string { return l.provider.Name() })
}

// Complete returns the first successful completion. When every provider
// fails the error wraps ErrExhausted and lists each failure.
func (c *Chain) Complete(ctx context.Context, req Request) fn.Result[Completion] {
	ctx, span := tracer.Start(ctx, "llm.chain")
	defer span.End()

	attempts := make([]func() fn.Result[Completion], 0, len(c.links))
	var failures []string
	for _, l := range c.links {
		attempts = append(attempts, func() fn.Result[Completion] {
			if err := ctx.Err(); err != nil {
				return fn.Err[Completion](err)
			}
			r := c.try(ctx, l, req)
			if r.IsErr() {
				failures = append(failures, r.Error().Error())
			}
			return r
		})
	}

	r := fn.FirstOk(attempts...)
	if r.IsOk() {
		v, _ := r.Unwrap()
		span.SetAttributes(attribute.String("llm.provider", v.Provider))
		return r
	}
	err := fmt.Errorf("%w: %s", ErrExhausted, strings.Join(failures, "; "))
	if len(c.links) == 0 {
		err = fmt.Errorf("%w: no providers configured", ErrExhausted)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fn.Err[Completion](err)
}

func (c *Chain) try(ctx context.Context, l *link, req Request) fn.Result[Completion] {
	name := l.provider.Name()
	if !l.override {
		req.Model = ""
	}
	ctx, span := tracer.Start(ctx, "llm.provider",
		trace.WithAttributes(attribute.String("llm.provider", name)))
	defer span.End()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	outcome := "ok"
	start := time.Now()
	defer func() {
		c.metrics.ProviderCalls.WithLabelValues(name, outcome).Inc()
		c.metrics.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			outcome = "throttled"
			c.log.Warn("llm: provider throttled", "provider", name, "err", err)
			span.SetStatus(codes.Error, "throttled")
			return fn.Err[Completion](fmt.Errorf("%s: rate limit: %w", name, err))
		}
	}

	r := resilience.CallResult(ctx, l.breaker, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(l.provider.Complete(ctx, req))
	})
	text, err := r.Unwrap()
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("%s: %w", name, ErrEmptyResponse)
	}
	if err != nil {
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			outcome = "open"
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		default:
			outcome = "error"
		}
		c.log.Warn("llm: provider failed", "provider", name, "outcome", outcome, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return fn.Err[Completion](err)
	}
	return fn.Ok(Completion{Text: text, Provider: name})
}
