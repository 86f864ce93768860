// Package governor bounds and deduplicates expensive portal work.
// Identical requests issued while one is already running join its
// result instead of hitting the portal again, and total concurrency is
// capped so a burst of callers cannot flatten the upstream.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quotashare-backend/lib/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = telemetry.Tracer("lib/governor")
var meter = telemetry.Meter("lib/governor")

var inflightGauge, _ = meter.Int64UpDownCounter("governor.inflight")

const (
	defaultMaxConcurrent = 20
	defaultStuckAfter    = time.Minute * 5
	defaultOpTimeout     = time.Minute * 5

	admitPoll    = time.Millisecond * 100
	admitCeiling = time.Second * 10
)

type Options struct {
	// defaults to 20
	MaxConcurrent int
	// an in-flight entry older than this is presumed wedged and is
	// replaced instead of joined; defaults to 5 minutes
	StuckAfter time.Duration
	// hard deadline on a single execution; defaults to 5 minutes
	OpTimeout time.Duration
}

type entry[T any] struct {
	started time.Time
	done    chan struct{}
	result  T
	err     error
}

// Governor runs at most one execution per key at a time and bounds
// total executions across keys.
type Governor[T any] struct {
	name string
	opts Options

	mu       sync.Mutex
	inflight map[string]*entry[T]
	running  int
}

func New[T any](name string, opts Options) *Governor[T] {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = defaultStuckAfter
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Governor[T]{
		name:     name,
		opts:     opts,
		inflight: map[string]*entry[T]{},
	}
}

// Do executes fn under the governor. If an execution for the same key
// is already in flight and not stuck, the caller waits for and shares
// its result; fn is not invoked.
func (g *Governor[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	g.mu.Lock()
	if existing, ok := g.inflight[key]; ok {
		if time.Since(existing.started) < g.opts.StuckAfter {
			g.mu.Unlock()
			return g.join(ctx, existing)
		}
		// the old leader gets to finish, but nobody will see its
		// result: a wedged execution must not block the key forever
		slog.Warn("discarding stuck governor entry",
			"governor", g.name, "key", key, "age", time.Since(existing.started))
		delete(g.inflight, key)
	}

	e := &entry[T]{started: time.Now(), done: make(chan struct{})}
	g.inflight[key] = e
	g.mu.Unlock()

	if err := g.admit(ctx); err != nil {
		// no slot was taken, so only the entry needs unwinding
		g.mu.Lock()
		if g.inflight[key] == e {
			delete(g.inflight, key)
		}
		g.mu.Unlock()
		e.err = err
		close(e.done)
		return zero, err
	}

	go g.run(ctx, key, e, fn)
	return g.join(ctx, e)
}

func (g *Governor[T]) join(ctx context.Context, e *entry[T]) (T, error) {
	var zero T
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// admit blocks until a concurrency slot frees up. Waiting is bounded:
// after the ceiling the execution is admitted anyway, because starving
// a caller forever is worse than briefly exceeding the cap.
func (g *Governor[T]) admit(ctx context.Context) error {
	deadline := time.Now().Add(admitCeiling)
	for {
		g.mu.Lock()
		if g.running < g.opts.MaxConcurrent || time.Now().After(deadline) {
			g.running++
			g.mu.Unlock()
			inflightGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("governor", g.name)))
			return nil
		}
		g.mu.Unlock()

		select {
		case <-time.After(admitPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Governor[T]) run(ctx context.Context, key string, e *entry[T], fn func(ctx context.Context) (T, error)) {
	// joiners outlive the leader, so the execution is detached from the
	// leader's cancellation and bounded only by the op timeout
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.OpTimeout)
	defer cancel()

	runCtx, span := tracer.Start(runCtx, "governor:"+g.name)
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	result, err := fn(runCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "governed execution failed")
	}

	inflightGauge.Add(runCtx, -1, metric.WithAttributes(attribute.String("governor", g.name)))
	g.finish(key, e, result, err)
}

func (g *Governor[T]) finish(key string, e *entry[T], result T, err error) {
	g.mu.Lock()
	if g.inflight[key] == e {
		delete(g.inflight, key)
	}
	if g.running > 0 {
		g.running--
	}
	g.mu.Unlock()

	e.result = result
	e.err = err
	close(e.done)
}

// Clear drops the in-flight entry for a key so the next Do starts
// fresh. The running execution finishes but its result is discarded.
func (g *Governor[T]) Clear(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

// Status reports in-flight keys and their ages.
func (g *Governor[T]) Status() map[string]time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Duration, len(g.inflight))
	for key, e := range g.inflight {
		out[key] = time.Since(e.started)
	}
	return out
}
