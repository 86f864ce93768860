package core

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"quotashare-backend/lib/telemetry"
)

var meter = telemetry.Meter("scrapers/ushare/core")
var latencyHist, _ = meter.Float64Histogram("ushare.endpoint_latency_ms")

// minimum samples before the tracker trusts its average enough to
// stretch anyone's timeout
const minPerfSamples = 5

type endpointStat struct {
	avg     time.Duration
	samples int
}

// perfTracker keeps a rolling latency average per endpoint. The portal
// is known to run slow for long stretches; when an endpoint runs hot
// the caller-supplied timeout is stretched (capped at 1.5x) to avoid
// false timeouts. This is protective, not a correctness requirement.
type perfTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointStat
}

func newPerfTracker() *perfTracker {
	return &perfTracker{endpoints: map[string]*endpointStat{}}
}

func (p *perfTracker) observe(ctx context.Context, endpoint string, d time.Duration) {
	latencyHist.Record(
		ctx,
		float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	stat, ok := p.endpoints[endpoint]
	if !ok {
		stat = &endpointStat{}
		p.endpoints[endpoint] = stat
	}
	stat.samples++
	window := stat.samples
	if window > 20 {
		window = 20
	}
	stat.avg += (d - stat.avg) / time.Duration(window)
}

func (p *perfTracker) average(endpoint string) (time.Duration, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stat, ok := p.endpoints[endpoint]
	if !ok {
		return 0, 0
	}
	return stat.avg, stat.samples
}

func (p *perfTracker) effectiveTimeout(endpoint string, base time.Duration) time.Duration {
	avg, samples := p.average(endpoint)
	if samples < minPerfSamples {
		return base
	}
	if avg*2 <= base {
		return base
	}
	stretched := avg * 2
	limit := base + base/2
	if stretched > limit {
		return limit
	}
	return stretched
}
