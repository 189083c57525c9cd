package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/trackbridge/internal/cache"
)

const cacheScopeName = "github.com/steveyegge/trackbridge/cache"

// InstrumentedCache wraps cache.Store with OTel tracing and metrics. Use
// WrapCache to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedCache struct {
	inner  cache.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	hits   metric.Int64Counter
}

// WrapCache returns s decorated with OTel instrumentation.
func WrapCache(s cache.Store) cache.Store {
	if !Enabled() {
		return s
	}
	m := Meter(cacheScopeName)
	ops, _ := m.Int64Counter("trackbridge.cache.operations",
		metric.WithDescription("Total cache operations executed"),
	)
	dur, _ := m.Float64Histogram("trackbridge.cache.operation.duration",
		metric.WithDescription("Cache operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("trackbridge.cache.errors",
		metric.WithDescription("Total cache operation errors"),
	)
	hits, _ := m.Int64Counter("trackbridge.cache.hits",
		metric.WithDescription("Cache reads that found a live key"),
	)
	return &InstrumentedCache{
		inner:  s,
		tracer: Tracer(cacheScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		hits:   hits,
	}
}

func (c *InstrumentedCache) op(ctx context.Context, name string) (context.Context, trace.Span, time.Time, attribute.KeyValue) {
	attr := attribute.String("cache.operation", name)
	ctx, span := c.tracer.Start(ctx, "cache."+name,
		trace.WithAttributes(attr),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	c.ops.Add(ctx, 1, metric.WithAttributes(attr))
	return ctx, span, time.Now(), attr
}

func (c *InstrumentedCache) done(ctx context.Context, span trace.Span, start time.Time, err error, attr attribute.KeyValue) {
	c.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attr))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.errs.Add(ctx, 1, metric.WithAttributes(attr))
	}
	span.End()
}

func (c *InstrumentedCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span, t, attr := c.op(ctx, "Get")
	v, ok, err := c.inner.Get(ctx, key)
	if ok {
		c.hits.Add(ctx, 1)
	}
	c.done(ctx, span, t, err, attr)
	return v, ok, err
}

func (c *InstrumentedCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span, t, attr := c.op(ctx, "Set")
	span.SetAttributes(attribute.Int64("cache.ttl_ms", ttl.Milliseconds()))
	err := c.inner.Set(ctx, key, value, ttl)
	c.done(ctx, span, t, err, attr)
	return err
}

func (c *InstrumentedCache) Del(ctx context.Context, key string) error {
	ctx, span, t, attr := c.op(ctx, "Del")
	err := c.inner.Del(ctx, key)
	c.done(ctx, span, t, err, attr)
	return err
}
