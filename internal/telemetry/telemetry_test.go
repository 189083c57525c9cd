package telemetry

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/steveyegge/trackbridge/internal/cache"
)

func TestWrapCache_DisabledReturnsInner(t *testing.T) {
	if err := Init(context.Background(), Config{}); err != nil {
		t.Fatal(err)
	}
	inner := cache.NewMemoryStore()
	if got := WrapCache(inner); got != cache.Store(inner) {
		t.Errorf("WrapCache() = %T, want the inner store", got)
	}
}

func TestWrapCache_Enabled(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Config{Enabled: true, ServiceName: "trackbridge-test"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		_ = Shutdown(ctx)
		_ = Init(ctx, Config{})
	})
	if !Enabled() {
		t.Fatal("Enabled() = false after Init")
	}

	inner := cache.NewMemoryStore()
	s := WrapCache(inner)
	if _, ok := s.(*InstrumentedCache); !ok {
		t.Fatalf("WrapCache() = %T, want *InstrumentedCache", s)
	}
	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, found, err := s.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Errorf("Get() = %q, %v, %v; want v, true, nil", v, found, err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, found, _ := inner.Get(ctx, "k"); found {
		t.Error("Del did not reach the inner store")
	}
}

func TestShutdown_ResetsEnabled(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Config{Enabled: true}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if Enabled() {
		t.Error("Enabled() = true after Shutdown")
	}
	if err := Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	_ = Init(ctx, Config{})
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, sdktrace.AlwaysSample().Description()},
		{1, sdktrace.AlwaysSample().Description()},
		{2, sdktrace.AlwaysSample().Description()},
		{0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %q, want %q", tt.ratio, got, tt.want)
		}
	}
}
