package geocode

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProvider struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) ReverseGeocode(ctx context.Context, lat, lng float64, language string) (Address, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Address{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Address{}, s.err
	}
	return Address{FullAddress: "Rua Augusta, 100", City: "São Paulo"}, nil
}

func newTestResolver(t *testing.T, p Provider, cfg ResolverConfig) *Resolver {
	t.Helper()
	cache, err := NewCache(16)
	if err != nil {
		t.Fatalf("NewCache error: %v", err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Millisecond
	}
	return NewResolver(p, cache, cfg)
}

func TestResolver_CachesByRoundedCoordinate(t *testing.T) {
	p := &stubProvider{}
	r := newTestResolver(t, p, ResolverConfig{})
	ctx := context.Background()

	first, ok := r.Resolve(ctx, -23.55051, -46.63331)
	if !ok || first.FullAddress != "Rua Augusta, 100" {
		t.Fatalf("unexpected first result %+v %v", first, ok)
	}
	// Same 4-decimal cell.
	second, ok := r.Resolve(ctx, -23.55049, -46.63329)
	if !ok || second.FullAddress != first.FullAddress {
		t.Fatalf("unexpected second result %+v %v", second, ok)
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}

	if _, ok := r.Resolve(ctx, -23.5600, -46.6400); !ok {
		t.Fatal("expected address for new cell")
	}
	if got := p.calls.Load(); got != 2 {
		t.Fatalf("expected 2 provider calls, got %d", got)
	}
}

func TestResolver_ConcurrentMissesShareOneCall(t *testing.T) {
	p := &stubProvider{delay: 20 * time.Millisecond}
	r := newTestResolver(t, p, ResolverConfig{Interval: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const callers = 8
	var wg sync.WaitGroup
	var resolved atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if addr, ok := r.Resolve(ctx, -23.55051, -46.63331); ok && addr.FullAddress == "Rua Augusta, 100" {
				resolved.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call for one rounded key, got %d", got)
	}
	if got := resolved.Load(); got != callers {
		t.Fatalf("expected all %d callers to get the address, got %d", callers, got)
	}
}

func TestResolver_CallerDeadlineWhileSharing(t *testing.T) {
	p := &stubProvider{delay: 200 * time.Millisecond}
	r := newTestResolver(t, p, ResolverConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Resolve(context.Background(), 1, 1)
	}()
	for p.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, ok := r.Resolve(ctx, 1, 1); ok {
		t.Fatal("expected absent once the caller's deadline passes")
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("expected the caller to stop waiting at its deadline, took %s", elapsed)
	}

	<-done
	if _, ok := r.Resolve(context.Background(), 1, 1); !ok {
		t.Fatal("expected the shared lookup to have filled the cache")
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
}

func TestResolver_CachesNotFound(t *testing.T) {
	p := &stubProvider{err: ErrNotFound}
	r := newTestResolver(t, p, ResolverConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if addr, ok := r.Resolve(ctx, 10, 10); ok || addr != nil {
			t.Fatalf("expected absent, got %+v", addr)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected negative result to be cached, got %d calls", got)
	}
	if r.CacheLen() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", r.CacheLen())
	}
}

func TestResolver_FailuresNotCached(t *testing.T) {
	p := &stubProvider{err: ErrUnavailable}
	r := newTestResolver(t, p, ResolverConfig{BreakerFailures: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok := r.Resolve(ctx, 10, 10); ok {
			t.Fatal("expected absent")
		}
	}
	if got := p.calls.Load(); got != 3 {
		t.Fatalf("expected every failure to retry, got %d calls", got)
	}
	if r.CacheLen() != 0 {
		t.Fatalf("expected empty cache, got %d", r.CacheLen())
	}
}

func TestResolver_CircuitOpensAfterFailures(t *testing.T) {
	p := &stubProvider{err: ErrQuotaExceeded}
	r := newTestResolver(t, p, ResolverConfig{BreakerFailures: 2, BreakerCooldown: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, ok := r.Resolve(ctx, float64(i), 0); ok {
			t.Fatal("expected absent")
		}
	}
	if got := p.calls.Load(); got != 2 {
		t.Fatalf("expected the breaker to stop calls after 2 failures, got %d", got)
	}
}

func TestResolver_NotFoundDoesNotTripBreaker(t *testing.T) {
	p := &stubProvider{err: ErrNotFound}
	r := newTestResolver(t, p, ResolverConfig{BreakerFailures: 1, BreakerCooldown: time.Hour})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.Resolve(ctx, float64(i), 0)
	}
	if got := p.calls.Load(); got != 4 {
		t.Fatalf("expected 4 provider calls, got %d", got)
	}
}

func TestResolver_TimeoutReturnsAbsent(t *testing.T) {
	p := &stubProvider{delay: time.Second}
	r := newTestResolver(t, p, ResolverConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	if addr, ok := r.Resolve(context.Background(), -23.5505, -46.6333); ok || addr != nil {
		t.Fatalf("expected absent after timeout, got %+v", addr)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected prompt timeout, took %s", elapsed)
	}
}

func TestResolver_RateLimitHonoursDeadline(t *testing.T) {
	p := &stubProvider{}
	r := newTestResolver(t, p, ResolverConfig{Interval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := r.Resolve(ctx, 1, 1); !ok {
		t.Fatal("expected first call to use the initial token")
	}
	start := time.Now()
	if _, ok := r.Resolve(ctx, 2, 2); ok {
		t.Fatal("expected second call to be rate limited")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected limiter to give up before the deadline, took %s", elapsed)
	}
	// Cached lookups still work once the deadline has passed.
	if _, ok := r.Resolve(ctx, 1, 1); !ok {
		t.Fatal("expected cached address after deadline")
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
}

func TestResolver_RateLimitSpacing(t *testing.T) {
	p := &stubProvider{}
	r := newTestResolver(t, p, ResolverConfig{Interval: 40 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		r.Resolve(context.Background(), float64(i), 0)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("expected calls spaced by the limiter, took %s", elapsed)
	}
}

func TestResolver_NilProvider(t *testing.T) {
	r := newTestResolver(t, nil, ResolverConfig{})
	if _, ok := r.Resolve(context.Background(), 1, 1); ok {
		t.Fatal("expected absent without provider")
	}
	if r.ProviderName() != ProviderNone {
		t.Fatalf("unexpected provider name %q", r.ProviderName())
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache error: %v", err)
	}
	c.Add("a", &Address{FullAddress: "A"})
	c.Add("b", nil)
	c.Get("a")
	c.Add("c", &Address{FullAddress: "C"})

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	e, ok := c.Get("a")
	if !ok || e.Address == nil || e.Address.FullAddress != "A" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestNewCache_InvalidSize(t *testing.T) {
	if _, err := NewCache(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
