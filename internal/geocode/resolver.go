package geocode

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"fleet-analytics/internal/geo"
	"fleet-analytics/internal/logging"
	"fleet-analytics/internal/metrics"
)

// ResolverConfig tunes a Resolver.
type ResolverConfig struct {
	Language string
	// Interval is the minimum spacing between provider calls.
	Interval time.Duration
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// ResolverConfig derives the resolver settings for the named provider.
func (c Config) ResolverConfig(provider string) ResolverConfig {
	return ResolverConfig{
		Language:        c.Language,
		Interval:        c.Interval(provider),
		Timeout:         c.Timeout,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown,
	}
}

// Resolver resolves coordinates through the cache and a single provider.
// A Resolver is safe for concurrent use; the rate limit is shared by every
// caller, and concurrent misses on one cache key share a single provider call.
type Resolver struct {
	provider Provider
	cache    *Cache
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[Address]
	flights  singleflight.Group
	language string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewResolver wraps provider. A nil provider resolves from the cache only.
func NewResolver(provider Provider, cache *Cache, cfg ResolverConfig) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}

	r := &Resolver{
		provider: provider,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval), 1),
		language: cfg.Language,
		timeout:  cfg.Timeout,
		log:      logging.WithComponent("geocode"),
	}
	if provider == nil {
		return r
	}

	name := provider.Name()
	metrics.GeocodeCircuitBreakerState.WithLabelValues(name).Set(0)
	r.breaker = gobreaker.NewCircuitBreaker[Address](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// A definitive "no address" or the caller giving up says nothing
			// about provider health.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("geocoding circuit breaker state change")
			metrics.GeocodeCircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return r
}

// Resolve returns the address for a point, or false when none is available
// for any reason: not found, provider failure, open circuit, rate limit wait
// exceeding the ctx deadline. Failures are logged, never returned.
func (r *Resolver) Resolve(ctx context.Context, lat, lng float64) (*Address, bool) {
	key := geo.CoordinateKey(lat, lng)
	if e, ok := r.cache.Get(key); ok {
		return e.Address, e.Address != nil
	}
	if r.provider == nil {
		return nil, false
	}

	ch := r.flights.DoChan(key, func() (any, error) {
		return r.lookup(ctx, key, lat, lng), nil
	})
	select {
	case res := <-ch:
		addr, _ := res.Val.(*Address)
		return addr, addr != nil
	case <-ctx.Done():
		r.log.Debug().Str("key", key).Err(ctx.Err()).Msg("gave up waiting for a shared geocoding lookup")
		return nil, false
	}
}

// lookup performs one rate-limited, breaker-guarded provider call for key
// and caches the outcome. It returns nil when no address is available.
func (r *Resolver) lookup(ctx context.Context, key string, lat, lng float64) *Address {
	// A flight for the same key may have finished between the caller's cache
	// miss and this flight starting.
	if e, ok := r.cache.peek(key); ok {
		return e.Address
	}

	name := r.provider.Name()
	lc := r.log.With().Str("provider", name).Str("key", key)
	if id := logging.RequestIDFromContext(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	log := lc.Logger()

	if err := r.limiter.Wait(ctx); err != nil {
		metrics.GeocodeProviderRequests.WithLabelValues(name, "timeout").Inc()
		log.Warn().Err(err).Msg("geocoding skipped: deadline reached while rate limited")
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	addr, err := r.breaker.Execute(func() (Address, error) {
		return r.provider.ReverseGeocode(callCtx, geo.Round(lat, geo.CoordinatePrecision), geo.Round(lng, geo.CoordinatePrecision), r.language)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordGeocodeRequest(name, "ok", elapsed)
		r.cache.Add(key, &addr)
		return &addr
	case errors.Is(err, ErrNotFound):
		metrics.RecordGeocodeRequest(name, "not_found", elapsed)
		r.cache.Add(key, nil)
		log.Debug().Msg("no address for coordinates")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.GeocodeProviderRequests.WithLabelValues(name, "rejected").Inc()
		log.Debug().Err(err).Msg("geocoding skipped: circuit open")
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		metrics.RecordGeocodeRequest(name, "timeout", elapsed)
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("geocoding timed out")
		return nil
	default:
		metrics.RecordGeocodeRequest(name, "error", elapsed)
		log.Warn().Err(err).Msg("geocoding failed")
		return nil
	}
}

// ProviderName returns the wrapped provider's name, or "none".
func (r *Resolver) ProviderName() string {
	if r.provider == nil {
		return ProviderNone
	}
	return r.provider.Name()
}

// CacheLen returns the number of cached lookups.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
