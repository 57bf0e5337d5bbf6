package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/tunegate/internal/quota"
	"github.com/desertthunder/tunegate/internal/services"
	"github.com/desertthunder/tunegate/internal/shared"
)

// PooledStrategy converts with a [services.PoolProvider] using an entry selected from a [quota.Pool].
//
// Each attempt uses exactly one entry and reports its outcome to the pool once.
type PooledStrategy struct {
	pool     *quota.Pool
	provider services.PoolProvider
}

func NewPooledStrategy(pool *quota.Pool, provider services.PoolProvider) *PooledStrategy {
	return &PooledStrategy{pool: pool, provider: provider}
}

func (s *PooledStrategy) Name() string { return s.provider.Name() }

func (s *PooledStrategy) Attempt(ctx context.Context, mediaID string) Attempt {
	start := time.Now()
	a := Attempt{Strategy: s.Name()}

	entry, ok, err := s.pool.Select(ctx)
	if err != nil {
		a.Outcome = Failed
		a.Err = fmt.Errorf("failed to select pool entry: %w", err)
		a.Duration = time.Since(start)
		return a
	}
	if !ok {
		a.Outcome = Gated
		a.Err = fmt.Errorf("%w: no %s pool entry available", shared.ErrQuotaExhausted, s.Name())
		a.Duration = time.Since(start)
		return a
	}
	a.Entry = entry.String()

	result, err := s.provider.ConvertWith(ctx, entry, mediaID)

	// Bookkeeping must land even when the request deadline expired.
	a.UsageErr = s.pool.RecordOutcome(context.WithoutCancel(ctx), entry, err == nil)

	a.Duration = time.Since(start)
	if err != nil {
		a.Outcome = Failed
		a.Err = err
		return a
	}
	a.Outcome = Succeeded
	a.Result = result
	return a
}

// MeteredStrategy converts with a [services.Provider] capped by a [quota.DailyLimiter].
type MeteredStrategy struct {
	limiter  *quota.DailyLimiter
	provider services.Provider
}

func NewMeteredStrategy(limiter *quota.DailyLimiter, provider services.Provider) *MeteredStrategy {
	return &MeteredStrategy{limiter: limiter, provider: provider}
}

func (s *MeteredStrategy) Name() string { return s.provider.Name() }

func (s *MeteredStrategy) Attempt(ctx context.Context, mediaID string) Attempt {
	start := time.Now()
	a := Attempt{Strategy: s.Name()}

	ok, err := s.limiter.Allow(ctx)
	if err != nil {
		a.Outcome = Failed
		a.Err = err
		a.Duration = time.Since(start)
		return a
	}
	if !ok {
		a.Outcome = Gated
		a.Err = fmt.Errorf("%w: %s daily limit of %d reached", shared.ErrQuotaExhausted, s.limiter.Name(), s.limiter.Limit())
		a.Duration = time.Since(start)
		return a
	}

	result, err := s.provider.Convert(ctx, mediaID)
	// A submitted job counts against the budget whether or not it finished.
	a.UsageErr = s.limiter.Record(context.WithoutCancel(ctx))

	a.Duration = time.Since(start)
	if err != nil {
		a.Outcome = Failed
		a.Err = err
		return a
	}
	a.Outcome = Succeeded
	a.Result = result
	return a
}

// DirectStrategy converts with an ungated [services.Provider].
type DirectStrategy struct {
	provider services.Provider
}

func NewDirectStrategy(provider services.Provider) *DirectStrategy {
	return &DirectStrategy{provider: provider}
}

func (s *DirectStrategy) Name() string { return s.provider.Name() }

func (s *DirectStrategy) Attempt(ctx context.Context, mediaID string) Attempt {
	start := time.Now()
	result, err := s.provider.Convert(ctx, mediaID)
	a := Attempt{Strategy: s.Name(), Duration: time.Since(start)}
	if err != nil {
		a.Outcome = Failed
		a.Err = err
		return a
	}
	a.Outcome = Succeeded
	a.Result = result
	return a
}
