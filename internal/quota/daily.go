package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// DailyCounter persists per-name request counts for UTC days.
//
// Increment must check the limit and add one in a single atomic step.
type DailyCounter interface {
	Count(ctx context.Context, name, day string) (int, error)
	Increment(ctx context.Context, name, day string, limit int) (count int, incremented bool, err error)
}

// DailyLimiter caps the requests a strategy may send per UTC day.
//
// Allow reserves a slot that Record later converts into a persisted count.
type DailyLimiter struct {
	name     string
	limit    int
	counter  DailyCounter
	now      func() time.Time
	mu       sync.Mutex
	inFlight int
}

// NewDailyLimiter creates a limiter. A non-positive limit never gates.
func NewDailyLimiter(name string, limit int, counter DailyCounter) *DailyLimiter {
	return &DailyLimiter{
		name:    name,
		limit:   limit,
		counter: counter,
		now:     time.Now,
	}
}

func (l *DailyLimiter) Name() string { return l.name }

func (l *DailyLimiter) Limit() int { return l.limit }

func (l *DailyLimiter) day() string {
	return models.Day(l.now())
}

// Allow reports whether another request fits in today's budget and reserves it when it does.
//
// Every true result must be followed by exactly one call to [DailyLimiter.Record].
func (l *DailyLimiter) Allow(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		l.inFlight++
		return true, nil
	}

	count, err := l.counter.Count(ctx, l.name, l.day())
	if err != nil {
		return false, fmt.Errorf("failed to read daily usage for %s: %w", l.name, err)
	}
	if count+l.inFlight >= l.limit {
		return false, nil
	}

	l.inFlight++
	return true, nil
}

// Record releases the reservation and persists one request against today's count.
//
// It returns [shared.ErrQuotaExhausted] when another process consumed the last slot first.
func (l *DailyLimiter) Record(ctx context.Context) error {
	l.mu.Lock()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.mu.Unlock()

	_, ok, err := l.counter.Increment(ctx, l.name, l.day(), l.limit)
	if err != nil {
		return fmt.Errorf("failed to record daily usage for %s: %w", l.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s daily limit of %d reached", shared.ErrQuotaExhausted, l.name, l.limit)
	}
	return nil
}

// Usage returns today's persisted count.
func (l *DailyLimiter) Usage(ctx context.Context) (int, error) {
	return l.counter.Count(ctx, l.name, l.day())
}
