package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/tunegate/internal/repositories"
	"github.com/desertthunder/tunegate/internal/shared"
)

func setupDailyCounter(t *testing.T) *repositories.DailyUsageRepository {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return repositories.NewDailyUsageRepository(db)
}

func TestDailyLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("gates at the limit", func(t *testing.T) {
		l := NewDailyLimiter("cloudconvert-production", 2, setupDailyCounter(t))

		for i := range 2 {
			ok, err := l.Allow(ctx)
			if err != nil || !ok {
				t.Fatalf("request %d should be allowed, ok=%v err=%v", i, ok, err)
			}
			if err := l.Record(ctx); err != nil {
				t.Fatalf("failed to record: %v", err)
			}
		}

		if ok, err := l.Allow(ctx); err != nil || ok {
			t.Errorf("expected limiter to gate, ok=%v err=%v", ok, err)
		}

		if n, _ := l.Usage(ctx); n != 2 {
			t.Errorf("expected usage 2, got %d", n)
		}
	})

	t.Run("reservations count against the limit", func(t *testing.T) {
		l := NewDailyLimiter("s", 1, setupDailyCounter(t))

		if ok, _ := l.Allow(ctx); !ok {
			t.Fatal("first request should be allowed")
		}
		if ok, _ := l.Allow(ctx); ok {
			t.Fatal("second request should be gated while the first is in flight")
		}
	})

	t.Run("new day resets", func(t *testing.T) {
		l := NewDailyLimiter("s", 1, setupDailyCounter(t))
		day := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return day }

		l.Allow(ctx)
		l.Record(ctx)
		if ok, _ := l.Allow(ctx); ok {
			t.Fatal("expected limit to hold on the same day")
		}

		day = day.Add(2 * time.Hour)
		if ok, _ := l.Allow(ctx); !ok {
			t.Error("expected a fresh budget on the next UTC day")
		}
	})

	t.Run("record past limit", func(t *testing.T) {
		counter := setupDailyCounter(t)
		a := NewDailyLimiter("s", 1, counter)
		b := NewDailyLimiter("s", 1, counter)

		a.Allow(ctx)
		b.Allow(ctx)
		if err := a.Record(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := b.Record(ctx); !errors.Is(err, shared.ErrQuotaExhausted) {
			t.Errorf("expected ErrQuotaExhausted, got %v", err)
		}
	})

	t.Run("no limit", func(t *testing.T) {
		l := NewDailyLimiter("s", 0, setupDailyCounter(t))
		for range 3 {
			if ok, _ := l.Allow(ctx); !ok {
				t.Fatal("unlimited limiter should always allow")
			}
			if err := l.Record(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	})
}
