package quota

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/desertthunder/tunegate/internal/repositories"
	"github.com/desertthunder/tunegate/internal/shared"
)

func setupStore(t *testing.T) *repositories.PoolUsageRepository {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return repositories.NewPoolUsageRepository(db)
}

func testEndpoints(max int) []shared.EndpointConfig {
	return []shared.EndpointConfig{
		{Host: "ep0.p.rapidapi.com", Path: "/dl", MaxRequests: max},
		{Host: "ep1.p.rapidapi.com", Path: "/dl", MaxRequests: max},
		{Host: "ep2.p.rapidapi.com", Path: "/download", Method: "post", IDParam: "videoId", MaxRequests: max},
	}
}

func newTestPool(t *testing.T, store CounterStore, max int) *Pool {
	t.Helper()
	return NewPool([]string{"cred0", "cred1"}, testEndpoints(max), store, shared.NewLogger(io.Discard))
}

func TestNewPool(t *testing.T) {
	t.Run("endpoint major order", func(t *testing.T) {
		p := newTestPool(t, setupStore(t), 10)
		if p.Len() != 6 {
			t.Fatalf("expected 6 entries, got %d", p.Len())
		}

		want := [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}}
		for i, e := range p.entries {
			if e.Index != i || e.CredentialIndex != want[i][0] || e.EndpointIndex != want[i][1] {
				t.Errorf("entry %d: got (cred %d, ep %d), want (cred %d, ep %d)", i, e.CredentialIndex, e.EndpointIndex, want[i][0], want[i][1])
			}
		}

		last := p.entries[5]
		if last.Method != "POST" || last.IDParam != "videoId" {
			t.Errorf("unexpected endpoint settings: %+v", last)
		}
		if p.entries[0].Method != "GET" || p.entries[0].IDParam != "id" {
			t.Errorf("expected GET/id defaults, got %s/%s", p.entries[0].Method, p.entries[0].IDParam)
		}
	})

	t.Run("skips blank and duplicate credentials", func(t *testing.T) {
		p := NewPool([]string{"a", " ", "a", "b"}, testEndpoints(1)[:1], setupStore(t), nil)
		if p.Len() != 2 {
			t.Errorf("expected 2 entries, got %d", p.Len())
		}
	})
}

func TestPoolSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("first success only increments the first entry", func(t *testing.T) {
		store := setupStore(t)
		p := newTestPool(t, store, 10)

		entry, ok, err := p.Select(ctx)
		if err != nil || !ok {
			t.Fatalf("expected an entry, ok=%v err=%v", ok, err)
		}
		if entry.CredentialIndex != 0 || entry.EndpointIndex != 0 {
			t.Fatalf("expected (cred0, ep0), got (cred%d, ep%d)", entry.CredentialIndex, entry.EndpointIndex)
		}
		if err := p.RecordOutcome(ctx, entry, true); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}

		snapshot, err := p.Snapshot(ctx)
		if err != nil {
			t.Fatalf("failed to snapshot: %v", err)
		}
		for _, e := range snapshot {
			want := 0
			if e.Index == 0 {
				want = 1
			}
			if e.RequestsUsed != want {
				t.Errorf("entry %d: expected %d used, got %d", e.Index, want, e.RequestsUsed)
			}
			if e.Credential != "" {
				t.Error("snapshot must not expose credentials")
			}
		}

		persisted, _ := store.Load(ctx)
		if len(persisted) != 1 || persisted[entry.UsageKey()].RequestsUsed != 1 {
			t.Errorf("expected exactly one persisted counter at 1, got %+v", persisted)
		}
	})

	t.Run("never returns exhausted entries", func(t *testing.T) {
		p := newTestPool(t, setupStore(t), 1)

		seen := map[int]bool{}
		for range 6 {
			entry, ok, err := p.Select(ctx)
			if err != nil || !ok {
				t.Fatalf("expected an entry, ok=%v err=%v", ok, err)
			}
			if seen[entry.Index] {
				t.Fatalf("entry %d returned after exhaustion", entry.Index)
			}
			seen[entry.Index] = true
			if err := p.RecordOutcome(ctx, entry, true); err != nil {
				t.Fatalf("failed to record outcome: %v", err)
			}
		}

		if _, ok, err := p.Select(ctx); err != nil || ok {
			t.Errorf("expected exhausted pool, ok=%v err=%v", ok, err)
		}

		remaining, unlimited := p.Remaining()
		if remaining != 0 || unlimited {
			t.Errorf("expected nothing remaining, got %d unlimited=%v", remaining, unlimited)
		}
	})

	t.Run("failure does not consume quota", func(t *testing.T) {
		p := newTestPool(t, setupStore(t), 1)

		for range 3 {
			entry, ok, err := p.Select(ctx)
			if err != nil || !ok {
				t.Fatalf("expected an entry, ok=%v err=%v", ok, err)
			}
			if entry.Index != 0 {
				t.Fatalf("expected failures to keep the preferred entry, got %d", entry.Index)
			}
			if err := p.RecordOutcome(ctx, entry, false); err != nil {
				t.Fatalf("failed to record outcome: %v", err)
			}
		}

		snapshot, _ := p.Snapshot(ctx)
		if snapshot[0].RequestsUsed != 0 || snapshot[0].LastAttemptAt.IsZero() {
			t.Errorf("expected attempt without usage, got %+v", snapshot[0])
		}
	})

	t.Run("in-flight reservations count against the cap", func(t *testing.T) {
		p := newTestPool(t, setupStore(t), 1)

		first, _, _ := p.Select(ctx)
		second, _, _ := p.Select(ctx)
		if first.Index == second.Index {
			t.Fatalf("expected distinct entries while the first is in flight, got %d twice", first.Index)
		}

		if err := p.RecordOutcome(ctx, first, false); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}
		third, _, _ := p.Select(ctx)
		if third.Index != first.Index {
			t.Errorf("expected released entry %d to be selectable again, got %d", first.Index, third.Index)
		}
	})

	t.Run("concurrent successes never exceed caps", func(t *testing.T) {
		store := setupStore(t)
		p := newTestPool(t, store, 2)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entry, ok, err := p.Select(ctx)
				if err != nil || !ok {
					return
				}
				_ = p.RecordOutcome(ctx, entry, true)
			}()
		}
		wg.Wait()

		persisted, _ := store.Load(ctx)
		total := 0
		for key, u := range persisted {
			if u.RequestsUsed > 2 {
				t.Errorf("%s exceeded its cap: %d", key, u.RequestsUsed)
			}
			total += u.RequestsUsed
		}
		if total != 12 {
			t.Errorf("expected the whole pool (12) to be consumed, got %d", total)
		}
	})

	t.Run("unlimited entries", func(t *testing.T) {
		p := NewPool([]string{"k"}, []shared.EndpointConfig{{Host: "h", Path: "/"}}, setupStore(t), nil)
		for range 5 {
			entry, ok, _ := p.Select(ctx)
			if !ok {
				t.Fatal("unlimited entry should always be available")
			}
			_ = p.RecordOutcome(ctx, entry, true)
		}
		if _, unlimited := p.Remaining(); !unlimited {
			t.Error("expected unlimited remaining")
		}
	})

	t.Run("empty pool", func(t *testing.T) {
		p := NewPool(nil, testEndpoints(1), setupStore(t), nil)
		if _, ok, err := p.Select(ctx); ok || err != nil {
			t.Errorf("expected no entry from empty pool, ok=%v err=%v", ok, err)
		}
	})
}

func TestPoolPersistence(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	first := newTestPool(t, store, 1)
	entry, _, _ := first.Select(ctx)
	if err := first.RecordOutcome(ctx, entry, true); err != nil {
		t.Fatalf("failed to record outcome: %v", err)
	}

	restarted := newTestPool(t, store, 1)
	next, ok, err := restarted.Select(ctx)
	if err != nil || !ok {
		t.Fatalf("expected an entry, ok=%v err=%v", ok, err)
	}
	if next.Index != 1 {
		t.Errorf("expected persisted exhaustion to skip entry 0, got %d", next.Index)
	}
	restarted.RecordOutcome(ctx, next, false)

	if err := restarted.Reset(ctx, entry.UsageKey()); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	again, _, _ := restarted.Select(ctx)
	if again.Index != 0 {
		t.Errorf("expected reset entry to be preferred again, got %d", again.Index)
	}

	if err := restarted.Reset(ctx, "missing:key"); !errors.Is(err, shared.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unknown key, got %v", err)
	}
}

func TestRecordOutcomeLostRace(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	// Two processes sharing one counter store both reserve the last request of entry 0.
	a := newTestPool(t, store, 1)
	b := newTestPool(t, store, 1)
	ea, _, _ := a.Select(ctx)
	eb, _, _ := b.Select(ctx)
	if ea.Index != 0 || eb.Index != 0 {
		t.Fatalf("expected both pools to pick entry 0, got %d and %d", ea.Index, eb.Index)
	}

	if err := a.RecordOutcome(ctx, ea, true); err != nil {
		t.Fatalf("first success should be recorded, got %v", err)
	}
	if err := b.RecordOutcome(ctx, eb, true); !errors.Is(err, shared.ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted for the losing process, got %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	if snap[0].Active || snap[0].RequestsUsed != 1 {
		t.Errorf("expected entry 0 retired at 1 request, got active=%v used=%d", snap[0].Active, snap[0].RequestsUsed)
	}
	next, ok, _ := b.Select(ctx)
	if !ok || next.Index == 0 {
		t.Errorf("expected the losing pool to move past entry 0, got %d ok=%v", next.Index, ok)
	}
}

func TestRecordOutcomeUnknownEntry(t *testing.T) {
	p := newTestPool(t, setupStore(t), 1)
	bad := p.entries[0]
	bad.Index = 99
	if err := p.RecordOutcome(context.Background(), bad, true); !errors.Is(err, shared.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
