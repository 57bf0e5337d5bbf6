// Package quota tracks consumption of rate-limited provider credentials.
//
// A [Pool] rotates through every (credential, endpoint) pair of a pool-backed
// provider and persists usage through a [CounterStore]. A [DailyLimiter] caps
// the number of requests a metered strategy may send per UTC day.
package quota

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// CounterStore persists pool entry counters.
//
// Increment must check the cap and add one in a single atomic step.
type CounterStore interface {
	Load(ctx context.Context) (map[string]models.PoolUsage, error)
	Increment(ctx context.Context, u models.PoolUsage, at time.Time) (used int, incremented bool, err error)
	Touch(ctx context.Context, u models.PoolUsage, at time.Time) error
	Reset(ctx context.Context, key string) error
}

// Pool hands out pool entries in preference order.
//
// Entries are ordered endpoint-major: every credential of the first endpoint
// precedes the second endpoint. An entry is handed out while its persisted
// count plus the requests currently in flight stays below its cap.
type Pool struct {
	mu       sync.Mutex
	entries  []models.PoolEntry
	inFlight []int
	cursor   int
	loaded   bool
	store    CounterStore
	logger   *log.Logger
	now      func() time.Time
}

// NewPool builds one entry per (credential, endpoint) pair.
//
// Blank credentials are skipped and duplicates collapse to their first occurrence.
func NewPool(credentials []string, endpoints []shared.EndpointConfig, store CounterStore, logger *log.Logger) *Pool {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	var creds []string
	for _, c := range credentials {
		c = strings.TrimSpace(c)
		if c == "" || slices.Contains(creds, c) {
			continue
		}
		creds = append(creds, c)
	}

	var entries []models.PoolEntry
	for ei, ep := range endpoints {
		method := strings.ToUpper(ep.Method)
		if method == "" {
			method = "GET"
		}
		idParam := ep.IDParam
		if idParam == "" {
			idParam = "id"
		}

		for ci, cred := range creds {
			entries = append(entries, models.PoolEntry{
				Index:           len(entries),
				CredentialIndex: ci,
				EndpointIndex:   ei,
				Credential:      cred,
				CredentialHash:  shared.HashCredential(cred),
				Host:            ep.Host,
				Path:            ep.Path,
				Method:          method,
				IDParam:         idParam,
				LinkFields:      slices.Clone(ep.LinkFields),
				TitleFields:     slices.Clone(ep.TitleFields),
				ProxyRequired:   ep.ProxyRequired,
				MaxRequests:     ep.MaxRequests,
				Active:          true,
			})
		}
	}

	return &Pool{
		entries:  entries,
		inFlight: make([]int, len(entries)),
		store:    store,
		logger:   logger.With("component", "quota"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	return len(p.entries)
}

// load merges persisted counters into the entries once per process. Callers hold p.mu.
func (p *Pool) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}

	usage, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pool usage: %w", err)
	}

	for i := range p.entries {
		e := &p.entries[i]
		if u, ok := usage[e.UsageKey()]; ok {
			e.RequestsUsed = u.RequestsUsed
			e.LastAttemptAt = u.LastAttemptAt
			e.LastSuccessAt = u.LastSuccessAt
		}
		e.Active = !e.Exhausted()
	}

	p.loaded = true
	p.logger.Debug("loaded pool usage", "entries", len(p.entries), "persisted", len(usage))
	return nil
}

// available reports whether entry i can take one more request. Callers hold p.mu.
func (p *Pool) available(i int) bool {
	e := p.entries[i]
	if !e.Active {
		return false
	}
	return e.Unlimited() || e.RequestsUsed+p.inFlight[i] < e.MaxRequests
}

// Select returns the first available entry scanning from the cursor.
//
// The returned entry is reserved until [Pool.RecordOutcome] is called with it.
// ok is false when every entry is inactive or exhausted.
func (p *Pool) Select(ctx context.Context) (entry models.PoolEntry, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return models.PoolEntry{}, false, err
	}

	n := len(p.entries)
	for step := range n {
		i := (p.cursor + step) % n
		if !p.available(i) {
			continue
		}
		p.inFlight[i]++
		return p.entries[i], true, nil
	}
	return models.PoolEntry{}, false, nil
}

// RecordOutcome releases the reservation taken by Select and persists the attempt.
//
// Success consumes one request through an atomic capped increment. Failure only
// records the attempt time. It must be called exactly once per selected entry.
//
// When another process consumed the last request first the entry is retired
// and [shared.ErrQuotaExhausted] is returned.
func (p *Pool) RecordOutcome(ctx context.Context, entry models.PoolEntry, success bool) error {
	idx := entry.Index
	if idx < 0 || idx >= len(p.entries) {
		return fmt.Errorf("%w: unknown pool entry %d", shared.ErrInvalidArgument, idx)
	}

	p.mu.Lock()
	if p.inFlight[idx] > 0 {
		p.inFlight[idx]--
	}
	e := p.entries[idx]
	p.mu.Unlock()

	usage := models.PoolUsage{
		Key:            e.UsageKey(),
		CredentialHash: e.CredentialHash,
		Host:           e.Host,
		MaxRequests:    e.MaxRequests,
	}
	at := p.now()

	if !success {
		p.mu.Lock()
		p.entries[idx].LastAttemptAt = at
		p.mu.Unlock()

		if err := p.store.Touch(ctx, usage, at); err != nil {
			p.logger.Warn("failed to persist pool attempt", "entry", e.String(), "error", err)
			return err
		}
		return nil
	}

	used, incremented, err := p.store.Increment(ctx, usage, at)
	if err != nil {
		// Count locally so this process never overshoots the cap.
		p.mu.Lock()
		used = p.entries[idx].RequestsUsed + 1
		p.apply(usage.Key, used, at)
		p.mu.Unlock()
		p.logger.Error("failed to persist pool usage", "entry", e.String(), "error", err)
		return err
	}

	p.mu.Lock()
	p.apply(usage.Key, used, at)
	p.mu.Unlock()

	if !incremented {
		p.logger.Warn("pool entry was already at its cap", "entry", e.String(), "used", used, "max", e.MaxRequests)
		return fmt.Errorf("%w: %s already used %d of %d requests", shared.ErrQuotaExhausted, e.String(), used, e.MaxRequests)
	}
	return nil
}

// apply sets the count on every entry sharing key and retires exhausted ones. Callers hold p.mu.
func (p *Pool) apply(key string, used int, at time.Time) {
	for i := range p.entries {
		e := &p.entries[i]
		if e.UsageKey() != key {
			continue
		}
		e.RequestsUsed = used
		e.LastAttemptAt = at
		e.LastSuccessAt = at
		if e.Active && e.Exhausted() {
			e.Active = false
			p.logger.Info("pool entry exhausted", "entry", e.String(), "used", used, "max", e.MaxRequests)
			if p.cursor == i {
				p.cursor = (i + 1) % len(p.entries)
			}
		}
	}
}

// Snapshot returns a copy of every entry with its credential removed.
func (p *Pool) Snapshot(ctx context.Context) ([]models.PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return nil, err
	}

	out := make([]models.PoolEntry, len(p.entries))
	for i, e := range p.entries {
		e.Credential = ""
		e.LinkFields = slices.Clone(e.LinkFields)
		e.TitleFields = slices.Clone(e.TitleFields)
		out[i] = e
	}
	return out, nil
}

// Remaining sums the requests left across capped active entries. unlimited is true if any active entry has no cap.
func (p *Pool) Remaining() (remaining int, unlimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if !e.Active {
			continue
		}
		if e.Unlimited() {
			unlimited = true
			continue
		}
		remaining += e.Remaining()
	}
	return remaining, unlimited
}

// Reset zeroes the counters for key, or for every entry when key is empty, and re-activates them.
func (p *Pool) Reset(ctx context.Context, key string) error {
	if err := p.store.Reset(ctx, key); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	matched := 0
	for i := range p.entries {
		e := &p.entries[i]
		if key != "" && e.UsageKey() != key {
			continue
		}
		e.RequestsUsed = 0
		e.Active = true
		matched++
	}
	p.cursor = 0

	p.logger.Info("pool counters reset", "key", key, "entries", matched)
	if key != "" && matched == 0 {
		return fmt.Errorf("%w: no pool entry with key %s", shared.ErrInvalidArgument, key)
	}
	return nil
}
