// package testing contains shared testing utilities
package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

// MockProvider is a test double for [services.Provider] and [services.PoolProvider].
//
// It returns Result or Err and counts calls. Delay blocks each call until it
// elapses or the context ends.
type MockProvider struct {
	ProviderName string
	Result       *models.ConversionResult
	Err          error
	Delay        time.Duration

	mu      sync.Mutex
	calls   int
	entries []models.PoolEntry
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) Convert(ctx context.Context, mediaID string) (*models.ConversionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result == nil {
		return &models.ConversionResult{Link: "https://cdn.example.com/" + mediaID + ".mp3", Title: mediaID}, nil
	}
	r := *m.Result
	return &r, nil
}

func (m *MockProvider) ConvertWith(ctx context.Context, entry models.PoolEntry, mediaID string) (*models.ConversionResult, error) {
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return m.Convert(ctx, mediaID)
}

// Calls returns how many conversions were requested.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Entries returns the pool entries passed to ConvertWith, in call order.
func (m *MockProvider) Entries() []models.PoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PoolEntry(nil), m.entries...)
}

// MemoryCounterStore is an in-memory [quota.CounterStore].
type MemoryCounterStore struct {
	mu     sync.Mutex
	usage  map[string]models.PoolUsage
	Err    error // returned by every call when set
	Bumped int   // successful increments
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{usage: map[string]models.PoolUsage{}}
}

func (s *MemoryCounterStore) Load(ctx context.Context) (map[string]models.PoolUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]models.PoolUsage, len(s.usage))
	maps.Copy(out, s.usage)
	return out, nil
}

func (s *MemoryCounterStore) Increment(ctx context.Context, u models.PoolUsage, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	cur, ok := s.usage[u.Key]
	if !ok {
		cur = u
		cur.RequestsUsed = 0
	}
	cur.MaxRequests = u.MaxRequests
	cur.LastAttemptAt = at
	if cur.MaxRequests > 0 && cur.RequestsUsed >= cur.MaxRequests {
		s.usage[u.Key] = cur
		return cur.RequestsUsed, false, nil
	}
	cur.RequestsUsed++
	cur.LastSuccessAt = at
	s.usage[u.Key] = cur
	s.Bumped++
	return cur.RequestsUsed, true, nil
}

func (s *MemoryCounterStore) Touch(ctx context.Context, u models.PoolUsage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.usage[u.Key]
	if !ok {
		cur = u
		cur.RequestsUsed = 0
	}
	cur.LastAttemptAt = at
	s.usage[u.Key] = cur
	return nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for k, u := range s.usage {
		if key == "" || k == key {
			u.RequestsUsed = 0
			s.usage[k] = u
		}
	}
	return nil
}

// Used returns the persisted count for key.
func (s *MemoryCounterStore) Used(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[key].RequestsUsed
}

// MemoryDailyCounter is an in-memory [quota.DailyCounter].
type MemoryDailyCounter struct {
	mu           sync.Mutex
	counts       map[string]int
	IncrementErr error
}

func NewMemoryDailyCounter() *MemoryDailyCounter {
	return &MemoryDailyCounter{counts: map[string]int{}}
}

func (c *MemoryDailyCounter) Count(ctx context.Context, name, day string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name+"/"+day], nil
}

func (c *MemoryDailyCounter) Increment(ctx context.Context, name, day string, limit int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IncrementErr != nil {
		return 0, false, c.IncrementErr
	}
	k := name + "/" + day
	if limit > 0 && c.counts[k] >= limit {
		return c.counts[k], false, nil
	}
	c.counts[k]++
	return c.counts[k], true, nil
}

// MemoryStore is an in-memory [storage.ObjectStore].
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	PutErr  error
	GetErr  error
	BaseURL string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}, BaseURL: "https://media.example.com"}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.puts++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if s.GetErr != nil {
		return nil, 0, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%w: %s", shared.ErrObjectNotFound, key)
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) URL(key string) string { return s.BaseURL + "/" + key }

// Keys returns the stored object keys.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.objects))
}

// Puts returns how many uploads succeeded.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

func MustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return wd
}

func MustChdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory to %s: %v", dir, err)
	}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
