package artifacts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/repositories"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/storage"
	tu "github.com/desertthunder/tunegate/internal/testing"
)

var audio = []byte("ID3\x03\x00fake-mp3-frames")

func setupRepo(t *testing.T) *repositories.ArtifactRepository {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return repositories.NewArtifactRepository(db)
}

// audioServer serves audio at every path and counts downloads.
func audioServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T, objects storage.ObjectStore, opts Options) (*Store, *repositories.ArtifactRepository) {
	t.Helper()
	repo := setupRepo(t)
	opts.Logger = shared.NewLogger(io.Discard)
	return NewStore(repo, objects, opts), repo
}

func result(srv *httptest.Server, path string) *models.ConversionResult {
	return &models.ConversionResult{Link: srv.URL + path, Title: "Provider Title", DurationSeconds: 212}
}

func TestPersist(t *testing.T) {
	ctx := context.Background()
	meta := models.TrackMetadata{Title: "Song", Artist: "Artist", Album: "Album"}

	t.Run("lookup after persist returns the stored artifact", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		objects := tu.NewMemoryStore()
		s, _ := newTestStore(t, objects, Options{})

		rec, err := s.Lookup(ctx, "abc123")
		if err != nil || rec != nil {
			t.Fatalf("expected a miss, got %+v, %v", rec, err)
		}

		pr, err := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		if err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		if !pr.Success || pr.Reused || pr.Err != nil {
			t.Fatalf("unexpected persist result: %+v", pr)
		}

		wantKey := "audio/abc123/artist-song.mp3"
		if pr.Record.StorageKey != wantKey {
			t.Errorf("expected key %s, got %s", wantKey, pr.Record.StorageKey)
		}
		if pr.Record.Duration != 212 || pr.Record.Source != "rapidapi" || pr.Record.SizeBytes != int64(len(audio)) {
			t.Errorf("unexpected record: %+v", pr.Record)
		}

		rec, err = s.Lookup(ctx, "abc123")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if rec == nil || rec.StorageURL != objects.URL(wantKey) {
			t.Errorf("expected stored URL %s, got %+v", objects.URL(wantKey), rec)
		}

		body, size, err := s.Open(ctx, rec)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer body.Close()
		data, _ := io.ReadAll(body)
		if size != int64(len(audio)) || string(data) != string(audio) {
			t.Errorf("unexpected stored bytes: %q", data)
		}
	})

	t.Run("provider title is used when caller has none", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		s, _ := newTestStore(t, tu.NewMemoryStore(), Options{})

		pr, _ := s.Persist(ctx, "abc123", models.TrackMetadata{}, result(srv, "/a.mp3"), "proxy")
		if pr.Record.Title != "Provider Title" || pr.Record.StorageKey != "audio/abc123/provider-title.mp3" {
			t.Errorf("unexpected record: %+v", pr.Record)
		}
	})

	t.Run("persisting twice keeps one object", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		objects := tu.NewMemoryStore()
		s, repo := newTestStore(t, objects, Options{})

		first, _ := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		second, _ := s.Persist(ctx, "abc123", meta, result(srv, "/b.mp3"), "proxy")

		if !second.Success || !second.Reused {
			t.Errorf("expected reuse, got %+v", second)
		}
		if first.Record.ID != second.Record.ID {
			t.Errorf("expected the same record, got %s and %s", first.Record.ID, second.Record.ID)
		}
		if objects.Puts() != 1 || hits.Load() != 1 {
			t.Errorf("expected 1 upload and 1 download, got %d and %d", objects.Puts(), hits.Load())
		}
		if n, _ := repo.Count(ctx); n != 1 {
			t.Errorf("expected 1 record, got %d", n)
		}
	})

	t.Run("concurrent persists converge", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		objects := tu.NewMemoryStore()
		s, repo := newTestStore(t, objects, Options{})

		var wg sync.WaitGroup
		ids := make(chan string, 10)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pr, err := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
				if err != nil || !pr.Success {
					t.Errorf("Persist failed: %v %+v", err, pr)
					return
				}
				ids <- pr.Record.ID
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			seen[id] = true
		}
		if len(seen) != 1 {
			t.Errorf("expected one record id, got %d", len(seen))
		}
		if len(objects.Keys()) != 1 {
			t.Errorf("expected one object, got %v", objects.Keys())
		}
		if n, _ := repo.Count(ctx); n != 1 {
			t.Errorf("expected 1 record, got %d", n)
		}
	})

	t.Run("one caller's deadline does not fail merged callers", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			time.Sleep(200 * time.Millisecond)
			w.Write(audio)
		}))
		t.Cleanup(srv.Close)
		s, _ := newTestStore(t, tu.NewMemoryStore(), Options{})

		impatient := make(chan *PersistResult, 1)
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			pr, _ := s.Persist(cctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
			impatient <- pr
		}()

		deadline := time.Now().Add(time.Second)
		for hits.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		pr, err := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		if err != nil || !pr.Success {
			t.Fatalf("expected the patient caller to persist, got %v %+v", err, pr)
		}

		first := <-impatient
		if first.Success || !errors.Is(first.Err, shared.ErrTimeout) {
			t.Errorf("expected the impatient caller to time out, got %+v", first)
		}
		if hits.Load() != 1 {
			t.Errorf("expected one shared download, got %d", hits.Load())
		}
	})

	t.Run("distinct ids keep distinct objects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("bytes-of" + r.URL.Path))
		}))
		t.Cleanup(srv.Close)
		local, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080/media")
		if err != nil {
			t.Fatalf("NewLocalStore failed: %v", err)
		}
		s, _ := newTestStore(t, local, Options{})

		first := &models.ConversionResult{Link: srv.URL + "/first"}
		second := &models.ConversionResult{Link: srv.URL + "/second"}
		if pr, _ := s.Persist(ctx, "abc", models.TrackMetadata{Title: "def"}, first, "proxy"); !pr.Success {
			t.Fatalf("persist abc failed: %v", pr.Err)
		}
		if pr, _ := s.Persist(ctx, "abc-def", models.TrackMetadata{}, second, "proxy"); !pr.Success {
			t.Fatalf("persist abc-def failed: %v", pr.Err)
		}

		for id, want := range map[string]string{"abc": "bytes-of/first", "abc-def": "bytes-of/second"} {
			rec, err := s.Lookup(ctx, id)
			if err != nil || rec == nil {
				t.Fatalf("Lookup(%s) failed: %v", id, err)
			}
			body, _, err := s.Open(ctx, rec)
			if err != nil {
				t.Fatalf("Open(%s) failed: %v", id, err)
			}
			data, _ := io.ReadAll(body)
			body.Close()
			if string(data) != want {
				t.Errorf("%s: expected %q, got %q", id, want, data)
			}
		}
	})

	t.Run("missing object is uploaded again to the same key", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		objects := tu.NewMemoryStore()
		s, _ := newTestStore(t, objects, Options{})

		first, _ := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		if err := objects.Delete(ctx, first.Record.StorageKey); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if _, _, err := s.Open(ctx, first.Record); !errors.Is(err, shared.ErrStorageError) {
			t.Errorf("expected ErrStorageError, got %v", err)
		}

		second, _ := s.Persist(ctx, "abc123", models.TrackMetadata{Title: "Other"}, result(srv, "/a.mp3"), "proxy")
		if !second.Success || !second.Healed {
			t.Fatalf("expected a healed artifact, got %+v", second)
		}
		if keys := objects.Keys(); len(keys) != 1 || keys[0] != first.Record.StorageKey {
			t.Errorf("expected object at %s, got %v", first.Record.StorageKey, keys)
		}
	})

	t.Run("upload failure degrades", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		objects := tu.NewMemoryStore()
		objects.PutErr = errors.New("disk full")
		s, repo := newTestStore(t, objects, Options{})

		pr, err := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		if err != nil {
			t.Fatalf("expected degraded result, got error %v", err)
		}
		if pr.Success || !errors.Is(pr.Err, shared.ErrStorageError) {
			t.Errorf("expected storage failure, got %+v", pr)
		}
		if n, _ := repo.Count(ctx); n != 0 {
			t.Errorf("expected no record, got %d", n)
		}
	})

	t.Run("download failures degrade", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)

		tests := []struct {
			name string
			link string
			max  int64
		}{
			{name: "not found", link: srv.URL + "/missing.mp3"},
			{name: "too large", link: srv.URL + "/a.mp3", max: 4},
			{name: "unreachable", link: "http://127.0.0.1:1/a.mp3"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s, _ := newTestStore(t, tu.NewMemoryStore(), Options{MaxDownloadBytes: tt.max})
				pr, err := s.Persist(ctx, "abc123", meta, &models.ConversionResult{Link: tt.link}, "rapidapi")
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if pr.Success || !errors.Is(pr.Err, shared.ErrStorageError) {
					t.Errorf("expected storage failure, got %+v", pr)
				}
			})
		}

		t.Run("body read error", func(t *testing.T) {
			client := &http.Client{Transport: tu.NewMockRoundTripper(&http.Response{
				StatusCode: http.StatusOK,
				Body:       &tu.FCloser{},
				Header:     http.Header{},
			}, nil)}
			objects := tu.NewMemoryStore()
			s, _ := newTestStore(t, objects, Options{HTTPClient: client})

			pr, err := s.Persist(ctx, "abc123", meta, &models.ConversionResult{Link: "http://cdn.test/a.mp3"}, "rapidapi")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pr.Success || !errors.Is(pr.Err, shared.ErrStorageError) {
				t.Errorf("expected storage failure, got %+v", pr)
			}
			if objects.Puts() != 0 {
				t.Errorf("expected no upload, got %d", objects.Puts())
			}
		})

		t.Run("transport error", func(t *testing.T) {
			client := &http.Client{Transport: tu.NewMockRoundTripper(nil, errors.New("connection reset"))}
			s, _ := newTestStore(t, tu.NewMemoryStore(), Options{HTTPClient: client})

			pr, _ := s.Persist(ctx, "abc123", meta, &models.ConversionResult{Link: "http://cdn.test/a.mp3"}, "rapidapi")
			if pr.Success || !errors.Is(pr.Err, shared.ErrStorageError) {
				t.Errorf("expected storage failure, got %+v", pr)
			}
		})
	})

	t.Run("invalid arguments", func(t *testing.T) {
		s, _ := newTestStore(t, tu.NewMemoryStore(), Options{})

		if _, err := s.Persist(ctx, " ", meta, &models.ConversionResult{Link: "http://x"}, "p"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
		if _, err := s.Persist(ctx, "abc123", meta, &models.ConversionResult{}, "p"); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("local backend", func(t *testing.T) {
		var hits atomic.Int32
		srv := audioServer(t, &hits)
		local, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080/media")
		if err != nil {
			t.Fatalf("NewLocalStore failed: %v", err)
		}
		s, _ := newTestStore(t, local, Options{})

		pr, _ := s.Persist(ctx, "abc123", meta, result(srv, "/a.mp3"), "rapidapi")
		if !pr.Success {
			t.Fatalf("expected success, got %+v", pr)
		}
		if pr.Record.StorageURL != "http://localhost:8080/media/audio/abc123/artist-song.mp3" {
			t.Errorf("unexpected URL: %s", pr.Record.StorageURL)
		}
	})
}

func TestLookupCache(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := audioServer(t, &hits)
	s, repo := newTestStore(t, tu.NewMemoryStore(), Options{LookupTTL: time.Minute})

	if _, err := s.Persist(ctx, "abc123", models.TrackMetadata{Title: "Song"}, result(srv, "/a.mp3"), "rapidapi"); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Remove the row behind the cache's back.
	if err := repo.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	rec, err := s.Lookup(ctx, "abc123")
	if err != nil || rec == nil {
		t.Fatalf("expected cached record, got %+v, %v", rec, err)
	}

	s.Invalidate("abc123")
	rec, err = s.Lookup(ctx, "abc123")
	if err != nil || rec != nil {
		t.Errorf("expected a miss after invalidation, got %+v, %v", rec, err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := audioServer(t, &hits)
	objects := tu.NewMemoryStore()
	s, _ := newTestStore(t, objects, Options{LookupTTL: time.Minute})

	s.Persist(ctx, "abc123", models.TrackMetadata{Title: "Song"}, result(srv, "/a.mp3"), "rapidapi")

	if err := s.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(objects.Keys()) != 0 {
		t.Errorf("expected object to be removed, got %v", objects.Keys())
	}
	if rec, _ := s.Lookup(ctx, "abc123"); rec != nil {
		t.Errorf("expected a miss, got %+v", rec)
	}
	if err := s.Delete(ctx, "abc123"); !errors.Is(err, shared.ErrArtifactNotFound) {
		t.Errorf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := audioServer(t, &hits)
	s, _ := newTestStore(t, tu.NewMemoryStore(), Options{})

	for _, id := range []string{"a1", "b2", "c3"} {
		s.Persist(ctx, id, models.TrackMetadata{Title: id}, result(srv, "/"+id+".mp3"), "proxy")
	}

	list, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 records, got %d", len(list))
	}
	if n, _ := s.Count(ctx); n != 3 {
		t.Errorf("expected 3 records, got %d", n)
	}
}
