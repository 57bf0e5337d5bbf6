// Package artifacts deduplicates conversions by external media id.
//
// A [Store] looks up previously converted audio and persists new conversions
// exactly once: it downloads the provider link, uploads the bytes to an
// [storage.ObjectStore] under a deterministic key and records an
// [models.ArtifactRecord]. Failures while persisting are reported in the
// [PersistResult] so callers can fall back to the remote link.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/storage"
)

const defaultMaxDownloadBytes int64 = 100 << 20

// Repository is the metadata store behind a [Store].
type Repository interface {
	Create(ctx context.Context, rec *models.ArtifactRecord) (stored *models.ArtifactRecord, created bool, err error)
	GetByExternalID(ctx context.Context, externalID string) (*models.ArtifactRecord, error)
	List(ctx context.Context, limit int) ([]*models.ArtifactRecord, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, externalID string) error
}

// PersistResult reports the outcome of [Store.Persist].
//
// When Success is false Err explains why and the caller should serve the remote link uncached.
type PersistResult struct {
	Record  *models.ArtifactRecord
	Success bool
	Reused  bool // an existing artifact was returned
	Healed  bool // an existing record's missing object was uploaded again
	Err     error
}

// Options configures a [Store].
type Options struct {
	MaxDownloadBytes int64         // download cap, default 100 MiB
	PersistTimeout   time.Duration // bound for a shared persist, default 5m
	LookupTTL        time.Duration // in-memory lookup cache, disabled when zero
	HTTPClient       *http.Client  // used to download provider links
	Logger           *log.Logger
}

// Store is the artifact cache.
type Store struct {
	repo     Repository
	objects  storage.ObjectStore
	client   *http.Client
	cache    *cache.Cache
	group    singleflight.Group
	maxBytes int64
	timeout  time.Duration
	logger   *log.Logger
}

// NewStore creates a store over repo and objects.
func NewStore(repo Repository, objects storage.ObjectStore, opts Options) *Store {
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	s := &Store{
		repo:     repo,
		objects:  objects,
		client:   opts.HTTPClient,
		maxBytes: opts.MaxDownloadBytes,
		timeout:  opts.PersistTimeout,
		logger:   opts.Logger.With("component", "artifacts"),
	}
	if opts.LookupTTL > 0 {
		s.cache = cache.New(opts.LookupTTL, 2*opts.LookupTTL)
	}
	return s
}

// Objects returns the underlying object store.
func (s *Store) Objects() storage.ObjectStore { return s.objects }

// Lookup returns the artifact for externalID, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, externalID string) (*models.ArtifactRecord, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(externalID); ok {
			rec := *v.(*models.ArtifactRecord)
			return &rec, nil
		}
	}

	rec, err := s.repo.GetByExternalID(ctx, externalID)
	if errors.Is(err, shared.ErrArtifactNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact %s: %w", externalID, err)
	}

	s.remember(rec)
	return rec, nil
}

// Invalidate drops externalID from the lookup cache.
func (s *Store) Invalidate(externalID string) {
	if s.cache != nil {
		s.cache.Delete(externalID)
	}
}

func (s *Store) remember(rec *models.ArtifactRecord) {
	if s.cache != nil && rec != nil {
		cp := *rec
		s.cache.SetDefault(rec.ExternalID, &cp)
	}
}

// Open streams the stored bytes of rec.
func (s *Store) Open(ctx context.Context, rec *models.ArtifactRecord) (io.ReadCloser, int64, error) {
	body, size, err := s.objects.Get(ctx, rec.StorageKey)
	if err != nil {
		if errors.Is(err, shared.ErrObjectNotFound) {
			s.Invalidate(rec.ExternalID)
		}
		return nil, 0, fmt.Errorf("%w: failed to open %s: %w", shared.ErrStorageError, rec.StorageKey, err)
	}
	return body, size, nil
}

// Persist stores result.Link as the artifact for externalID.
//
// Concurrent calls for one id share a single download and upload, which keeps
// running when the caller that started it goes away. An existing
// artifact is returned as is, or re-uploaded to its own key when its object
// went missing. The returned error is reserved for invalid arguments.
func (s *Store) Persist(ctx context.Context, externalID string, meta models.TrackMetadata, result *models.ConversionResult, source string) (*PersistResult, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, fmt.Errorf("%w: external id is required", shared.ErrMissingArgument)
	}
	if result == nil || result.Link == "" {
		return nil, fmt.Errorf("%w: conversion result has no link", shared.ErrInvalidInput)
	}

	ch := s.group.DoChan(externalID, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.persist(pctx, externalID, meta, result, source), nil
	})

	select {
	case res := <-ch:
		pr := *res.Val.(*PersistResult)
		return &pr, nil
	case <-ctx.Done():
		return failed(fmt.Errorf("%w: waiting for artifact %s: %w", shared.ErrTimeout, externalID, ctx.Err())), nil
	}
}

func (s *Store) persist(ctx context.Context, externalID string, meta models.TrackMetadata, result *models.ConversionResult, source string) *PersistResult {
	existing, err := s.repo.GetByExternalID(ctx, externalID)
	switch {
	case err == nil:
		return s.reuse(ctx, existing, result)
	case !errors.Is(err, shared.ErrArtifactNotFound):
		return failed(fmt.Errorf("failed to check for existing artifact: %w", err))
	}

	if meta.Title == "" {
		meta.Title = result.Title
	}
	if meta.Duration == 0 {
		meta.Duration = result.DurationSeconds
	}

	key := storage.ObjectKey(externalID, meta.Title, meta.Artist)
	size, err := s.transfer(ctx, result.Link, key)
	if err != nil {
		s.logger.Warn("failed to persist artifact", "id", externalID, "key", key, "error", err)
		return failed(err)
	}

	rec := models.NewArtifactRecord(externalID, meta, key, s.objects.URL(key), size, source)
	stored, created, err := s.repo.Create(ctx, rec)
	if err != nil {
		s.logger.Error("failed to record artifact", "id", externalID, "error", err)
		return failed(fmt.Errorf("%w: %w", shared.ErrStorageError, err))
	}

	if !created {
		s.logger.Info("artifact recorded by another writer", "id", externalID, "key", stored.StorageKey)
		if stored.StorageKey != key {
			if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, shared.ErrObjectNotFound) {
				s.logger.Warn("failed to remove duplicate object", "key", key, "error", err)
			}
		}
	} else {
		s.logger.Info("artifact stored", "id", externalID, "key", key, "size", size, "source", source)
	}

	s.remember(stored)
	return &PersistResult{Record: stored, Success: true, Reused: !created}
}

func (s *Store) reuse(ctx context.Context, rec *models.ArtifactRecord, result *models.ConversionResult) *PersistResult {
	ok, err := s.objects.Exists(ctx, rec.StorageKey)
	if err != nil {
		return &PersistResult{Record: rec, Err: fmt.Errorf("%w: %w", shared.ErrStorageError, err)}
	}
	if ok {
		s.remember(rec)
		return &PersistResult{Record: rec, Success: true, Reused: true}
	}

	s.logger.Warn("artifact object missing, uploading again", "id", rec.ExternalID, "key", rec.StorageKey)
	if _, err := s.transfer(ctx, result.Link, rec.StorageKey); err != nil {
		return &PersistResult{Record: rec, Err: err}
	}
	s.remember(rec)
	return &PersistResult{Record: rec, Success: true, Reused: true, Healed: true}
}

// transfer downloads link into memory and uploads it under key.
func (s *Store) transfer(ctx context.Context, link, key string) (int64, error) {
	data, err := s.download(ctx, link)
	if err != nil {
		return 0, err
	}
	if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, fmt.Errorf("%w: upload to %s failed: %w", shared.ErrStorageError, s.objects.Name(), err)
	}
	return int64(len(data)), nil
}

func (s *Store) download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid download link: %w", shared.ErrStorageError, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download failed: %w", shared.ErrStorageError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: download returned status %d", shared.ErrStorageError, resp.StatusCode)
	}
	if resp.ContentLength > s.maxBytes {
		return nil, fmt.Errorf("%w: download of %d bytes exceeds limit of %d", shared.ErrStorageError, resp.ContentLength, s.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read download: %w", shared.ErrStorageError, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: download exceeds limit of %d bytes", shared.ErrStorageError, s.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: download was empty", shared.ErrStorageError)
	}
	return data, nil
}

// Delete removes the artifact for externalID from object storage and metadata.
func (s *Store) Delete(ctx context.Context, externalID string) error {
	rec, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	if err := s.objects.Delete(ctx, rec.StorageKey); err != nil && !errors.Is(err, shared.ErrObjectNotFound) {
		return fmt.Errorf("%w: failed to delete %s: %w", shared.ErrStorageError, rec.StorageKey, err)
	}
	if err := s.repo.Delete(ctx, externalID); err != nil {
		return err
	}

	s.Invalidate(externalID)
	s.logger.Info("artifact deleted", "id", externalID, "key", rec.StorageKey)
	return nil
}

// Get returns the artifact for externalID or [shared.ErrArtifactNotFound], bypassing the lookup cache.
func (s *Store) Get(ctx context.Context, externalID string) (*models.ArtifactRecord, error) {
	return s.repo.GetByExternalID(ctx, externalID)
}

// List returns the newest artifacts first.
func (s *Store) List(ctx context.Context, limit int) ([]*models.ArtifactRecord, error) {
	return s.repo.List(ctx, limit)
}

// Count returns the number of recorded artifacts.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func failed(err error) *PersistResult {
	return &PersistResult{Err: err}
}
