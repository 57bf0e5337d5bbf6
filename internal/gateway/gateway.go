// Package gateway answers stream requests for a media id.
//
// A request moves through a small state machine:
//
//	CheckCache -> Hit  -> StreamFromStorage
//	           -> Miss -> RunOrchestrator -> PersistAndStream
//	                                      -> RedirectToRemoteLink
//	                                      -> ErrorResponse
//
// A cache hit whose object cannot be opened is treated as a miss so the
// artifact heals itself. Concurrent misses for one id share a single
// orchestrator run and persist.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/tunegate/internal/artifacts"
	"github.com/desertthunder/tunegate/internal/metrics"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/tasks"
)

// State names a step of the request state machine.
type State int

const (
	CheckCache State = iota
	RunOrchestrator
	StreamFromStorage
	PersistAndStream
	RedirectToRemoteLink
	ErrorResponse
)

func (s State) String() string {
	switch s {
	case CheckCache:
		return "check_cache"
	case RunOrchestrator:
		return "run_orchestrator"
	case StreamFromStorage:
		return "stream_from_storage"
	case PersistAndStream:
		return "persist_and_stream"
	case RedirectToRemoteLink:
		return "redirect_to_remote_link"
	case ErrorResponse:
		return "error_response"
	default:
		return ""
	}
}

// Machine-readable error codes.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeTerminalFailure = "terminal_failure"
	CodeRecentlyFailed  = "recently_failed"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal"
)

// Resolver runs the fallback cascade. [tasks.Orchestrator] implements it.
type Resolver interface {
	Run(ctx context.Context, progress chan<- tasks.ProgressUpdate, mediaID string) (*tasks.Resolution, error)
}

// RemainingReporter exposes what is left of a quota pool.
type RemainingReporter interface {
	Remaining() (remaining int, unlimited bool)
}

// Request is a stream request.
type Request struct {
	ID   string
	Meta models.TrackMetadata
}

// Response is the terminal state of a request.
//
// Exactly one of Body (StreamFromStorage, PersistAndStream), RedirectURL
// (RedirectToRemoteLink) or Err (ErrorResponse) is set. Callers must close Body.
type Response struct {
	State       State
	Record      *models.ArtifactRecord
	Body        io.ReadCloser
	Size        int64
	RedirectURL string
	Strategy    string
	Code        string
	Err         error
}

// Options configures a [Gateway].
type Options struct {
	RedirectOnReady bool          // redirect to ready links and persist in the background
	ResolveTimeout  time.Duration // bound for a shared conversion, default 6m
	PersistTimeout  time.Duration // bound for background persists, default 5m
	FailureCooldown time.Duration // how long a terminal failure is remembered, zero disables
	Pool            RemainingReporter
	Metrics         *metrics.Metrics
	Logger          *log.Logger
}

// Gateway serves media ids from the artifact cache or through the orchestrator.
type Gateway struct {
	store    *artifacts.Store
	resolver Resolver
	opts     Options
	logger   *log.Logger

	group    singleflight.Group
	failures *cache.Cache // id -> terminal error
	pending  *cache.Cache // id -> remote link while a background persist runs
	wg       sync.WaitGroup
}

// New creates a gateway.
func New(store *artifacts.Store, resolver Resolver, opts Options) *Gateway {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Minute
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 6 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	g := &Gateway{
		store:    store,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger.With("component", "gateway"),
		pending:  cache.New(opts.PersistTimeout, time.Minute),
	}
	if opts.FailureCooldown > 0 {
		g.failures = cache.New(opts.FailureCooldown, time.Minute)
	}
	return g
}

// Lookup returns the artifact for id without converting anything.
func (g *Gateway) Lookup(ctx context.Context, id string) (*models.ArtifactRecord, error) {
	return g.store.Lookup(ctx, id)
}

// miss is shared by every caller collapsed onto one id.
type miss struct {
	resolution *tasks.Resolution
	persist    *artifacts.PersistResult
	redirect   string // set when the response should redirect without waiting for persistence
}

// Stream resolves req to a stream, a redirect or an error.
func (g *Gateway) Stream(ctx context.Context, req Request) *Response {
	resp := g.stream(ctx, req)
	g.opts.Metrics.RecordOutcome(outcomeLabel(resp.State))
	return resp
}

func (g *Gateway) stream(ctx context.Context, req Request) *Response {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return errorResponse(CodeInvalidRequest, fmt.Errorf("%w: media id is required", shared.ErrMissingArgument))
	}
	logger := g.logger.With("id", id)

	if resp := g.checkCache(ctx, id, logger); resp != nil {
		return resp
	}

	if g.failures != nil {
		if v, ok := g.failures.Get(id); ok {
			return errorResponse(CodeRecentlyFailed, fmt.Errorf("conversion recently failed, retry later: %w", v.(error)))
		}
	}

	// The shared conversion outlives any single caller. Each caller stops waiting when its own context ends.
	ch := g.group.DoChan(id, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.ResolveTimeout)
		defer cancel()
		return g.miss(sctx, id, req.Meta, logger)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return g.failure(id, fmt.Errorf("%w: waiting for %s: %w", shared.ErrTimeout, id, ctx.Err()), logger)
	}
	if res.Err != nil {
		return g.failure(id, res.Err, logger)
	}
	m := res.Val.(*miss)
	if res.Shared {
		logger.Debug("joined in-flight conversion")
	}

	if m.redirect != "" {
		return &Response{State: RedirectToRemoteLink, RedirectURL: m.redirect, Strategy: strategyOf(m)}
	}

	if m.persist.Success {
		body, size, err := g.store.Open(ctx, m.persist.Record)
		if err == nil {
			return &Response{
				State:    PersistAndStream,
				Record:   m.persist.Record,
				Body:     body,
				Size:     size,
				Strategy: strategyOf(m),
			}
		}
		logger.Warn("failed to open persisted artifact", "error", err)
	}
	if m.resolution == nil {
		return errorResponse(CodeInternal, fmt.Errorf("%w: artifact %s is unreadable", shared.ErrStorageError, id))
	}
	return &Response{State: RedirectToRemoteLink, RedirectURL: m.resolution.Result.Link, Strategy: strategyOf(m)}
}

// checkCache returns a stream response on a usable hit and nil otherwise.
func (g *Gateway) checkCache(ctx context.Context, id string, logger *log.Logger) *Response {
	rec, err := g.store.Lookup(ctx, id)
	if err != nil {
		logger.Warn("artifact lookup failed, converting", "error", err)
		g.opts.Metrics.RecordLookup("miss")
		return nil
	}
	if rec == nil {
		g.opts.Metrics.RecordLookup("miss")
		return nil
	}

	body, size, err := g.store.Open(ctx, rec)
	if err != nil {
		logger.Warn("cached artifact unavailable, converting again", "key", rec.StorageKey, "error", err)
		g.opts.Metrics.RecordLookup("stale")
		return nil
	}

	g.opts.Metrics.RecordLookup("hit")
	return &Response{State: StreamFromStorage, Record: rec, Body: body, Size: size, Strategy: rec.Source}
}

func (g *Gateway) miss(ctx context.Context, id string, meta models.TrackMetadata, logger *log.Logger) (*miss, error) {
	if v, ok := g.pending.Get(id); ok {
		logger.Debug("background persist pending, redirecting")
		return &miss{redirect: v.(string)}, nil
	}

	// A conversion that finished between our cache check and joining the group is reused.
	if rec, err := g.store.Lookup(ctx, id); err == nil && rec != nil {
		if ok, err := g.store.Objects().Exists(ctx, rec.StorageKey); err == nil && ok {
			return &miss{persist: &artifacts.PersistResult{Record: rec, Success: true, Reused: true}}, nil
		}
	}

	res, err := g.resolver.Run(ctx, nil, id)
	g.reportPool()
	if err != nil {
		return nil, err
	}

	if res.Result.Ready && g.opts.RedirectOnReady {
		g.persistAsync(ctx, id, meta, res, logger)
		return &miss{resolution: res, redirect: res.Result.Link}, nil
	}

	pr, err := g.store.Persist(ctx, id, meta, res.Result, res.Strategy)
	if err != nil {
		return nil, err
	}
	g.recordPersist(pr)
	if !pr.Success {
		logger.Warn("serving remote link uncached", "strategy", res.Strategy, "error", pr.Err)
	}
	return &miss{resolution: res, persist: pr}, nil
}

// persistAsync stores the result after the response went out. It is bounded by PersistTimeout and tracked for [Gateway.Close].
func (g *Gateway) persistAsync(ctx context.Context, id string, meta models.TrackMetadata, res *tasks.Resolution, logger *log.Logger) {
	g.pending.SetDefault(id, res.Result.Link)
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.pending.Delete(id)

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.PersistTimeout)
		defer cancel()

		pr, err := g.store.Persist(pctx, id, meta, res.Result, res.Strategy)
		if err != nil {
			logger.Error("background persist rejected", "error", err)
			g.opts.Metrics.RecordPersist("failed")
			return
		}
		g.recordPersist(pr)
		if !pr.Success {
			logger.Warn("background persist failed", "strategy", res.Strategy, "error", pr.Err)
		}
	}()
}

func (g *Gateway) failure(id string, err error, logger *log.Logger) *Response {
	switch {
	case errors.Is(err, shared.ErrTerminalFailure):
		if g.failures != nil {
			g.failures.SetDefault(id, err)
		}
		logger.Error("conversion failed", "error", err)
		return errorResponse(CodeTerminalFailure, err)
	case errors.Is(err, shared.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn("conversion timed out", "error", err)
		return errorResponse(CodeTimeout, err)
	case errors.Is(err, shared.ErrMissingArgument), errors.Is(err, shared.ErrInvalidInput):
		return errorResponse(CodeInvalidRequest, err)
	default:
		logger.Error("conversion error", "error", err)
		return errorResponse(CodeInternal, err)
	}
}

// ForgetFailure clears the cooldown for id.
func (g *Gateway) ForgetFailure(id string) {
	if g.failures != nil {
		g.failures.Delete(id)
	}
}

// Close waits for background persists to finish or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background persists still running: %w", ctx.Err())
	}
}

func (g *Gateway) recordPersist(pr *artifacts.PersistResult) {
	switch {
	case !pr.Success:
		g.opts.Metrics.RecordPersist("failed")
	case pr.Healed:
		g.opts.Metrics.RecordPersist("healed")
	case pr.Reused:
		g.opts.Metrics.RecordPersist("reused")
	default:
		g.opts.Metrics.RecordPersist("stored")
	}
}

func (g *Gateway) reportPool() {
	if g.opts.Pool == nil {
		return
	}
	remaining, _ := g.opts.Pool.Remaining()
	g.opts.Metrics.SetPoolRemaining(remaining)
}

func errorResponse(code string, err error) *Response {
	return &Response{State: ErrorResponse, Code: code, Err: err}
}

func strategyOf(m *miss) string {
	switch {
	case m.resolution != nil:
		return m.resolution.Strategy
	case m.persist != nil && m.persist.Record != nil:
		return m.persist.Record.Source
	default:
		return ""
	}
}

func outcomeLabel(s State) string {
	switch s {
	case StreamFromStorage, PersistAndStream:
		return "stream"
	case RedirectToRemoteLink:
		return "redirect"
	default:
		return "error"
	}
}
