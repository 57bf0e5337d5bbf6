package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tunegate/internal/gateway"
	"github.com/desertthunder/tunegate/internal/metrics"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/quota"
)

const (
	codeInvalidRequest = gateway.CodeInvalidRequest
	codeInternal       = gateway.CodeInternal
)

// Pinger reports whether a backing store is reachable, e.g. [*sql.DB].
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PoolSnapshotter exposes the entries of a quota pool. [quota.Pool] implements it.
type PoolSnapshotter interface {
	Snapshot(ctx context.Context) ([]models.PoolEntry, error)
}

// API serves the gateway routes.
type API struct {
	Gateway        *gateway.Gateway
	Pool           PoolSnapshotter       // optional
	Limiters       []*quota.DailyLimiter // optional
	Metrics        *metrics.Metrics      // optional
	DB             Pinger                // optional
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Register adds every API route to r.
func (a *API) Register(r Router) {
	r.Handle(http.MethodGet, "/stream/{id}", http.HandlerFunc(a.stream))
	r.Handle(http.MethodGet, "/artifacts/{id}", http.HandlerFunc(a.artifact))
	r.Handle(http.MethodGet, "/pool", http.HandlerFunc(a.pool))
	r.Handle(http.MethodGet, "/health", http.HandlerFunc(a.health))
	r.Handle(http.MethodGet, "/metrics", a.Metrics.Handler())
}

func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	if a.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.RequestTimeout)
		defer cancel()
	}

	resp := a.Gateway.Stream(ctx, req)
	if resp.Strategy != "" {
		w.Header().Set("X-Tunegate-Source", resp.Strategy)
	}

	switch resp.State {
	case gateway.StreamFromStorage, gateway.PersistAndStream:
		defer resp.Body.Close()

		cache := "miss"
		if resp.State == gateway.StreamFromStorage {
			cache = "hit"
		}
		contentType := resp.Record.ContentType
		if contentType == "" {
			contentType = "audio/mpeg"
		}

		h := w.Header()
		h.Set("X-Tunegate-Cache", cache)
		h.Set("Content-Type", contentType)
		h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": resp.Record.Filename()}))
		if resp.Size > 0 {
			h.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
		}
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, resp.Body); err != nil {
			a.Logger.Warn("stream interrupted", "id", req.ID, "error", err)
		}
	case gateway.RedirectToRemoteLink:
		w.Header().Set("X-Tunegate-Cache", "miss")
		http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
	default:
		status := statusFor(resp.Code)
		if resp.Code == gateway.CodeRecentlyFailed {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, status, resp.Code, resp.Err.Error())
	}
}

func parseStreamRequest(r *http.Request) (gateway.Request, error) {
	q := r.URL.Query()
	req := gateway.Request{
		ID: strings.TrimSpace(r.PathValue("id")),
		Meta: models.TrackMetadata{
			Title:     q.Get("title"),
			Artist:    q.Get("artist"),
			Album:     q.Get("album"),
			Thumbnail: q.Get("thumbnail"),
		},
	}
	if req.ID == "" {
		return req, errors.New("media id is required")
	}
	if d := q.Get("duration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return req, fmt.Errorf("invalid duration %q", d)
		}
		req.Meta.Duration = n
	}
	return req, nil
}

type artifactView struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title,omitempty"`
	Artist      string    `json:"artist,omitempty"`
	Album       string    `json:"album,omitempty"`
	Duration    int       `json:"duration,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

func newArtifactView(rec *models.ArtifactRecord) *artifactView {
	return &artifactView{
		ID:          rec.ID,
		ExternalID:  rec.ExternalID,
		Title:       rec.Title,
		Artist:      rec.Artist,
		Album:       rec.Album,
		Duration:    rec.Duration,
		Thumbnail:   rec.Thumbnail,
		URL:         rec.StorageURL,
		ContentType: rec.ContentType,
		SizeBytes:   rec.SizeBytes,
		Source:      rec.Source,
		CreatedAt:   rec.CreatedAt,
	}
}

func (a *API) artifact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "media id is required")
		return
	}

	rec, err := a.Gateway.Lookup(r.Context(), id)
	if err != nil {
		a.Logger.Error("artifact lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "artifact lookup failed")
		return
	}

	body := struct {
		ID       string        `json:"id"`
		Hit      bool          `json:"hit"`
		Artifact *artifactView `json:"artifact,omitempty"`
	}{ID: id, Hit: rec != nil}
	if rec != nil {
		body.Artifact = newArtifactView(rec)
	}
	writeJSON(w, http.StatusOK, body)
}

type poolEntryView struct {
	Index          int        `json:"index"`
	CredentialHash string     `json:"credential"`
	Host           string     `json:"host"`
	Path           string     `json:"path"`
	Method         string     `json:"method"`
	RequestsUsed   int        `json:"requests_used"`
	MaxRequests    int        `json:"max_requests"`
	Remaining      int        `json:"remaining"`
	Active         bool       `json:"active"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
}

type dailyView struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
	Used  int    `json:"used"`
}

func (a *API) pool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := struct {
		Entries []poolEntryView `json:"entries"`
		Daily   []dailyView     `json:"daily"`
	}{Entries: []poolEntryView{}, Daily: []dailyView{}}

	if a.Pool != nil {
		entries, err := a.Pool.Snapshot(ctx)
		if err != nil {
			a.Logger.Error("pool snapshot failed", "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "pool snapshot failed")
			return
		}
		for _, e := range entries {
			body.Entries = append(body.Entries, poolEntryView{
				Index:          e.Index,
				CredentialHash: e.CredentialHash,
				Host:           e.Host,
				Path:           e.Path,
				Method:         e.Method,
				RequestsUsed:   e.RequestsUsed,
				MaxRequests:    e.MaxRequests,
				Remaining:      e.Remaining(),
				Active:         e.Active,
				LastAttemptAt:  optionalTime(e.LastAttemptAt),
				LastSuccessAt:  optionalTime(e.LastSuccessAt),
			})
		}
	}

	for _, l := range a.Limiters {
		used, err := l.Usage(ctx)
		if err != nil {
			a.Logger.Error("daily usage lookup failed", "name", l.Name(), "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "daily usage lookup failed")
			return
		}
		body.Daily = append(body.Daily, dailyView{Name: l.Name(), Limit: l.Limit(), Used: used})
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MediaHandler serves the files of the local storage backend.
type MediaHandler struct {
	files http.Handler
}

// NewMediaHandler serves dir under /media/.
func NewMediaHandler(dir string) *MediaHandler {
	return &MediaHandler{files: http.StripPrefix("/media/", http.FileServer(http.Dir(dir)))}
}

func (h *MediaHandler) Routes() []string { return []string{"GET /media/"} }

func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/") {
		writeError(w, http.StatusNotFound, codeInvalidRequest, "not found")
		return
	}
	h.files.ServeHTTP(w, r)
}

func statusFor(code string) int {
	switch code {
	case gateway.CodeInvalidRequest:
		return http.StatusBadRequest
	case gateway.CodeTerminalFailure:
		return http.StatusBadGateway
	case gateway.CodeRecentlyFailed:
		return http.StatusServiceUnavailable
	case gateway.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	type errorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
