// Extraction proxy [Provider] implementation
//
// Talks to the self-hosted FastAPI proxy that resolves a media id into a
// direct audio stream URL. It has no quota and is used as the last resort.
package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

const defaultProxyBaseURL string = "http://localhost:8080"

// ProxyProvider resolves media ids through GET {base}/api/audio/{id}.
type ProxyProvider struct {
	baseURL string
	client  *APIClient
	logger  *log.Logger
}

// NewProxyProvider creates the provider. A nil client uses a fresh [http.Client].
func NewProxyProvider(cfg shared.ProxyConfig, client *http.Client, logger *log.Logger) *ProxyProvider {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultProxyBaseURL
	}

	return &ProxyProvider{
		baseURL: baseURL,
		client:  NewAPIClient(client, cfg.RateLimit, cfg.Timeout),
		logger:  logger.With("provider", "proxy"),
	}
}

func (p *ProxyProvider) Name() string { return "proxy" }

// Convert asks the proxy for a stream URL.
//
// Stream URLs are bound to the proxy's address, so results are never handed to clients directly.
func (p *ProxyProvider) Convert(ctx context.Context, mediaID string) (*models.ConversionResult, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, fmt.Errorf("%w: media id is required", shared.ErrInvalidInput)
	}

	resp, err := p.client.Do(ctx, http.MethodGet, p.baseURL+"/api/audio/"+url.PathEscape(mediaID), nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(p.Name(), resp)
	}

	data, err := resp.Object()
	if err != nil {
		return nil, err
	}

	link := firstString(data, "url", "link", "stream_url")
	if link == "" {
		return nil, fmt.Errorf("%w: proxy: no stream url in response", shared.ErrProviderError)
	}

	return &models.ConversionResult{
		Link:            link,
		Title:           firstString(data, "title"),
		SizeBytes:       firstInt64(data, "filesize", "size"),
		DurationSeconds: firstInt(data, "duration"),
		Ready:           false,
	}, nil
}
