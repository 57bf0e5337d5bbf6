// RapidAPI [PoolProvider] implementation
//
// Every RapidAPI host exposes its own response shape. The endpoint's
// configured field names are tried before the common ones.
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

// RapidAPIProvider calls RapidAPI conversion endpoints with credentials from a quota pool entry.
type RapidAPIProvider struct {
	client *APIClient
	logger *log.Logger
}

// NewRapidAPIProvider creates the provider. A nil client uses a fresh [http.Client].
func NewRapidAPIProvider(cfg shared.RapidAPIConfig, client *http.Client, logger *log.Logger) *RapidAPIProvider {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &RapidAPIProvider{
		client: NewAPIClient(client, cfg.RateLimit, cfg.Timeout),
		logger: logger.With("provider", "rapidapi"),
	}
}

func (p *RapidAPIProvider) Name() string { return "rapidapi" }

// ConvertWith requests a download link for mediaID from the entry's endpoint.
func (p *RapidAPIProvider) ConvertWith(ctx context.Context, entry models.PoolEntry, mediaID string) (*models.ConversionResult, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, fmt.Errorf("%w: media id is required", shared.ErrInvalidInput)
	}
	if entry.Credential == "" {
		return nil, fmt.Errorf("%w: pool entry %s has no credential", shared.ErrMissingCredentials, entry)
	}

	headers := map[string]string{
		"X-RapidAPI-Key":  entry.Credential,
		"X-RapidAPI-Host": entry.Host,
	}

	target := entry.URL()
	var payload any
	if entry.Method == http.MethodPost {
		payload = map[string]string{entry.IDParam: mediaID}
	} else {
		q := url.Values{}
		q.Set(entry.IDParam, mediaID)
		target += "?" + q.Encode()
	}

	p.logger.Debug("requesting conversion", "entry", entry.String(), "media_id", mediaID)

	resp, err := p.client.Do(ctx, entry.Method, target, headers, payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(entry.Host, resp)
	}

	data, err := resp.Object()
	if err != nil {
		return nil, err
	}

	return p.parse(entry, data)
}

func (p *RapidAPIProvider) parse(entry models.PoolEntry, data map[string]any) (*models.ConversionResult, error) {
	status := strings.ToLower(firstString(data, "status"))
	msg := firstString(data, "msg", "message", "error")

	switch status {
	case "fail", "failed", "error":
		if msg == "" {
			msg = "conversion failed"
		}
		return nil, fmt.Errorf("%w: %s: %s", shared.ErrProviderError, entry.Host, msg)
	}

	link := firstString(data, chain(entry.LinkFields, defaultLinkFields)...)
	if link == "" {
		if status == "processing" || status == "queued" {
			return nil, fmt.Errorf("%w: %s: conversion still %s", shared.ErrProviderError, entry.Host, status)
		}
		return nil, fmt.Errorf("%w: %s: no download link in response", shared.ErrProviderError, entry.Host)
	}

	if u, err := url.Parse(link); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %s: invalid download link %q", shared.ErrProviderError, entry.Host, link)
	}

	return &models.ConversionResult{
		Link:            link,
		Title:           firstString(data, chain(entry.TitleFields, defaultTitleFields)...),
		SizeBytes:       firstInt64(data, "filesize", "size", "file_size"),
		DurationSeconds: firstInt(data, "duration", "duration_seconds", "length"),
		Ready:           !entry.ProxyRequired,
	}, nil
}
