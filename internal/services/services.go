package services

import (
	"context"

	"github.com/desertthunder/tunegate/internal/models"
)

// Provider converts a media id into a downloadable audio link.
type Provider interface {
	// Name identifies the provider in logs, metrics and artifact records.
	Name() string
	Convert(ctx context.Context, mediaID string) (*models.ConversionResult, error)
}

// PoolProvider converts using credentials handed out by a quota pool.
type PoolProvider interface {
	Name() string
	ConvertWith(ctx context.Context, entry models.PoolEntry, mediaID string) (*models.ConversionResult, error)
}
