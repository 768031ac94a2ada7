package assets

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// StoreResult is the result of writing an asset.
type StoreResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// AssetStore defines the interface for upload storage backends.
type AssetStore interface {
	// Store writes asset data and returns storage key, size, and SHA256.
	Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*StoreResult, error)
	// Retrieve returns a reader for the stored asset.
	Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error)
	// Delete removes the stored asset.
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a time-limited signed download URL, if supported.
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// Loader creates an AssetStore from config.
type Loader func(ctx context.Context) (AssetStore, error)

// Plugin represents an asset store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an asset store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered asset store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named asset store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown asset store %q; valid: %v", name, Names())
}
