package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type accessCacheKey struct{}

// WithAccessCacheContext returns a new context carrying the given AccessCache.
func WithAccessCacheContext(ctx context.Context, c AccessCache) context.Context {
	return context.WithValue(ctx, accessCacheKey{}, c)
}

// AccessCacheFromContext retrieves the AccessCache from the context.
// Returns nil if none was set.
func AccessCacheFromContext(ctx context.Context) AccessCache {
	c, _ := ctx.Value(accessCacheKey{}).(AccessCache)
	return c
}

// AccessCache caches the set of projects a user belongs to. A miss is
// reported through the second return value, never through an error.
// Entries are short-lived and invalidated on membership change.
type AccessCache interface {
	Available() bool
	GetProjects(ctx context.Context, userID string) ([]uuid.UUID, bool, error)
	SetProjects(ctx context.Context, userID string, projectIDs []uuid.UUID, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (AccessCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
