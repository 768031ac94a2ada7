package noop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.AccessCache, error) {
			return &noopAccessCache{}, nil
		},
	})
}

type noopAccessCache struct{}

func (n *noopAccessCache) Available() bool { return false }
func (n *noopAccessCache) GetProjects(_ context.Context, _ string) ([]uuid.UUID, bool, error) {
	return nil, false, nil
}
func (n *noopAccessCache) SetProjects(_ context.Context, _ string, _ []uuid.UUID, _ time.Duration) error {
	return nil
}
func (n *noopAccessCache) Invalidate(_ context.Context, _ string) error { return nil }

var _ cache.AccessCache = (*noopAccessCache)(nil)
