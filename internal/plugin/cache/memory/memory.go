// Package memory provides an in-process access cache for single-node
// deployments that have no redis available.
package memory

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (cache.AccessCache, error) {
			return New()
		},
	})
}

// New creates an in-process access cache backed by ristretto.
func New() (cache.AccessCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []uuid.UUID]{
		NumCounters: 100_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &memoryAccessCache{inner: inner}, nil
}

type memoryAccessCache struct {
	inner *ristretto.Cache[string, []uuid.UUID]
}

func (m *memoryAccessCache) Available() bool { return true }

func (m *memoryAccessCache) GetProjects(_ context.Context, userID string) ([]uuid.UUID, bool, error) {
	ids, ok := m.inner.Get(userID)
	if !ok {
		return nil, false, nil
	}
	return ids, true, nil
}

func (m *memoryAccessCache) SetProjects(_ context.Context, userID string, projectIDs []uuid.UUID, ttl time.Duration) error {
	// Admission is asynchronous, so a read straight after a write may
	// still miss. Misses fall through to the store.
	m.inner.SetWithTTL(userID, projectIDs, int64(len(projectIDs))+1, ttl)
	return nil
}

func (m *memoryAccessCache) Invalidate(_ context.Context, userID string) error {
	m.inner.Del(userID)
	return nil
}

var _ cache.AccessCache = (*memoryAccessCache)(nil)
