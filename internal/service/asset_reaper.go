package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registryassets "github.com/taskdeck/upload-service/internal/registry/assets"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

// AssetReaperService sweeps tombstoned storage keys left behind by
// upload deletes whose blob removal did not complete, and deletes the
// backing objects.
type AssetReaperService struct {
	store      registrystore.UploadStore
	assetStore registryassets.AssetStore
	interval   time.Duration
	batchSize  int
}

func NewAssetReaperService(store registrystore.UploadStore, assetStore registryassets.AssetStore, interval time.Duration, batchSize int) *AssetReaperService {
	return &AssetReaperService{
		store:      store,
		assetStore: assetStore,
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (s *AssetReaperService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.assetStore == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *AssetReaperService) reapOnce(ctx context.Context) {
	for {
		claimed, err := s.store.ClaimDeletedAssets(ctx, s.batchSize)
		if err != nil {
			log.Error("Asset reaper claim failed", "err", err)
			return
		}
		if len(claimed) == 0 {
			return
		}

		purged := make([]int64, 0, len(claimed))
		for _, tombstone := range claimed {
			if err := s.assetStore.Delete(ctx, tombstone.StorageKey); err != nil {
				// Leave the claim in place; it becomes reclaimable
				// once stale and is retried on a later sweep.
				log.Warn("Asset reaper blob delete failed", "storageKey", tombstone.StorageKey, "err", err)
				continue
			}
			purged = append(purged, tombstone.ID)
		}
		if len(purged) > 0 {
			if err := s.store.PurgeDeletedAssets(ctx, purged); err != nil {
				log.Error("Asset reaper purge failed", "err", err)
				return
			}
			if security.AssetsReapedTotal != nil {
				security.AssetsReapedTotal.Add(float64(len(purged)))
			}
		}
		if len(claimed) < s.batchSize {
			return
		}
	}
}
