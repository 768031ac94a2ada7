// Package dbstore keeps asset bytes in the relational database as
// fixed-size chunk rows. It works on both supported dialects, so it is
// the default backend for deployments without object storage.
package dbstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/config"
	registryassets "github.com/taskdeck/upload-service/internal/registry/assets"
	"github.com/taskdeck/upload-service/internal/tempfiles"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registryassets.Register(registryassets.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryassets.AssetStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("dbstore: missing config in context")
	}
	gormCfg := &gorm.Config{Logger: logger.Discard}
	var db *gorm.DB
	var err error
	if cfg.DatastoreType == "sqlite" {
		db, err = gorm.Open(sqlite.Open(cfg.DBURL), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(cfg.DBURL), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("dbstore: %w", err)
	}
	if err := db.AutoMigrate(&assetChunk{}); err != nil {
		return nil, fmt.Errorf("dbstore: auto-migrate asset_chunks: %w", err)
	}
	return &DBAssetStore{db: db, tempDir: cfg.ResolvedTempDir()}, nil
}

type DBAssetStore struct {
	db      *gorm.DB
	tempDir string
}

type assetChunk struct {
	StorageKey string    `gorm:"column:storage_key;primaryKey"`
	Seq        int       `gorm:"column:seq;primaryKey"`
	Data       []byte    `gorm:"column:data;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (assetChunk) TableName() string { return "asset_chunks" }

const chunkSize = 64 * 1024

// Store buffers the upload to a temp file first, enforcing maxSize and
// computing the hash, then writes chunk rows in one transaction.
func (s *DBAssetStore) Store(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryassets.StoreResult, error) {
	tmp, err := tempfiles.Create(s.tempDir, "upload-service-db-upload-*")
	if err != nil {
		return nil, fmt.Errorf("dbstore: create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	limited := io.LimitReader(data, maxSize+1)
	total, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		return nil, fmt.Errorf("dbstore: buffer upload: %w", err)
	}
	if total > maxSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", maxSize)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("dbstore: rewind temp file: %w", err)
	}

	storageKey := uuid.New().String()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		buf := make([]byte, chunkSize)
		seq := 0
		for {
			n, readErr := tmp.Read(buf)
			if n > 0 {
				chunk := assetChunk{
					StorageKey: storageKey,
					Seq:        seq,
					Data:       append([]byte(nil), buf[:n]...),
				}
				if err := tx.Create(&chunk).Error; err != nil {
					return fmt.Errorf("dbstore: write chunk %d: %w", seq, err)
				}
				seq++
			}
			if readErr == io.EOF {
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("dbstore: read upload buffer: %w", readErr)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return &registryassets.StoreResult{
		StorageKey: storageKey,
		Size:       total,
		SHA256:     fmt.Sprintf("%x", hasher.Sum(nil)),
	}, nil
}

// Retrieve spools the chunk rows to a temp file and returns a reader
// that deletes the file on close.
func (s *DBAssetStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	tmp, err := tempfiles.Create(s.tempDir, "upload-service-db-asset-*")
	if err != nil {
		return nil, fmt.Errorf("dbstore: create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	rows, err := s.db.WithContext(ctx).
		Model(&assetChunk{}).
		Where("storage_key = ?", storageKey).
		Order("seq ASC").
		Rows()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("asset not found: %s", storageKey)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var rec assetChunk
		if err := s.db.ScanRows(rows, &rec); err != nil {
			cleanup()
			return nil, fmt.Errorf("dbstore: decode chunk: %w", err)
		}
		if _, err := tmp.Write(rec.Data); err != nil {
			cleanup()
			return nil, fmt.Errorf("dbstore: spool chunk: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		cleanup()
		return nil, fmt.Errorf("dbstore: iterate chunks: %w", err)
	}
	if !found {
		cleanup()
		return nil, fmt.Errorf("asset not found: %s", storageKey)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("dbstore: rewind temp file: %w", err)
	}
	return tempfiles.NewDeleteOnClose(tmp), nil
}

func (s *DBAssetStore) Delete(ctx context.Context, storageKey string) error {
	return s.db.WithContext(ctx).Where("storage_key = ?", storageKey).Delete(&assetChunk{}).Error
}

func (s *DBAssetStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for db asset store")
}
