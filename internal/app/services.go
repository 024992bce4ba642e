package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petervdpas/formsync/internal/blob"
	"github.com/petervdpas/formsync/internal/config"
	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/storage"
	"github.com/petervdpas/formsync/internal/util"
)

// openRepository resolves a bare sqlite path against dir before opening.
func openRepository(dir string, c config.Storage) (storage.Repository, error) {
	dsn := strings.TrimSpace(c.DSN)
	if dsn != "" && !strings.Contains(dsn, "://") {
		dsn = util.ResolvePath(dir, dsn)
	}
	repo, err := storage.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Printf("STORAGE: using %s", describeDSN(dsn))
	return repo, nil
}

func describeDSN(dsn string) string {
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory:"):
		return "in-memory store"
	case strings.HasPrefix(dsn, "postgres"):
		return "postgres"
	default:
		return "sqlite " + strings.TrimPrefix(dsn, "sqlite://")
	}
}

func openBlobs(ctx context.Context, dir string, c config.Blob) (blob.Store, error) {
	switch c.Backend {
	case "minio":
		m, err := blob.NewMinio(ctx, blob.MinioOptions{
			Endpoint:   c.MinioEndpoint,
			AccessKey:  c.MinioAccessKey,
			SecretKey:  c.MinioSecretKey,
			Bucket:     c.MinioBucket,
			Secure:     c.MinioSecure,
			PublicBase: c.PublicBase,
		})
		if err != nil {
			return nil, fmt.Errorf("open minio: %w", err)
		}
		log.Printf("BLOB: minio %s/%s", c.MinioEndpoint, c.MinioBucket)
		return m, nil
	default:
		l, err := blob.NewLocal(util.ResolvePath(dir, c.Dir), c.PublicBase)
		if err != nil {
			return nil, fmt.Errorf("open blob dir: %w", err)
		}
		log.Printf("BLOB: local %s", util.ResolvePath(dir, c.Dir))
		return l, nil
	}
}

// OpenSyncBackend builds the fallback backend a client engine shares with
// other instances on the same machine (file) or network (redis).
func OpenSyncBackend(dir string, c config.Sync) (localsync.Backend, error) {
	switch c.Backend {
	case "redis":
		b, err := localsync.NewRedisBackend(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis sync: %w", err)
		}
		log.Printf("SYNC: redis backend")
		return b, nil
	case "memory":
		return localsync.NewMemoryBackend(), nil
	default:
		b, err := localsync.NewFileBackend(util.ResolvePath(dir, c.Dir))
		if err != nil {
			return nil, fmt.Errorf("open file sync: %w", err)
		}
		log.Printf("SYNC: file backend %s", util.ResolvePath(dir, c.Dir))
		return b, nil
	}
}
