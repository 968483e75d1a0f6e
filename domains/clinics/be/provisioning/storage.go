package provisioning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// StorageProvisioner ensures the per-clinic document storage prefix exists
// and is accessible. Implementations must be idempotent so repair can re-run
// them safely.
type StorageProvisioner interface {
	Ensure(ctx context.Context, prefix string) error
}

// LocalStorageProvisioner creates a local filesystem prefix under BasePath.
type LocalStorageProvisioner struct {
	BasePath string
}

func NewLocalStorageProvisioner(basePath string) *LocalStorageProvisioner {
	if basePath == "" {
		panic("local storage provisioner requires basePath")
	}
	return &LocalStorageProvisioner{BasePath: basePath}
}

func (p *LocalStorageProvisioner) Ensure(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("storage prefix is required")
	}
	if err := os.MkdirAll(filepath.Join(p.BasePath, prefix), 0o755); err != nil {
		return fmt.Errorf("create prefix path: %w", err)
	}
	return nil
}

var _ StorageProvisioner = (*LocalStorageProvisioner)(nil)

// GCSStorageProvisioner verifies access to a GCS bucket/prefix. GCS has no
// real directories, so ensuring a prefix amounts to proving the bucket is
// reachable and the prefix is listable.
type GCSStorageProvisioner struct {
	Client *storage.Client
	Bucket string
}

func NewGCSStorageProvisioner(client *storage.Client, bucket string) *GCSStorageProvisioner {
	if client == nil {
		panic("gcs storage provisioner requires client")
	}
	if bucket == "" {
		panic("gcs storage provisioner requires bucket")
	}
	return &GCSStorageProvisioner{Client: client, Bucket: bucket}
}

func (p *GCSStorageProvisioner) Ensure(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("storage prefix is required")
	}

	bkt := p.Client.Bucket(p.Bucket)
	if _, err := bkt.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket attrs: %w", err)
	}

	// List at most one object to validate access to the prefix; empty is fine.
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("list prefix: %w", err)
	}
	return nil
}

var _ StorageProvisioner = (*GCSStorageProvisioner)(nil)
