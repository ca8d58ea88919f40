package blobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// DirBlobstore keeps blobs as files named by hash in a local directory.
// The weight server uses it as its cache.
type DirBlobstore struct {
	BaseDir string
}

var _ Blobstore = (*DirBlobstore)(nil)

func (d *DirBlobstore) Path(info BlobInfo) string {
	return filepath.Join(d.BaseDir, info.Hash)
}

func (d *DirBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	if err := ValidateHash(info.Hash); err != nil {
		return err
	}
	dest := d.Path(info)
	if _, err := os.Stat(dest); err == nil {
		log.V(2).Info("blob already exists", "path", dest)
		return nil
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(d.BaseDir, 0755); err != nil {
		return fmt.Errorf("creating blob directory %q: %w", d.BaseDir, err)
	}
	n, err := writeToFile(ctx, src, dest)
	if err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Hash, err)
	}
	log.Info("stored blob", "path", dest, "bytes", n)
	return nil
}

func (d *DirBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if err := ValidateHash(info.Hash); err != nil {
		return err
	}
	src, err := os.Open(d.Path(info))
	if err != nil {
		return fmt.Errorf("opening blob %q: %w", info.Hash, err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Hash, err)
	}
	return nil
}

// ValidateHash rejects anything but a lower-case hex sha256, so hashes can be used as file names.
func ValidateHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("invalid blob hash %q: expected 64 hex characters", hash)
	}
	for _, c := range hash {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return fmt.Errorf("invalid blob hash %q: unexpected character %q", hash, c)
		}
	}
	return nil
}
