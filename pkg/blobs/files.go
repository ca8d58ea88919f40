package blobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// HashFile returns the BlobInfo and size of the file at p.
func HashFile(p string) (BlobInfo, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return BlobInfo{}, 0, fmt.Errorf("opening %q: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return BlobInfo{}, 0, fmt.Errorf("hashing %q: %w", p, err)
	}
	return BlobInfo{Hash: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// WriteFile atomically writes data to destinationPath.
func WriteFile(ctx context.Context, destinationPath string, data []byte) error {
	if _, err := writeToFile(ctx, bytes.NewReader(data), destinationPath); err != nil {
		return fmt.Errorf("writing %q: %w", destinationPath, err)
	}
	return nil
}

// writeToFile copies src into a temp file next to destinationPath, then renames it into place.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("copying from source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
