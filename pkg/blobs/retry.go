package blobs

import (
	"context"
	"errors"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// RetryReader retries failed downloads from Reader. Missing blobs are not retried.
type RetryReader struct {
	Reader BlobReader

	// MaxAttempts is the number of times to attempt a download before failing
	MaxAttempts int

	// Delay between attempts, defaults to 5 seconds.
	Delay time.Duration
}

var _ BlobReader = &RetryReader{}

func (l *RetryReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	delay := l.Delay
	if delay == 0 {
		delay = 5 * time.Second
	}

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= l.MaxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
