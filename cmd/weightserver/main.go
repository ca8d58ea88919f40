package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/justinsb/ktrace/pkg/blobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

var blobRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ktrace_weightserver_blob_requests_total",
	Help: "Blob requests served, by result.",
}, []string{"result"})

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/weightserver/blobs"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	maxDownloadAttempts := 3
	flag.IntVar(&maxDownloadAttempts, "max-download-attempts", maxDownloadAttempts, "attempts to fetch a blob from the bucket before failing")
	flag.StringVar(&cacheBucket, "bucket", cacheBucket, "GCS bucket holding published weights (gs://<bucketName>[/<prefix>])")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var or -bucket flag")
	}
	upstream, err := parseBucket(cacheBucket)
	if err != nil {
		return err
	}
	log.Info("using GCS upstream", "bucket", upstream.Bucket, "prefix", upstream.Prefix)

	s := &httpServer{
		blobCache: &blobCache{
			cache:    &blobs.DirBlobstore{BaseDir: cacheDir},
			upstream: &blobs.RetryReader{Reader: upstream, MaxAttempts: maxDownloadAttempts},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s)

	log.Info("serving", "listen", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

func parseBucket(s string) (*blobs.GCSBlobstore, error) {
	if !strings.HasPrefix(s, "gs://") {
		return nil, fmt.Errorf("bucket must be a GCS bucket URL (gs://<bucketName>), got %q", s)
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(s, "gs://"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is empty in %q", s)
	}
	return &blobs.GCSBlobstore{Bucket: bucket, Prefix: prefix}, nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == "GET" {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	p, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			blobRequests.WithLabelValues("not_found").Inc()
			http.Error(w, "not found", http.StatusNotFound)
		case codes.InvalidArgument:
			blobRequests.WithLabelValues("invalid").Inc()
			http.Error(w, "invalid blob hash", http.StatusBadRequest)
		default:
			blobRequests.WithLabelValues("error").Inc()
			log.Error(err, "error getting blob", "hash", hash)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	blobRequests.WithLabelValues("ok").Inc()
	log.V(2).Info("serving blob", "path", p)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, p)
}

// blobCache serves blobs from a local directory, filling it from upstream on a miss.
type blobCache struct {
	cache    *blobs.DirBlobstore
	upstream blobs.BlobReader
}

// GetBlob returns the local path of the blob, with grpc status codes for errors.
func (c *blobCache) GetBlob(ctx context.Context, hash string) (string, error) {
	log := klog.FromContext(ctx)

	if err := blobs.ValidateHash(hash); err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	info := blobs.BlobInfo{Hash: hash}

	localPath := c.cache.Path(info)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking blob %q: %w", hash, err)
	}

	log.Info("blob not in cache, fetching from upstream", "hash", hash)
	if err := c.upstream.Download(ctx, info, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return "", fmt.Errorf("fetching blob %q: %w", hash, err)
	}

	got, _, err := blobs.HashFile(localPath)
	if err != nil {
		return "", err
	}
	if got.Hash != hash {
		if err := os.Remove(localPath); err != nil {
			log.Error(err, "removing corrupt blob", "path", localPath)
		}
		return "", fmt.Errorf("upstream blob %q has hash %s", hash, got.Hash)
	}
	return localPath, nil
}
