// Package uploader implements the background flush daemon. It shares the
// cache directory with the filesystem server as its only communication
// channel: a sidecar file is the commit record, and the .quit sentinel is the
// sole shutdown signal.
package uploader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/objectfs/s3fs/internal/meta"
	"github.com/objectfs/s3fs/internal/metrics"
	"github.com/objectfs/s3fs/pkg/types"
)

// DefaultScanInterval is the pause between cache-directory scans.
const DefaultScanInterval = 3 * time.Second

// QuitSentinel is the filename whose presence in the cache directory
// terminates the daemon. Only the supervisor and the filesystem exit path
// create it.
const QuitSentinel = ".quit"

// TouchQuit creates the shutdown sentinel in dir.
func TouchQuit(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, QuitSentinel), os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return err
	}
	return f.Close()
}

// Uploader scans the cache directory for sidecars belonging to its bucket and
// uploads the accompanying data files.
type Uploader struct {
	backend  types.Backend
	bucket   string
	dir      string
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// New creates an uploader over dir for bucket. A zero interval uses the
// default; collector may be nil.
func New(backend types.Backend, bucket, dir string, interval time.Duration, collector *metrics.Collector) *Uploader {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Uploader{
		backend:  backend,
		bucket:   bucket,
		dir:      dir,
		interval: interval,
		logger:   slog.Default().With("component", "uploader", "bucket", bucket),
		metrics:  collector,
	}
}

// Run loops until the quit sentinel appears or ctx is canceled. Each cycle
// checks the sentinel, sweeps once, and sleeps.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info("uploader started", "dir", u.dir, "interval", u.interval)
	for {
		if u.quitRequested() {
			u.logger.Info("quit sentinel found, exiting")
			return nil
		}

		if _, err := u.Sweep(ctx); err != nil {
			u.logger.Error("scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(u.interval):
		}
	}
}

func (u *Uploader) quitRequested() bool {
	p := filepath.Join(u.dir, QuitSentinel)
	if _, err := os.Stat(p); err != nil {
		return false
	}
	os.Remove(p)
	return true
}

// Sweep performs one scan cycle and returns the number of objects uploaded.
// A sidecar is upload-eligible iff its name splits on ',' into exactly
// (bucket, slug, "meta") with this uploader's bucket. Transport failures
// leave both files in place for the next cycle; corrupt sidecars are logged
// and skipped.
func (u *Uploader) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := strings.Split(entry.Name(), ",")
		if len(parts) != 3 || parts[2] != "meta" || parts[0] != u.bucket {
			continue
		}

		metaPath := filepath.Join(u.dir, entry.Name())
		dataPath := strings.TrimSuffix(metaPath, ",meta")

		if u.upload(ctx, metaPath, dataPath) {
			uploaded++
		}
	}
	return uploaded, nil
}

// upload processes one eligible sidecar and reports whether a PUT succeeded.
func (u *Uploader) upload(ctx context.Context, metaPath, dataPath string) bool {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		u.logger.Error("failed to read sidecar", "path", metaPath, "error", err)
		u.metrics.RecordUpload("skipped")
		return false
	}

	env, err := meta.DecodeSidecar(raw)
	if err != nil || env.Target == "" {
		u.logger.Error("corrupt sidecar, skipping", "path", metaPath, "error", err)
		u.metrics.RecordUpload("skipped")
		return false
	}

	if _, err := os.Stat(dataPath); err != nil {
		u.logger.Error("sidecar without data file, skipping", "path", metaPath, "key", env.Target)
		u.metrics.RecordUpload("skipped")
		return false
	}

	if err := u.backend.PutObjectFromFile(ctx, env.Target, dataPath, env.StoreMetadata()); err != nil {
		u.logger.Warn("upload failed, leaving sidecar for next cycle", "key", env.Target, "error", err)
		u.metrics.RecordUpload("failed")
		return false
	}

	// Sidecar first: if the data-file unlink is lost to a crash, the leftover
	// data file is clean staging and may be deleted at any time.
	if err := os.Remove(metaPath); err != nil {
		u.logger.Error("failed to remove sidecar", "path", metaPath, "error", err)
	}
	if err := os.Remove(dataPath); err != nil {
		u.logger.Error("failed to remove data file", "path", dataPath, "error", err)
	}

	u.logger.Debug("uploaded", "key", env.Target)
	u.metrics.RecordUpload("uploaded")
	return true
}
