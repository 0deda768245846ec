// Package supervisor runs the filesystem server and the uploader as sibling
// processes sharing the cache directory, their only communication channel.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/objectfs/s3fs/internal/uploader"
	"github.com/objectfs/s3fs/pkg/errors"
)

// Options names the two children's shared invocation arguments.
type Options struct {
	Bucket     string
	MountPoint string
	CacheDir   string
	ConfigPath string
}

// Run re-execs this binary as the uploader ("flushd") and the filesystem
// server ("serve"), waits for the filesystem to exit, signals the uploader
// through the .quit sentinel, and reaps it. The filesystem's exit status is
// the one that matters.
func Run(ctx context.Context, opts Options) error {
	logger := slog.Default().With("component", "supervisor", "bucket", opts.Bucket)

	exe, err := os.Executable()
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "cannot resolve own executable").WithCause(err)
	}

	common := []string{}
	if opts.ConfigPath != "" {
		common = append(common, "--config", opts.ConfigPath)
	}

	flushd := exec.Command(exe, append([]string{"flushd", opts.Bucket, opts.CacheDir}, common...)...)
	flushd.Stdout = os.Stdout
	flushd.Stderr = os.Stderr
	if err := flushd.Start(); err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to start uploader").WithCause(err)
	}
	logger.Info("uploader started", "pid", flushd.Process.Pid)

	serve := exec.Command(exe, append([]string{"serve", opts.Bucket, opts.MountPoint, opts.CacheDir}, common...)...)
	serve.Stdout = os.Stdout
	serve.Stderr = os.Stderr
	if err := serve.Start(); err != nil {
		uploader.TouchQuit(opts.CacheDir)
		flushd.Wait()
		return errors.NewError(errors.ErrCodeInternalError, "failed to start filesystem server").WithCause(err)
	}
	logger.Info("filesystem server started", "pid", serve.Process.Pid)

	// Unmount cleanly on interrupt: forward the signal to the filesystem
	// child and let its exit drive the shutdown sequence.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				serve.Process.Signal(sig)
			case <-ctx.Done():
				serve.Process.Signal(syscall.SIGTERM)
				return
			}
		}
	}()

	serveErr := serve.Wait()
	logger.Info("filesystem server exited", "error", serveErr)

	if err := uploader.TouchQuit(opts.CacheDir); err != nil {
		logger.Error("failed to signal uploader", "error", err)
	}
	if err := flushd.Wait(); err != nil {
		logger.Warn("uploader exited with error", "error", err)
	}

	return serveErr
}
