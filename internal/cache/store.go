package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/objectfs/s3fs/internal/meta"
	"github.com/objectfs/s3fs/pkg/errors"
	"github.com/objectfs/s3fs/pkg/types"
)

var nonWord = regexp.MustCompile(`\W`)

// Slug returns the filename-safe encoding of a key: every non-word character
// replaced with '_'. The sidecar's fn field, not the slug, is the
// authoritative key.
func Slug(key string) string {
	return nonWord.ReplaceAllString(key, "_")
}

// Store is the on-disk staging area: one data file and one sidecar metadata
// file per dirty object, in a flat directory owned exclusively by this mount.
// The filesystem server owns a sidecar while writing it; once renamed into
// place it belongs to the uploader until deletion.
type Store struct {
	dir     string
	bucket  string
	backend types.Backend
	logger  *slog.Logger
}

// NewStore creates a staging store rooted at dir for the given bucket.
func NewStore(dir, bucket string, backend types.Backend) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, localErr("mkdir", err)
	}
	return &Store{
		dir:     dir,
		bucket:  bucket,
		backend: backend,
		logger:  slog.Default().With("component", "cache-store", "bucket", bucket),
	}, nil
}

// Dir returns the cache directory path.
func (s *Store) Dir() string { return s.dir }

// DataPath returns the staged-content filename for key.
func (s *Store) DataPath(key string) string {
	return filepath.Join(s.dir, s.bucket+","+Slug(key))
}

// MetaPath returns the sidecar filename for key.
func (s *Store) MetaPath(key string) string {
	return s.DataPath(key) + ",meta"
}

// Exists reports whether the data file for key is staged.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.DataPath(key))
	return err == nil
}

// Create stages an empty data file for key, truncating any prior content.
func (s *Store) Create(key string) error {
	f, err := os.OpenFile(s.DataPath(key), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return localErr("create", err)
	}
	return f.Close()
}

// EnsureLoaded makes the data file for key available locally. If it already
// exists nothing happens. Otherwise the whole object is fetched from the
// store; a missing object stages an empty file and reports isNew so callers
// can treat seeks and writes uniformly without a second conditional.
func (s *Store) EnsureLoaded(ctx context.Context, key string) (isNew bool, err error) {
	if s.Exists(key) {
		return false, nil
	}

	data, err := s.backend.GetObject(ctx, key, 0, 0)
	if err != nil {
		if errors.IsNotFound(err) {
			return true, s.Create(key)
		}
		return false, err
	}

	if err := os.WriteFile(s.DataPath(key), data, 0640); err != nil {
		return false, localErr("stage", err)
	}
	s.logger.Debug("staged object", "key", key, "size", len(data))
	return false, nil
}

// ReadRange reads up to len(buff) bytes at offset from the staged data file.
// Short reads at EOF are not an error.
func (s *Store) ReadRange(key string, offset int64, buff []byte) (int, error) {
	f, err := os.Open(s.DataPath(key))
	if err != nil {
		return 0, localErr("read", err)
	}
	defer f.Close()

	n, err := f.ReadAt(buff, offset)
	if err != nil && err != io.EOF {
		return n, localErr("read", err)
	}
	return n, nil
}

// WriteRange writes data at offset into the staged data file without
// truncating it, and returns the bytes written.
func (s *Store) WriteRange(key string, offset int64, data []byte) (int, error) {
	f, err := os.OpenFile(s.DataPath(key), os.O_RDWR, 0640)
	if err != nil {
		return 0, localErr("write", err)
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, localErr("write", err)
	}
	return n, nil
}

// Truncate resizes the staged data file; growth is zero-filled.
func (s *Store) Truncate(key string, size int64) error {
	if err := os.Truncate(s.DataPath(key), size); err != nil {
		return localErr("truncate", err)
	}
	return nil
}

// Size returns the staged data file's current length.
func (s *Store) Size(key string) (int64, error) {
	fi, err := os.Stat(s.DataPath(key))
	if err != nil {
		return 0, localErr("stat", err)
	}
	return fi.Size(), nil
}

// WriteMeta serialises the envelope and commits it as the sidecar for key via
// create-then-rename, so a concurrent uploader scan never observes a partial
// envelope. Linking the sidecar into place publishes the object.
func (s *Store) WriteMeta(key string, env *meta.Envelope) error {
	data, err := meta.EncodeSidecar(env)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".sidecar-*")
	if err != nil {
		return localErr("write-meta", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return localErr("write-meta", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return localErr("write-meta", err)
	}
	if err := os.Rename(tmp.Name(), s.MetaPath(key)); err != nil {
		os.Remove(tmp.Name())
		return localErr("write-meta", err)
	}
	s.logger.Debug("published sidecar", "key", key)
	return nil
}

// Clear unlinks both the data file and the sidecar for key. Non-existence is
// not an error.
func (s *Store) Clear(key string) error {
	for _, p := range []string{s.MetaPath(key), s.DataPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return localErr("clear", err)
		}
	}
	return nil
}

func localErr(op string, err error) error {
	return errors.NewError(errors.ErrCodeLocalIO, err.Error()).
		WithComponent("cache-store").
		WithOperation(op).
		WithCause(err)
}
