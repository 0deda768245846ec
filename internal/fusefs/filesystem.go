package fusefs

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/s3fs/internal/cache"
	"github.com/objectfs/s3fs/internal/keys"
	"github.com/objectfs/s3fs/internal/meta"
	"github.com/objectfs/s3fs/internal/metrics"
	"github.com/objectfs/s3fs/internal/uploader"
	"github.com/objectfs/s3fs/pkg/errors"
	"github.com/objectfs/s3fs/pkg/types"
)

// blockSize is the block size reported by getattr and statfs.
const blockSize = 262144

// FileSystem implements the FUSE operation surface. The kernel serialises
// callbacks per mount, so the only shared mutable state needing a lock is the
// dirty-key set; the caches carry their own.
type FileSystem struct {
	fuse.FileSystemBase

	backend types.Backend
	store   *cache.Store
	attrs   *cache.AttrCache
	dirs    *cache.DirCache
	config  *Config
	logger  *slog.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	dirty map[string]struct{}

	host *fuse.FileSystemHost

	// getcontext yields the caller's uid/gid; only valid inside a FUSE
	// callback, so tests substitute their own.
	getcontext func() (uint32, uint32, int)
}

// Config represents filesystem server configuration
type Config struct {
	Bucket     string `yaml:"bucket"`
	MountPoint string `yaml:"mount_point"`
	Volname    string `yaml:"volname"`
	IOSize     uint32 `yaml:"iosize"`
	AllowOther bool   `yaml:"allow_other"`
}

// NewFileSystem creates a dispatcher over the given backend and staging
// store. The metrics collector may be nil.
func NewFileSystem(backend types.Backend, store *cache.Store, config *Config, collector *metrics.Collector) *FileSystem {
	return &FileSystem{
		backend:    backend,
		store:      store,
		attrs:      cache.NewAttrCache(),
		dirs:       cache.NewDirCache(),
		config:     config,
		logger:     slog.Default().With("component", "fusefs", "bucket", config.Bucket),
		metrics:    collector,
		dirty:      make(map[string]struct{}),
		getcontext: fuse.Getcontext,
	}
}

// Init is called by the FUSE layer when the mount is established.
func (fs *FileSystem) Init() {
	fs.logger.Info("filesystem mounted", "mount_point", fs.config.MountPoint)
}

// Destroy signals the uploader through the cache directory on the way out.
func (fs *FileSystem) Destroy() {
	if err := uploader.TouchQuit(fs.store.Dir()); err != nil {
		fs.logger.Error("failed to touch quit sentinel", "error", err)
	}
	fs.logger.Info("filesystem unmounted", "mount_point", fs.config.MountPoint)
}

// Getattr returns inode-like attributes for path. The root is synthesised;
// everything else comes from the attribute cache, falling back to a HEAD.
func (fs *FileSystem) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	key := keys.KeyOf(path)
	if key == "" {
		fs.fillStat(stat, meta.NewDir(0), key)
		return fs.done("getattr", 0)
	}

	env := fs.attrs.Get(key)
	if env == nil {
		info, err := fs.backend.HeadObject(context.Background(), key)
		if err != nil {
			return fs.done("getattr", errno(err))
		}
		env = meta.FromObjectInfo(info)
		fs.attrs.Put(key, env)
	}

	fs.fillStat(stat, env, key)
	return fs.done("getattr", 0)
}

// Readdir lists the immediate children of path, from the directory cache
// when populated and from a delimited prefix listing otherwise.
func (fs *FileSystem) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	key := keys.KeyOf(path)
	names, ok := fs.dirs.Lookup(key)
	if !ok {
		prefix := keys.ListPrefix(key)
		objects, err := fs.backend.ListObjects(context.Background(), prefix, "/")
		if err != nil {
			return fs.done("readdir", errno(err))
		}

		listed := make([]string, 0, len(objects))
		for _, obj := range objects {
			listed = append(listed, obj.Key)
		}
		names = nil
		for _, name := range keys.ChildNames(prefix, listed) {
			// The directory's own zero-byte placeholder strips to nothing.
			if name != "" && name != "/" {
				names = append(names, name)
			}
		}
		fs.dirs.Store(key, names)
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		display := strings.TrimSuffix(name, "/")
		if display == "" || seen[display] {
			continue
		}
		seen[display] = true
		if !fill(display, nil, 0) {
			break
		}
	}
	return fs.done("readdir", 0)
}

// Mknod stages a new empty file locally; the object materialises through the
// uploader after release.
func (fs *FileSystem) Mknod(path string, mode uint32, dev uint64) int {
	key := keys.KeyOf(path)
	if err := fs.store.Create(key); err != nil {
		return fs.done("mknod", errno(err))
	}

	fs.attrs.Put(key, meta.NewFile(mode))
	fs.markDirty(key)
	dir, base := keys.Split(key)
	fs.dirs.Add(dir, base)
	return fs.done("mknod", 0)
}

// Mkdir marks the directory with a zero-byte object carrying directory-mode
// metadata, so listings see it as a distinct prefix.
func (fs *FileSystem) Mkdir(path string, mode uint32) int {
	key := keys.KeyOf(path)
	if key == "" {
		return fs.done("mkdir", -fuse.EINVAL)
	}

	env := meta.NewDir(mode)
	if err := fs.backend.PutObject(context.Background(), key, nil, env.StoreMetadata()); err != nil {
		return fs.done("mkdir", errno(err))
	}

	fs.attrs.Put(key, env)
	// A directory created here is known complete and empty, so creates inside
	// it need no listing round-trip.
	fs.dirs.Store(key, nil)
	dir, base := keys.Split(key)
	fs.dirs.Add(dir, base)
	return fs.done("mkdir", 0)
}

// Rmdir removes the directory marker object.
func (fs *FileSystem) Rmdir(path string) int {
	key := keys.KeyOf(path)
	if key == "" {
		return fs.done("rmdir", -fuse.EINVAL)
	}

	fs.attrs.Delete(key)
	fs.dirs.Drop(key)

	if err := fs.backend.DeleteObject(context.Background(), key); err != nil {
		return fs.done("rmdir", errno(err))
	}
	dir, base := keys.Split(key)
	fs.dirs.Remove(dir, base)
	return fs.done("rmdir", 0)
}

// Unlink drops every local trace of the key, then deletes the object.
func (fs *FileSystem) Unlink(path string) int {
	key := keys.KeyOf(path)
	fs.attrs.Delete(key)
	fs.clearDirty(key)
	if err := fs.store.Clear(key); err != nil {
		return fs.done("unlink", errno(err))
	}

	if err := fs.backend.DeleteObject(context.Background(), key); err != nil {
		return fs.done("unlink", errno(err))
	}
	dir, base := keys.Split(key)
	fs.dirs.Remove(dir, base)
	return fs.done("unlink", 0)
}

// Truncate resizes the staged copy; the sidecar is emitted at release, not
// here.
func (fs *FileSystem) Truncate(path string, size int64, fh uint64) int {
	key := keys.KeyOf(path)
	ctx := context.Background()

	if _, err := fs.store.EnsureLoaded(ctx, key); err != nil {
		return fs.done("truncate", errno(err))
	}
	if err := fs.store.Truncate(key, size); err != nil {
		return fs.done("truncate", errno(err))
	}
	fs.markDirty(key)

	env, err := fs.ensureEnvelope(ctx, key)
	if err != nil {
		return fs.done("truncate", errno(err))
	}
	env.Size = size
	fs.attrs.Put(key, env)
	return fs.done("truncate", 0)
}

// Open makes sure write-mode opens have a staged copy to land on. Reads need
// no store interaction here.
func (fs *FileSystem) Open(path string, flags int) (int, uint64) {
	key := keys.KeyOf(path)
	if flags&(fuse.O_WRONLY|fuse.O_RDWR) != 0 {
		if _, err := fs.store.EnsureLoaded(context.Background(), key); err != nil {
			return fs.done("open", errno(err)), 0
		}
	}
	return fs.done("open", 0), 0
}

// Create behaves as mknod followed by open, for kernels that prefer the
// atomic form.
func (fs *FileSystem) Create(path string, flags int, mode uint32) (int, uint64) {
	if errc := fs.Mknod(path, mode, 0); errc != 0 {
		return errc, 0
	}
	return fs.Open(path, flags)
}

// Read serves from the staged copy when one exists and falls back to a
// byte-range GET; cold reads stay off the disk cache.
func (fs *FileSystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	key := keys.KeyOf(path)

	if fs.store.Exists(key) {
		n, err := fs.store.ReadRange(key, ofst, buff)
		if err != nil {
			return fs.done("read", errno(err))
		}
		fs.metrics.RecordRead(n)
		return fs.doneN("read", n)
	}

	data, err := fs.backend.GetObject(context.Background(), key, ofst, int64(len(buff)))
	if err != nil {
		return fs.done("read", errno(err))
	}
	n := copy(buff, data)
	fs.metrics.RecordRead(n)
	return fs.doneN("read", n)
}

// Write lands in the staged copy; the cached envelope tracks the resulting
// size and a fresh mtime.
func (fs *FileSystem) Write(path string, buff []byte, ofst int64, fh uint64) int {
	key := keys.KeyOf(path)
	ctx := context.Background()

	if _, err := fs.store.EnsureLoaded(ctx, key); err != nil {
		return fs.done("write", errno(err))
	}
	n, err := fs.store.WriteRange(key, ofst, buff)
	if err != nil {
		return fs.done("write", errno(err))
	}
	fs.markDirty(key)

	size, err := fs.store.Size(key)
	if err != nil {
		return fs.done("write", errno(err))
	}
	env, err := fs.ensureEnvelope(ctx, key)
	if err != nil {
		return fs.done("write", errno(err))
	}
	env.Size = size
	env.MTime = time.Now().Unix()
	fs.attrs.Put(key, env)

	fs.metrics.RecordWrite(n)
	return fs.doneN("write", n)
}

// Flush is a no-op; writes persist at release.
func (fs *FileSystem) Flush(path string, fh uint64) int {
	return fs.done("flush", 0)
}

// Release publishes a dirty staged copy to the uploader by emitting the
// sidecar. The sidecar hand-off is the durability point.
func (fs *FileSystem) Release(path string, fh uint64) int {
	key := keys.KeyOf(path)
	if !fs.isDirty(key) || !fs.store.Exists(key) {
		return fs.done("release", 0)
	}

	env, err := fs.ensureEnvelope(context.Background(), key)
	if err != nil {
		return fs.done("release", errno(err))
	}
	if size, err := fs.store.Size(key); err == nil {
		env.Size = size
	}
	env.ATime = time.Now().Unix()
	env.ACL = meta.DefaultACL
	fs.attrs.Put(key, env)

	sidecar := env.Clone()
	sidecar.Target = key
	if err := fs.store.WriteMeta(key, sidecar); err != nil {
		return fs.done("release", errno(err))
	}
	fs.clearDirty(key)
	return fs.done("release", 0)
}

// Fsync is a no-op; durability happens at release plus the uploader's PUT.
func (fs *FileSystem) Fsync(path string, datasync bool, fh uint64) int {
	return fs.done("fsync", 0)
}

// Rename copies server-side, then delegates to unlink. Non-atomic on failure
// of the delete step.
func (fs *FileSystem) Rename(oldpath, newpath string) int {
	oldKey := keys.KeyOf(oldpath)
	newKey := keys.KeyOf(newpath)
	ctx := context.Background()

	env := fs.attrs.Get(oldKey)
	if env == nil {
		info, err := fs.backend.HeadObject(ctx, oldKey)
		if err != nil {
			return fs.done("rename", errno(err))
		}
		env = meta.FromObjectInfo(info)
	}

	if err := fs.backend.CopyObject(ctx, oldKey, newKey, nil); err != nil {
		return fs.done("rename", errno(err))
	}

	fs.attrs.Put(newKey, env)
	dir, base := keys.Split(newKey)
	fs.dirs.Add(dir, base)

	return fs.done("rename", fs.Unlink(oldpath))
}

// Symlink stores the target string as the object body under the link key.
func (fs *FileSystem) Symlink(target, newpath string) int {
	key := keys.KeyOf(newpath)
	env := meta.NewSymlink(target)

	if err := fs.backend.PutObject(context.Background(), key, []byte(target), env.StoreMetadata()); err != nil {
		return fs.done("symlink", errno(err))
	}

	fs.attrs.Put(key, env)
	dir, base := keys.Split(key)
	fs.dirs.Add(dir, base)
	return fs.done("symlink", 0)
}

// Readlink returns the object body as the link target.
func (fs *FileSystem) Readlink(path string) (int, string) {
	key := keys.KeyOf(path)
	data, err := fs.backend.GetObject(context.Background(), key, 0, 0)
	if err != nil {
		return fs.done("readlink", errno(err)), ""
	}

	target := string(data)
	if fs.attrs.Get(key) == nil {
		fs.attrs.Put(key, meta.NewSymlink(target))
	}
	return fs.done("readlink", 0), target
}

// Utimens updates the stored times through a self-copy, re-writing the
// metadata without re-uploading the body.
func (fs *FileSystem) Utimens(path string, tmsp []fuse.Timespec) int {
	key := keys.KeyOf(path)
	if key == "" {
		return fs.done("utimens", 0)
	}
	ctx := context.Background()

	env, err := fs.ensureEnvelope(ctx, key)
	if err != nil {
		return fs.done("utimens", errno(err))
	}

	now := fuse.Now()
	atime, mtime := now, now
	if len(tmsp) >= 2 {
		atime, mtime = tmsp[0], tmsp[1]
	}
	updated := env.Clone()
	updated.ATime = atime.Sec
	updated.MTime = mtime.Sec

	if err := fs.backend.CopyObject(ctx, key, key, updated.StoreMetadata()); err != nil {
		return fs.done("utimens", errno(err))
	}
	fs.attrs.Put(key, updated)
	return fs.done("utimens", 0)
}

// Chmod is accepted but ignored; mode bits are driven by envelope metadata.
func (fs *FileSystem) Chmod(path string, mode uint32) int {
	return fs.done("chmod", 0)
}

// Chown is accepted but ignored; ownership comes from the caller context.
func (fs *FileSystem) Chown(path string, uid, gid uint32) int {
	return fs.done("chown", 0)
}

// Access defers enforcement to the kernel's default_permissions handling.
func (fs *FileSystem) Access(path string, mask uint32) int {
	return 0
}

// Statfs reports fixed synthetic totals.
func (fs *FileSystem) Statfs(path string, stat *fuse.Statfs_t) int {
	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = 1 << 24
	stat.Bfree = 1 << 23
	stat.Bavail = 1 << 23
	stat.Files = 1 << 20
	stat.Ffree = 1 << 19
	stat.Favail = 1 << 19
	stat.Namemax = 255
	return fs.done("statfs", 0)
}

// Opendir accepts every directory handle; readdir does the work.
func (fs *FileSystem) Opendir(path string) (int, uint64) {
	return 0, 0
}

// Releasedir has nothing to release.
func (fs *FileSystem) Releasedir(path string, fh uint64) int {
	return 0
}

// Link is unsupported: objects have exactly one key.
func (fs *FileSystem) Link(oldpath, newpath string) int {
	return fs.done("link", -fuse.EOPNOTSUPP)
}

// Setxattr is unsupported.
func (fs *FileSystem) Setxattr(path, name string, value []byte, flags int) int {
	return -fuse.EOPNOTSUPP
}

// Getxattr is unsupported.
func (fs *FileSystem) Getxattr(path, name string) (int, []byte) {
	return -fuse.EOPNOTSUPP, nil
}

// Listxattr is unsupported.
func (fs *FileSystem) Listxattr(path string, fill func(name string) bool) int {
	return -fuse.EOPNOTSUPP
}

// Removexattr is unsupported.
func (fs *FileSystem) Removexattr(path, name string) int {
	return -fuse.EOPNOTSUPP
}

// Helper methods

// ensureEnvelope returns the cached envelope for key, rebuilding it from a
// HEAD when missing. A key absent from the store yields a fresh default file
// envelope: the object is still local-only.
func (fs *FileSystem) ensureEnvelope(ctx context.Context, key string) (*meta.Envelope, error) {
	if env := fs.attrs.Get(key); env != nil {
		return env, nil
	}

	info, err := fs.backend.HeadObject(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			return meta.NewFile(0), nil
		}
		return nil, err
	}
	env := meta.FromObjectInfo(info)
	fs.attrs.Put(key, env)
	return env.Clone(), nil
}

func (fs *FileSystem) fillStat(stat *fuse.Stat_t, env *meta.Envelope, key string) {
	uid, gid, _ := fs.getcontext()

	stat.Dev = 1
	stat.Ino = inodeOf(key)
	stat.Mode = env.Mode
	stat.Nlink = 1
	stat.Uid = uid
	stat.Gid = gid
	stat.Rdev = 0
	stat.Size = env.Size
	stat.Atim = fuse.Timespec{Sec: env.ATime}
	stat.Mtim = fuse.Timespec{Sec: env.MTime}
	stat.Ctim = fuse.Timespec{Sec: env.CTime}
	stat.Blksize = blockSize
	stat.Blocks = env.Size / blockSize
}

// inodeOf hashes the key to 63 bits so inode-sensitive tools see distinct
// entries; the root keeps the conventional 2.
func inodeOf(key string) uint64 {
	if key == "" {
		return 2
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	ino := h.Sum64() &^ (1 << 63)
	if ino == 0 {
		ino = 2
	}
	return ino
}

func (fs *FileSystem) markDirty(key string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirty[key] = struct{}{}
}

func (fs *FileSystem) clearDirty(key string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.dirty, key)
}

func (fs *FileSystem) isDirty(key string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.dirty[key]
	return ok
}

// done records the operation outcome and passes the errno through.
func (fs *FileSystem) done(op string, errc int) int {
	fs.metrics.RecordOperation(op)
	if errc < 0 {
		fs.metrics.RecordError(op)
		fs.logger.Debug("operation failed", "op", op, "errno", errc)
	}
	return errc
}

// doneN records a successful data operation returning a byte count.
func (fs *FileSystem) doneN(op string, n int) int {
	fs.metrics.RecordOperation(op)
	return n
}

// errno maps a structured error to the kernel-facing return code.
func errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsNotFound(err):
		return -fuse.ENOENT
	case errors.IsInvalidArgument(err):
		return -fuse.EINVAL
	case errors.IsNotSupported(err):
		return -fuse.EOPNOTSUPP
	default:
		return -fuse.EIO
	}
}
