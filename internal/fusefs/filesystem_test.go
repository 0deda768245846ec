package fusefs

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/s3fs/internal/cache"
	"github.com/objectfs/s3fs/internal/meta"
	"github.com/objectfs/s3fs/pkg/errors"
	"github.com/objectfs/s3fs/pkg/types"
)

// fakeObject is one stored object in the fake bucket.
type fakeObject struct {
	data []byte
	meta map[string]string
}

// fakeBackend is an in-memory types.Backend with per-operation counters so
// tests can assert which operations stayed off the network.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string]*fakeObject

	heads, gets, puts, copies, deletes, lists int

	failCopy   error
	failDelete error
	failHead   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string]*fakeObject)}
}

func (f *fakeBackend) seed(key string, data []byte, md map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if md == nil {
		env := meta.NewFile(0)
		env.Size = int64(len(data))
		md = env.StoreMetadata()
	}
	f.objects[key] = &fakeObject{data: append([]byte(nil), data...), meta: md}
}

func notFound(key string) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "object not found: %s", key)
}

func (f *fakeBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.failHead != nil {
		return nil, f.failHead
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(obj.data)), Metadata: obj.meta}, nil
}

func (f *fakeBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	obj, ok := f.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	data := obj.data
	if offset == 0 && size == 0 {
		return append([]byte(nil), data...), nil
	}
	if offset >= int64(len(data)) {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "requested range not satisfiable")
	}
	end := int64(len(data))
	if size > 0 && offset+size < end {
		end = offset + size
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (f *fakeBackend) PutObject(ctx context.Context, key string, data []byte, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[key] = &fakeObject{data: append([]byte(nil), data...), meta: md}
	return nil
}

func (f *fakeBackend) PutObjectFromFile(ctx context.Context, key, path string, md map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewError(errors.ErrCodeLocalIO, err.Error()).WithCause(err)
	}
	return f.PutObject(ctx, key, data, md)
}

func (f *fakeBackend) CopyObject(ctx context.Context, srcKey, dstKey string, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies++
	if f.failCopy != nil {
		return f.failCopy
	}
	src, ok := f.objects[srcKey]
	if !ok {
		return notFound(srcKey)
	}
	copied := &fakeObject{data: append([]byte(nil), src.data...), meta: src.meta}
	if md != nil {
		copied.meta = md
	}
	f.objects[dstKey] = copied
	return nil
}

func (f *fakeBackend) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failDelete != nil {
		return f.failDelete
	}
	if _, ok := f.objects[key]; !ok {
		return notFound(key)
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) ListObjects(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []types.ObjectInfo
	seenPrefix := make(map[string]bool)
	for _, k := range keys {
		rest := k[len(prefix):]
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 && i < len(rest)-1 {
				p := prefix + rest[:i+1]
				if !seenPrefix[p] {
					seenPrefix[p] = true
					out = append(out, types.ObjectInfo{Key: p})
				}
				continue
			}
		}
		out = append(out, types.ObjectInfo{Key: k, Size: int64(len(f.objects[k].data))})
	}
	return out, nil
}

func newTestFS(t *testing.T, backend types.Backend) *FileSystem {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), "bkt", backend)
	require.NoError(t, err)

	fs := NewFileSystem(backend, store, &Config{Bucket: "bkt", MountPoint: "/mnt/test"}, nil)
	fs.getcontext = func() (uint32, uint32, int) { return 1000, 1000, 1 }
	return fs
}

func readdirNames(t *testing.T, fs *FileSystem, path string) []string {
	t.Helper()
	var names []string
	errc := fs.Readdir(path, func(name string, stat *fuse.Stat_t, ofst int64) bool {
		if name != "." && name != ".." {
			names = append(names, name)
		}
		return true
	}, 0, 0)
	require.Zero(t, errc)
	sort.Strings(names)
	return names
}

func TestGetattrRoot(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/", &stat, 0))
	assert.Equal(t, uint32(meta.DefaultDirMode), stat.Mode)
	assert.Equal(t, uint32(1000), stat.Uid)
	assert.Equal(t, uint32(1000), stat.Gid)
	assert.Equal(t, uint64(2), stat.Ino)
	assert.Equal(t, int64(blockSize), stat.Blksize)
}

// After mknod, getattr answers from the attribute cache with no network
// round trip.
func TestMknodThenGetattrNoNetwork(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Mknod("/a.txt", 0644, 0))

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/a.txt", &stat, 0))
	assert.Equal(t, uint32(meta.TypeRegular|0644), stat.Mode)
	assert.Zero(t, stat.Size)
	assert.Zero(t, backend.heads)
	assert.Zero(t, backend.gets)
}

// Create-write-read within the same mount sees the written bytes.
func TestCreateWriteRead(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	require.Zero(t, fs.Mknod("/a.txt", 0644, 0))
	assert.Equal(t, 5, fs.Write("/a.txt", []byte("hello"), 0, 0))

	buff := make([]byte, 5)
	assert.Equal(t, 5, fs.Read("/a.txt", buff, 0, 0))
	assert.Equal(t, "hello", string(buff))

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/a.txt", &stat, 0))
	assert.Equal(t, int64(5), stat.Size)
}

func TestWriteAtOffset(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	require.Zero(t, fs.Mknod("/f", 0644, 0))
	assert.Equal(t, 3, fs.Write("/f", []byte("abc"), 4, 0))

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/f", &stat, 0))
	assert.Equal(t, int64(7), stat.Size)

	buff := make([]byte, 7)
	n := fs.Read("/f", buff, 0, 0)
	assert.Equal(t, 7, n)
	assert.Equal(t, []byte{0, 0, 0, 0, 'a', 'b', 'c'}, buff)
}

// Release emits a sidecar iff the file is dirty.
func TestReleaseSidecar(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Mknod("/a.txt", 0644, 0))
	fs.Write("/a.txt", []byte("hello"), 0, 0)
	require.Zero(t, fs.Release("/a.txt", 0))

	raw, err := os.ReadFile(fs.store.MetaPath("a.txt"))
	require.NoError(t, err)
	env, err := meta.DecodeSidecar(raw)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", env.Target)
	assert.Equal(t, int64(5), env.Size)
	assert.Equal(t, meta.DefaultACL, env.ACL)

	// A clean release emits nothing.
	backend.seed("clean", []byte("x"), nil)
	errc, _ := fs.Open("/clean", fuse.O_RDONLY)
	require.Zero(t, errc)
	require.Zero(t, fs.Release("/clean", 0))
	_, err = os.Stat(fs.store.MetaPath("clean"))
	assert.True(t, os.IsNotExist(err))
}

// A second release after the sidecar hand-off must not re-publish.
func TestReleaseIdempotent(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	require.Zero(t, fs.Mknod("/a", 0644, 0))
	fs.Write("/a", []byte("x"), 0, 0)
	require.Zero(t, fs.Release("/a", 0))
	require.NoError(t, os.Remove(fs.store.MetaPath("a")))

	require.Zero(t, fs.Release("/a", 0))
	_, err := os.Stat(fs.store.MetaPath("a"))
	assert.True(t, os.IsNotExist(err))
}

// Rename moves the envelope and removes the source.
func TestRename(t *testing.T) {
	backend := newFakeBackend()
	env := meta.NewFile(0)
	env.Size = 1
	env.MTime = 777
	backend.seed("x", []byte("1"), env.StoreMetadata())

	fs := newTestFS(t, backend)
	require.Zero(t, fs.Rename("/x", "/y"))

	var stat fuse.Stat_t
	assert.Equal(t, -fuse.ENOENT, fs.Getattr("/x", &stat, 0))
	require.Zero(t, fs.Getattr("/y", &stat, 0))
	assert.Equal(t, int64(777), stat.Mtim.Sec)

	buff := make([]byte, 1)
	assert.Equal(t, 1, fs.Read("/y", buff, 0, 0))
	assert.Equal(t, "1", string(buff))

	_, ok := backend.objects["x"]
	assert.False(t, ok)
}

func TestRenameMissingSource(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())
	assert.Equal(t, -fuse.ENOENT, fs.Rename("/nope", "/y"))
}

// A failed copy leaves the caches untouched.
func TestRenameCopyFailureLeavesCaches(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("x", []byte("1"), nil)
	backend.failCopy = errors.NewError(errors.ErrCodeNetworkError, "down")

	fs := newTestFS(t, backend)
	assert.Equal(t, -fuse.EIO, fs.Rename("/x", "/y"))
	assert.Nil(t, fs.attrs.Get("y"))
}

// Readdir returns each immediate child exactly once, and a freshly made
// directory lists its unflushed children.
func TestMkdirMknodReaddir(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Mkdir("/d", 0755))
	assert.Equal(t, 1, backend.puts)
	require.Zero(t, fs.Mknod("/d/x", 0644, 0))

	assert.Equal(t, []string{"x"}, readdirNames(t, fs, "/d"))
}

func TestReaddirDedupesMarkerAndPrefix(t *testing.T) {
	backend := newFakeBackend()
	dirEnv := meta.NewDir(0)
	backend.seed("a.txt", []byte("hi"), nil)
	backend.seed("d", nil, dirEnv.StoreMetadata())
	backend.seed("d/x", []byte("1"), nil)

	fs := newTestFS(t, backend)
	assert.Equal(t, []string{"a.txt", "d"}, readdirNames(t, fs, "/"))

	// Second readdir is served from the cache.
	lists := backend.lists
	assert.Equal(t, []string{"a.txt", "d"}, readdirNames(t, fs, "/"))
	assert.Equal(t, lists, backend.lists)
}

func TestReaddirFiltersSelfPlaceholder(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("d/", nil, meta.NewDir(0).StoreMetadata())
	backend.seed("d/x", []byte("1"), nil)

	fs := newTestFS(t, backend)
	assert.Equal(t, []string{"x"}, readdirNames(t, fs, "/d"))
}

func TestMkdirEmptyPathInvalid(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())
	assert.Equal(t, -fuse.EINVAL, fs.Mkdir("/", 0755))
	assert.Equal(t, -fuse.EINVAL, fs.Rmdir("/"))
}

func TestRmdir(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Mkdir("/d", 0755))
	require.Zero(t, fs.Rmdir("/d"))

	var stat fuse.Stat_t
	assert.Equal(t, -fuse.ENOENT, fs.Getattr("/d", &stat, 0))
	assert.NotContains(t, readdirNames(t, fs, "/"), "d")
}

// Truncate adjusts the cached size.
func TestTruncate(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	require.Zero(t, fs.Mknod("/f", 0644, 0))
	fs.Write("/f", []byte("hello world"), 0, 0)
	require.Zero(t, fs.Truncate("/f", 5, 0))

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/f", &stat, 0))
	assert.Equal(t, int64(5), stat.Size)
}

func TestTruncateDownloadsExisting(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("f", []byte("hello world"), nil)

	fs := newTestFS(t, backend)
	require.Zero(t, fs.Truncate("/f", 5, 0))

	buff := make([]byte, 5)
	assert.Equal(t, 5, fs.Read("/f", buff, 0, 0))
	assert.Equal(t, "hello", string(buff))
}

// Utime round-trips through the self-copy and lands in the cache.
func TestUtimens(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("f", []byte("x"), nil)

	fs := newTestFS(t, backend)
	tmsp := []fuse.Timespec{{Sec: 111}, {Sec: 222}}
	require.Zero(t, fs.Utimens("/f", tmsp))
	assert.Equal(t, 1, backend.copies)

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/f", &stat, 0))
	assert.Equal(t, int64(111), stat.Atim.Sec)
	assert.Equal(t, int64(222), stat.Mtim.Sec)
}

// A failed self-copy leaves the cached times alone.
func TestUtimensFailureLeavesCache(t *testing.T) {
	backend := newFakeBackend()
	env := meta.NewFile(0)
	env.ATime, env.MTime = 1, 2
	env.Size = 1
	backend.seed("f", []byte("x"), env.StoreMetadata())

	fs := newTestFS(t, backend)
	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/f", &stat, 0))

	backend.failCopy = errors.NewError(errors.ErrCodeNetworkError, "down")
	assert.Equal(t, -fuse.EIO, fs.Utimens("/f", []fuse.Timespec{{Sec: 9}, {Sec: 9}}))

	require.Zero(t, fs.Getattr("/f", &stat, 0))
	assert.Equal(t, int64(1), stat.Atim.Sec)
	assert.Equal(t, int64(2), stat.Mtim.Sec)
}

// Unlink removes every cache-store entry for the key.
func TestUnlink(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Mknod("/f", 0644, 0))
	fs.Write("/f", []byte("data"), 0, 0)
	require.Zero(t, fs.Release("/f", 0))

	// Make the object exist remotely so the DELETE has a target.
	backend.seed("f", []byte("data"), nil)

	require.Zero(t, fs.Unlink("/f"))
	assert.False(t, fs.store.Exists("f"))
	_, err := os.Stat(fs.store.MetaPath("f"))
	assert.True(t, os.IsNotExist(err))

	var stat fuse.Stat_t
	assert.Equal(t, -fuse.ENOENT, fs.Getattr("/f", &stat, 0))
}

func TestUnlinkMissing(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())
	assert.Equal(t, -fuse.ENOENT, fs.Unlink("/ghost"))
}

// A range read of a large object goes straight to the store.
func TestRangeReadLargeObject(t *testing.T) {
	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i % 251)
	}
	backend := newFakeBackend()
	backend.seed("big", big, nil)

	fs := newTestFS(t, backend)
	buff := make([]byte, 4096)
	n := fs.Read("/big", buff, 524288, 0)
	assert.Equal(t, 4096, n)
	assert.Equal(t, big[524288:524288+4096], buff)

	// Cold reads stay off the disk cache.
	assert.False(t, fs.store.Exists("big"))
}

// A missing key surfaces as ENOENT on both getattr and read.
func TestMissingKeyIsENOENT(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	var stat fuse.Stat_t
	assert.Equal(t, -fuse.ENOENT, fs.Getattr("/no-such", &stat, 0))
	assert.Equal(t, -fuse.ENOENT, fs.Read("/no-such", make([]byte, 1), 0, 0))
}

func TestTransportErrorIsEIO(t *testing.T) {
	backend := newFakeBackend()
	backend.failHead = errors.NewError(errors.ErrCodeNetworkError, "down")

	fs := newTestFS(t, backend)
	var stat fuse.Stat_t
	assert.Equal(t, -fuse.EIO, fs.Getattr("/f", &stat, 0))
}

func TestSymlinkReadlink(t *testing.T) {
	backend := newFakeBackend()
	fs := newTestFS(t, backend)

	require.Zero(t, fs.Symlink("a.txt", "/link"))

	var stat fuse.Stat_t
	require.Zero(t, fs.Getattr("/link", &stat, 0))
	assert.Equal(t, uint32(meta.DefaultSymlinkMode), stat.Mode)

	errc, target := fs.Readlink("/link")
	require.Zero(t, errc)
	assert.Equal(t, "a.txt", target)
}

func TestOpenForWriteDownloads(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("f", []byte("remote"), nil)

	fs := newTestFS(t, backend)
	errc, _ := fs.Open("/f", fuse.O_RDWR)
	require.Zero(t, errc)
	assert.True(t, fs.store.Exists("f"))

	// Read-modify-write sees the existing bytes.
	fs.Write("/f", []byte("R"), 0, 0)
	buff := make([]byte, 6)
	n := fs.Read("/f", buff, 0, 0)
	assert.Equal(t, "Remote", string(buff[:n]))
}

func TestOpenReadOnlyNoStaging(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("f", []byte("remote"), nil)

	fs := newTestFS(t, backend)
	errc, _ := fs.Open("/f", fuse.O_RDONLY)
	require.Zero(t, errc)
	assert.False(t, fs.store.Exists("f"))
}

func TestNoopAndUnsupportedOperations(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	assert.Zero(t, fs.Flush("/f", 0))
	assert.Zero(t, fs.Fsync("/f", false, 0))
	assert.Zero(t, fs.Chmod("/f", 0600))
	assert.Zero(t, fs.Chown("/f", 1, 1))

	assert.Equal(t, -fuse.EOPNOTSUPP, fs.Link("/a", "/b"))
	assert.Equal(t, -fuse.EOPNOTSUPP, fs.Setxattr("/a", "n", nil, 0))
	errc, _ := fs.Getxattr("/a", "n")
	assert.Equal(t, -fuse.EOPNOTSUPP, errc)
	assert.Equal(t, -fuse.EOPNOTSUPP, fs.Listxattr("/a", func(string) bool { return true }))
	assert.Equal(t, -fuse.EOPNOTSUPP, fs.Removexattr("/a", "n"))
}

func TestStatfsSynthetic(t *testing.T) {
	fs := newTestFS(t, newFakeBackend())

	var stat fuse.Statfs_t
	require.Zero(t, fs.Statfs("/", &stat))
	assert.Equal(t, uint64(blockSize), stat.Bsize)
	assert.NotZero(t, stat.Blocks)
	assert.Equal(t, uint64(255), stat.Namemax)
}

func TestInodeOf(t *testing.T) {
	assert.Equal(t, uint64(2), inodeOf(""))
	a, b := inodeOf("a.txt"), inodeOf("b.txt")
	assert.NotEqual(t, a, b)
	assert.Zero(t, a>>63)
	assert.Equal(t, a, inodeOf("a.txt"))
}
