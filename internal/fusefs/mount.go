package fusefs

import (
	"fmt"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/s3fs/pkg/errors"
)

// Mount attaches the filesystem at the configured mount point and blocks
// until it is unmounted.
func (fs *FileSystem) Mount() error {
	fs.host = fuse.NewFileSystemHost(fs)

	options := []string{
		"-o", "default_permissions",
		"-o", "fsname=s3fs:" + fs.config.Bucket,
	}
	if fs.config.Volname != "" {
		options = append(options, "-o", "volname="+fs.config.Volname)
	}
	if fs.config.IOSize != 0 {
		options = append(options, "-o", fmt.Sprintf("iosize=%d", fs.config.IOSize))
	}
	if fs.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	if !fs.host.Mount(fs.config.MountPoint, options) {
		return errors.Newf(errors.ErrCodeMountFailed, "mount failed at %s", fs.config.MountPoint)
	}
	return nil
}

// Unmount detaches the filesystem; Mount returns once the kernel lets go.
func (fs *FileSystem) Unmount() bool {
	if fs.host == nil {
		return false
	}
	return fs.host.Unmount()
}
