// Package meta defines the attribute envelope carried alongside every object:
// the mode/time/size/acl bundle persisted as x-amz-meta-s3fs-* user metadata
// headers on the store and as yaml sidecar files in the cache directory.
package meta

import (
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/s3fs/pkg/errors"
	"github.com/objectfs/s3fs/pkg/types"
)

// File-type and default permission bits. Defaults apply whenever a read-back
// envelope is missing the field.
const (
	TypeMask    = 0170000
	TypeRegular = 0100000
	TypeDir     = 0040000
	TypeSymlink = 0120000

	DefaultFileMode    = TypeRegular | 0644
	DefaultDirMode     = TypeDir | 0755
	DefaultSymlinkMode = TypeSymlink | 0777

	// DirSize is the synthetic size reported for directories.
	DirSize = 4

	// DefaultACL is the opaque visibility token applied to every object.
	DefaultACL = "private"
)

// Store metadata keys. The SDK namespaces them as x-amz-meta-s3fs-* on the
// wire and returns them lower-cased.
const (
	metaMode       = "s3fs-mode"
	metaATime      = "s3fs-atime"
	metaMTime      = "s3fs-mtime"
	metaCTime      = "s3fs-ctime"
	metaSize       = "s3fs-size"
	metaACL        = "s3fs-acl"
	metaCopySource = "s3fs-copy-source"
)

// Envelope is the per-path attribute bundle. Target (`fn`) is set only inside
// sidecar files so the uploader knows where to PUT; CopySource only during a
// copy-on-write rename.
type Envelope struct {
	Mode       uint32 `yaml:"mode"`
	ATime      int64  `yaml:"atime"`
	MTime      int64  `yaml:"mtime"`
	CTime      int64  `yaml:"ctime"`
	Size       int64  `yaml:"size"`
	ACL        string `yaml:"acl"`
	CopySource string `yaml:"copy_source,omitempty"`
	Target     string `yaml:"fn,omitempty"`
}

// NewFile returns an envelope for a regular file created now.
func NewFile(mode uint32) *Envelope {
	if mode == 0 {
		mode = DefaultFileMode
	}
	if mode&TypeMask == 0 {
		mode |= TypeRegular
	}
	return stamp(&Envelope{Mode: mode, ACL: DefaultACL})
}

// NewDir returns an envelope for a directory created now.
func NewDir(mode uint32) *Envelope {
	if mode == 0 {
		mode = DefaultDirMode
	}
	if mode&TypeMask == 0 {
		mode |= TypeDir
	}
	return stamp(&Envelope{Mode: mode, Size: DirSize, ACL: DefaultACL})
}

// NewSymlink returns an envelope for a symlink whose body is target.
func NewSymlink(target string) *Envelope {
	return stamp(&Envelope{Mode: DefaultSymlinkMode, Size: int64(len(target)), ACL: DefaultACL})
}

func stamp(e *Envelope) *Envelope {
	now := time.Now().Unix()
	e.ATime, e.MTime, e.CTime = now, now, now
	return e
}

// IsDir reports whether the envelope describes a directory.
func (e *Envelope) IsDir() bool { return e.Mode&TypeMask == TypeDir }

// IsSymlink reports whether the envelope describes a symlink.
func (e *Envelope) IsSymlink() bool { return e.Mode&TypeMask == TypeSymlink }

// Clone returns a copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// StoreMetadata serialises the envelope into the user-metadata map attached
// to store requests. Target is excluded: it lives only in sidecars.
func (e *Envelope) StoreMetadata() map[string]string {
	md := map[string]string{
		metaMode:  strconv.FormatUint(uint64(e.Mode), 10),
		metaATime: strconv.FormatInt(e.ATime, 10),
		metaMTime: strconv.FormatInt(e.MTime, 10),
		metaCTime: strconv.FormatInt(e.CTime, 10),
		metaSize:  strconv.FormatInt(e.Size, 10),
		metaACL:   e.ACL,
	}
	if e.CopySource != "" {
		md[metaCopySource] = e.CopySource
	}
	return md
}

// FromObjectInfo rebuilds an envelope from a HEAD/GET response. Missing
// metadata fields fill with defaults: regular-file mode, the object's
// last-modified time (or now), the content length as size.
func FromObjectInfo(info *types.ObjectInfo) *Envelope {
	fallback := info.LastModified.Unix()
	if info.LastModified.IsZero() {
		fallback = time.Now().Unix()
	}

	e := &Envelope{
		Mode:  parseUint32(info.Metadata[metaMode], DefaultFileMode),
		ATime: parseInt64(info.Metadata[metaATime], fallback),
		MTime: parseInt64(info.Metadata[metaMTime], fallback),
		CTime: parseInt64(info.Metadata[metaCTime], fallback),
		Size:  info.Size,
		ACL:   info.Metadata[metaACL],
	}
	if e.ACL == "" {
		e.ACL = DefaultACL
	}
	if e.IsDir() {
		e.Size = DirSize
	}
	return e
}

// EncodeSidecar serialises the envelope for the cache-store sidecar file.
func EncodeSidecar(e *Envelope) ([]byte, error) {
	data, err := yaml.Marshal(e)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to encode sidecar").WithCause(err)
	}
	return data, nil
}

// DecodeSidecar rebuilds an envelope from sidecar bytes.
func DecodeSidecar(data []byte) (*Envelope, error) {
	var e Envelope
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, errors.NewError(errors.ErrCodeCorruptSidecar, "failed to decode sidecar").WithCause(err)
	}
	return &e, nil
}

func parseUint32(s string, fallback uint32) uint32 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(v)
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
