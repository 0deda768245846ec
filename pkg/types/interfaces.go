package types

import (
	"context"
)

// Backend is the object-store client surface the filesystem server and the
// uploader consume. Implementations issue x-amz-meta-* headers from the meta
// maps verbatim and return them lower-cased on responses.
type Backend interface {
	// HeadObject retrieves metadata about an object.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// GetObject retrieves an object or, when offset/size bound it, a byte
	// range of it. offset == 0 and size == 0 fetches the whole object.
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)

	// PutObject stores data under key with the given user metadata.
	PutObject(ctx context.Context, key string, data []byte, meta map[string]string) error

	// PutObjectFromFile streams a local file to key with the given user
	// metadata.
	PutObjectFromFile(ctx context.Context, key, path string, meta map[string]string) error

	// CopyObject performs a server-side copy from srcKey to dstKey. A nil
	// meta map keeps the source metadata; a non-nil map replaces it (the
	// self-copy metadata update).
	CopyObject(ctx context.Context, srcKey, dstKey string, meta map[string]string) error

	// DeleteObject removes an object. A missing key is an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects lists keys under prefix. With a delimiter, synthesised
	// sub-directories come back as entries whose key keeps the trailing
	// delimiter.
	ListObjects(ctx context.Context, prefix, delimiter string) ([]ObjectInfo, error)
}
