// Package keys maps kernel paths to bucket keys and synthesises directory
// entries from prefix listings. It is pure and stateless; keeping the string
// surgery here keeps the dispatcher auditable.
package keys

import (
	"strings"
)

// KeyOf strips exactly one leading '/' from a kernel path. The root path maps
// to the empty key, which denotes the bucket root directory.
func KeyOf(path string) string {
	return strings.TrimPrefix(path, "/")
}

// ListPrefix returns the store listing prefix for a directory key: the empty
// prefix for the bucket root, dirKey + "/" otherwise.
func ListPrefix(dirKey string) string {
	if dirKey == "" {
		return ""
	}
	return dirKey + "/"
}

// ChildNames strips prefix from each listed key. Entries with a trailing '/'
// denote sub-directories and keep the marker; the store's delimited listing
// has already deduplicated, so this does not.
func ChildNames(prefix string, listed []string) []string {
	names := make([]string, 0, len(listed))
	for _, key := range listed {
		names = append(names, strings.TrimPrefix(key, prefix))
	}
	return names
}

// Split divides a key into its parent directory key and basename. Keys at the
// bucket root have the empty parent.
func Split(key string) (dir, base string) {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "", trimmed
	}
	return trimmed[:i], trimmed[i+1:]
}
