/*
Package cache provides the three caches the filesystem server runs on.

# Staging layout

The on-disk store is a flat directory shared between the filesystem server
and the uploader, their only communication channel:

	┌─────────────────────────────────────────────┐
	│          Filesystem Server                  │
	│   write/truncate → data file                │
	│   release        → sidecar (commit record)  │
	└─────────────────────────────────────────────┘
	                      │
	         {cache}/{bucket},{slug}         data
	         {cache}/{bucket},{slug},meta    sidecar
	                      │
	┌─────────────────────────────────────────────┐
	│              Uploader                       │
	│   sidecar found → PUT data file to fn       │
	│   success       → unlink sidecar + data     │
	└─────────────────────────────────────────────┘

A data file without a sidecar is in-flight writes or clean read-through
staging and may be deleted at any time; data plus sidecar means ready to
upload; neither means clean or already uploaded. A crash at any point leaves
a recoverable state, which is why sidecars are committed by rename.

# In-memory caches

AttrCache maps keys to attribute envelopes and is authoritative after any
local mutation: utime, truncate and write update it directly and a subsequent
getattr never re-fetches. DirCache maps a directory key to the complete set
of its immediate children as observed by this process; it is populated by the
first listing and mutated by every local create and delete so no second
listing is needed. Neither cache expires entries; mounts are single-writer.
*/
package cache
