/*
Package fusefs implements the POSIX operation dispatcher over the object
store.

Each kernel callback consults the attribute and directory caches for fast
answers, the staging store for in-flight content, and falls back to the
backend for authoritative data. Writes land in the staging store; release
publishes the sidecar that hands the object to the uploader. The server
never retries backend calls (the client carries its own bounded retry
budget) and never blocks the kernel waiting for an upload: the sidecar
hand-off is the durability point from the caller's perspective.

Errno mapping follows the backend's error codes: missing objects surface as
ENOENT, caller mistakes as EINVAL, unsupported operations (link, xattrs) as
EOPNOTSUPP, and everything else — transport or local disk — as EIO.
*/
package fusefs
