// Package vfs holds the core types of the vfsd daemon: the operations a
// backend can serve, their request and response messages, error codes, and
// mount specs.
//
// Requests reach a backend through two paths. Channel requests arrive as
// frames on a per-resource socket (see the wire and channel packages), while
// bus requests (open, mount, pull, ...) arrive as method calls on the
// daemon's bus. Both end up as jobs (see the job package) executed against a
// backend's Handler.
package vfs

// Request is implemented by every operation request message.
type Request interface {
	vfsRequest()
}

// Response is implemented by every operation response message.
type Response interface {
	vfsResponse()
}
