package client

import (
	"context"
	"io"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/wire"
)

// Reader reads a file over a read channel. Data the daemon reads ahead is
// buffered and served to later reads.
type Reader struct {
	s       stream
	canSeek bool
}

var (
	_ io.ReadSeekCloser = (*Reader)(nil)
)

// NewReader creates a Reader over t. Reader takes ownership of t.
func NewReader(t *wire.ClientTransport, canSeek bool) *Reader {
	return &Reader{s: stream{t: t}, canSeek: canSeek}
}

// CanSeek reports whether the backend supports seeking the file.
func (r *Reader) CanSeek() bool { return r.canSeek }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext reads into p. Returns io.EOF at the end of the file. If ctx is
// canceled while a read is outstanding, the read is canceled.
func (r *Reader) ReadContext(ctx context.Context, p []byte) (int, error) {
	r.s.mut.Lock()
	defer r.s.mut.Unlock()

	for {
		if len(r.s.buf) > 0 {
			n := copy(p, r.s.buf)
			r.s.buf = r.s.buf[n:]
			r.s.pos += int64(n)
			return n, nil
		} else if r.s.eof {
			return 0, io.EOF
		} else if len(p) == 0 {
			return 0, nil
		}

		_, _, err := r.s.roundTrip(ctx, wire.CommandHeader{Type: wire.CommandRead, Arg1: uint32(len(p))}, nil)
		if err != nil {
			return 0, err
		}
	}
}

// Seek implements io.Seeker. Buffered data is discarded.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	return r.SeekContext(context.Background(), offset, whence)
}

// SeekContext moves the read offset.
func (r *Reader) SeekContext(ctx context.Context, offset int64, whence int) (int64, error) {
	if !r.canSeek {
		return 0, vfs.Errorf(vfs.ErrorNotSupported, "seek not supported on stream")
	}
	r.s.mut.Lock()
	defer r.s.mut.Unlock()
	return r.s.seek(ctx, offset, whence)
}

// QueryInfo returns the attributes of the open file selected by attributes,
// an attribute matcher string such as "standard::*,etag::value".
func (r *Reader) QueryInfo(ctx context.Context, attributes string) (vfs.FileInfo, error) {
	r.s.mut.Lock()
	defer r.s.mut.Unlock()
	return r.s.queryInfo(ctx, attributes)
}

// Cancel asks the daemon to cancel the command with the given sequence
// number. It may be called concurrently with other methods.
func (r *Reader) Cancel(seq uint32) error { return r.s.cancel(seq) }

// Close closes the file.
func (r *Reader) Close() error {
	r.s.mut.Lock()
	defer r.s.mut.Unlock()
	_, err := r.s.close(context.Background())
	return err
}
