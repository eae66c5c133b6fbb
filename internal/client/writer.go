package client

import (
	"context"
	"io"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/wire"
)

// maxWrite is the largest payload sent in one WRITE command.
const maxWrite = 1 << 20

// Writer writes a file over a write channel.
type Writer struct {
	s       stream
	canSeek bool
	etag    string
}

var _ io.WriteCloser = (*Writer)(nil)

// NewWriter creates a Writer over t, positioned at initialOffset. Writer
// takes ownership of t.
func NewWriter(t *wire.ClientTransport, canSeek bool, initialOffset int64) *Writer {
	w := &Writer{s: stream{t: t}, canSeek: canSeek}
	w.s.pos = initialOffset
	return w
}

// CanSeek reports whether the backend supports seeking the file.
func (w *Writer) CanSeek() bool { return w.canSeek }

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

// WriteContext writes p, splitting it into multiple commands if needed.
func (w *Writer) WriteContext(ctx context.Context, p []byte) (int, error) {
	w.s.mut.Lock()
	defer w.s.mut.Unlock()

	var total int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxWrite {
			chunk = chunk[:maxWrite]
		}

		rh, _, err := w.s.roundTrip(ctx, wire.CommandHeader{Type: wire.CommandWrite, Arg1: uint32(len(chunk))}, chunk)
		if err != nil {
			return total, err
		} else if rh.Type != wire.ReplyWritten {
			return total, unexpected(rh)
		}

		n := int(rh.Arg1)
		total += n
		w.s.pos += int64(n)
		if n < len(chunk) {
			return total, io.ErrShortWrite
		}
		p = p[n:]
	}
	return total, nil
}

// Seek implements io.Seeker.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	if !w.canSeek {
		return 0, vfs.Errorf(vfs.ErrorNotSupported, "seek not supported on stream")
	}
	w.s.mut.Lock()
	defer w.s.mut.Unlock()
	return w.s.seek(context.Background(), offset, whence)
}

// Truncate changes the size of the file.
func (w *Writer) Truncate(ctx context.Context, size int64) error {
	w.s.mut.Lock()
	defer w.s.mut.Unlock()

	lo, hi := wire.SplitOffset(size)
	rh, _, err := w.s.roundTrip(ctx, wire.CommandHeader{Type: wire.CommandTruncate, Arg1: lo, Arg2: hi}, nil)
	if err != nil {
		return err
	} else if rh.Type != wire.ReplyTruncated {
		return unexpected(rh)
	}
	return nil
}

// QueryInfo returns the attributes of the open file.
func (w *Writer) QueryInfo(ctx context.Context, attributes string) (vfs.FileInfo, error) {
	w.s.mut.Lock()
	defer w.s.mut.Unlock()
	return w.s.queryInfo(ctx, attributes)
}

// Close closes the file. Once closed, Etag returns the etag of the written
// file.
func (w *Writer) Close() error {
	w.s.mut.Lock()
	defer w.s.mut.Unlock()

	etag, err := w.s.close(context.Background())
	w.etag = etag
	return err
}

// Etag returns the etag reported when the file was closed.
func (w *Writer) Etag() string {
	w.s.mut.Lock()
	defer w.s.mut.Unlock()
	return w.etag
}
