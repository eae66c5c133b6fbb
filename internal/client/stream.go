// Package client implements the client side of vfsd: reading and writing
// files over channel streams and calling the daemon over the bus.
package client

import (
	"context"
	"io"
	"sync"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/wire"
	"go.uber.org/atomic"
)

// stream is the state shared by Reader and Writer. Methods other than cancel
// must be called with mut held.
type stream struct {
	t   *wire.ClientTransport
	seq atomic.Uint32

	mut sync.Mutex
	pos int64  // Offset of the next byte returned to the caller.
	gen uint32 // Seeks sent so far.
	buf []byte // Unconsumed data of the current generation.
	eof bool
}

// nextSeq returns the next command sequence number. 0 is reserved for
// readahead replies.
func (s *stream) nextSeq() uint32 {
	seq := s.seq.Inc()
	if seq == 0 {
		seq = s.seq.Inc()
	}
	return seq
}

// roundTrip sends a command and waits for its terminal reply. DATA replies
// received in the meantime are absorbed into the read buffer. If ctx is
// canceled before the reply arrives, the command is canceled and roundTrip
// keeps waiting for the daemon to answer it.
func (s *stream) roundTrip(ctx context.Context, hdr wire.CommandHeader, payload []byte) (wire.ReplyHeader, []byte, error) {
	hdr.Seq = s.nextSeq()
	if err := s.t.SendCommand(hdr, payload); err != nil {
		return wire.ReplyHeader{}, nil, err
	}

	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = s.cancel(hdr.Seq)
			case <-done:
			}
		}()
	}

	for {
		rh, rp, err := s.t.RecvReply()
		if err == io.EOF {
			return rh, nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return rh, nil, err
		}

		if rh.Type == wire.ReplyData {
			s.absorb(rh, rp)
		}
		if rh.Seq != hdr.Seq {
			continue
		}
		if rh.Type == wire.ReplyError {
			ei, err := wire.DecodeError(rh, rp)
			if err != nil {
				return rh, nil, err
			}
			return rh, nil, ei
		}
		return rh, rp, nil
	}
}

// absorb buffers the data of a DATA reply, dropping data read before the
// latest seek.
func (s *stream) absorb(rh wire.ReplyHeader, data []byte) {
	if rh.Arg2 != s.gen {
		return
	}
	if len(data) == 0 {
		s.eof = true
		return
	}
	s.buf = append(s.buf, data...)
}

func (s *stream) cancel(seq uint32) error {
	return s.t.SendCommand(wire.CommandHeader{Type: wire.CommandCancel, Arg1: seq}, nil)
}

func (s *stream) seek(ctx context.Context, offset int64, whence int) (int64, error) {
	cmd := wire.CommandSeekSet
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.pos
	case io.SeekEnd:
		cmd = wire.CommandSeekEnd
	default:
		return 0, vfs.Errorf(vfs.ErrorInvalidArgument, "invalid whence %d", whence)
	}

	s.gen++
	s.buf = nil
	s.eof = false

	lo, hi := wire.SplitOffset(offset)
	rh, _, err := s.roundTrip(ctx, wire.CommandHeader{Type: cmd, Arg1: lo, Arg2: hi}, nil)
	if err != nil {
		return 0, err
	} else if rh.Type != wire.ReplySeekPos {
		return 0, unexpected(rh)
	}
	s.pos = wire.JoinOffset(rh.Arg1, rh.Arg2)
	return s.pos, nil
}

func (s *stream) queryInfo(ctx context.Context, attributes string) (vfs.FileInfo, error) {
	payload := append([]byte(attributes), 0)
	rh, rp, err := s.roundTrip(ctx, wire.CommandHeader{Type: wire.CommandQueryInfo, Arg1: uint32(len(payload))}, payload)
	if err != nil {
		return nil, err
	} else if rh.Type != wire.ReplyInfo {
		return nil, unexpected(rh)
	}
	return wire.DecodeInfo(rp)
}

// close sends CLOSE and closes the transport, returning the etag reported by
// the daemon.
func (s *stream) close(ctx context.Context) (string, error) {
	defer s.t.Close()

	rh, rp, err := s.roundTrip(ctx, wire.CommandHeader{Type: wire.CommandClose}, nil)
	if err != nil {
		return "", err
	} else if rh.Type != wire.ReplyClosed {
		return "", unexpected(rh)
	}
	return string(rp), nil
}

func unexpected(rh wire.ReplyHeader) error {
	return vfs.Errorf(vfs.ErrorFailed, "unexpected %s reply to command %d", rh.Type, rh.Seq)
}
