package wire

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// ErrPayloadTooLarge is returned when a frame declares a payload larger than
// MaxPayload.
var ErrPayloadTooLarge = fmt.Errorf("wire: payload exceeds %d bytes", MaxPayload)

// frameConn reads and writes raw frames over a stream. Reads and writes use
// separate locks so one of each may run at the same time; a frame is always
// written as a single unit.
type frameConn struct {
	log log.Logger
	rwc io.ReadWriteCloser

	rmut, wmut sync.Mutex
	closed     atomic.Bool
}

func (fc *frameConn) init(l log.Logger, rwc io.ReadWriteCloser) {
	if l == nil {
		l = log.NewNopLogger()
	}
	fc.log = l
	fc.rwc = rwc
}

func (fc *frameConn) readFrame(payloadLen func(typ, arg1, arg2 uint32) uint32) (hdr [4]uint32, payload []byte, err error) {
	fc.rmut.Lock()
	defer fc.rmut.Unlock()

	var raw [HeaderSize]byte
	if _, err := io.ReadFull(fc.rwc, raw[:]); err != nil {
		return hdr, nil, err
	}
	typ, seq, arg1, arg2 := getHeader(raw[:])
	hdr = [4]uint32{typ, seq, arg1, arg2}

	n := payloadLen(typ, arg1, arg2)
	if n == 0 {
		return hdr, nil, nil
	}
	if n > MaxPayload {
		level.Warn(fc.log).Log("msg", "peer sent oversized frame", "type", typ, "len", n)
		return hdr, nil, ErrPayloadTooLarge
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(fc.rwc, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return hdr, nil, err
	}
	return hdr, payload, nil
}

func (fc *frameConn) writeFrame(typ, seq, arg1, arg2 uint32, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, typ, seq, arg1, arg2)
	copy(buf[HeaderSize:], payload)

	fc.wmut.Lock()
	defer fc.wmut.Unlock()

	for len(buf) > 0 {
		n, err := fc.rwc.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (fc *frameConn) Close() (err error) {
	if fc.closed.CAS(false, true) {
		err = fc.rwc.Close()
		level.Debug(fc.log).Log("msg", "closed wire transport", "err", err)
	}
	return err
}

// Transport is the daemon side of a channel stream: it receives commands and
// sends replies.
type Transport struct {
	frameConn
}

// NewTransport wraps rwc as a daemon-side Transport. Transport takes ownership
// of rwc.
func NewTransport(l log.Logger, rwc io.ReadWriteCloser) *Transport {
	t := &Transport{}
	t.init(l, rwc)
	return t
}

// RecvCommand reads the next command and its payload. The returned payload is
// owned by the caller.
func (t *Transport) RecvCommand() (CommandHeader, []byte, error) {
	raw, payload, err := t.readFrame(func(typ, arg1, arg2 uint32) uint32 {
		return CommandHeader{Type: CommandType(typ), Arg1: arg1, Arg2: arg2}.PayloadLen()
	})
	if err != nil {
		return CommandHeader{}, nil, err
	}
	return CommandHeader{Type: CommandType(raw[0]), Seq: raw[1], Arg1: raw[2], Arg2: raw[3]}, payload, nil
}

// SendReply writes a reply frame. The length word of h must agree with
// len(payload).
func (t *Transport) SendReply(h ReplyHeader, payload []byte) error {
	if int(h.PayloadLen()) != len(payload) {
		return fmt.Errorf("wire: %s header declares %d payload bytes, got %d", h.Type, h.PayloadLen(), len(payload))
	}
	return t.writeFrame(uint32(h.Type), h.Seq, h.Arg1, h.Arg2, payload)
}

// ClientTransport is the client side of a channel stream: it sends commands
// and receives replies.
type ClientTransport struct {
	frameConn
}

// NewClientTransport wraps rwc as a client-side transport. ClientTransport
// takes ownership of rwc.
func NewClientTransport(l log.Logger, rwc io.ReadWriteCloser) *ClientTransport {
	t := &ClientTransport{}
	t.init(l, rwc)
	return t
}

// SendCommand writes a command frame. The length word of h must agree with
// len(payload).
func (t *ClientTransport) SendCommand(h CommandHeader, payload []byte) error {
	if int(h.PayloadLen()) != len(payload) {
		return fmt.Errorf("wire: %s header declares %d payload bytes, got %d", h.Type, h.PayloadLen(), len(payload))
	}
	return t.writeFrame(uint32(h.Type), h.Seq, h.Arg1, h.Arg2, payload)
}

// RecvReply reads the next reply and its payload.
func (t *ClientTransport) RecvReply() (ReplyHeader, []byte, error) {
	raw, payload, err := t.readFrame(func(typ, arg1, arg2 uint32) uint32 {
		return ReplyHeader{Type: ReplyType(typ), Arg1: arg1, Arg2: arg2}.PayloadLen()
	})
	if err != nil {
		return ReplyHeader{}, nil, err
	}
	return ReplyHeader{Type: ReplyType(raw[0]), Seq: raw[1], Arg1: raw[2], Arg2: raw[3]}, payload, nil
}
