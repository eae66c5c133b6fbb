package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/vmihailenco/msgpack/v5"
)

var errIncomplete = errors.New("wire: incomplete payload")

// payloadReader pops NUL-terminated strings off of a payload. Any method that
// fails panics with errIncomplete, which callers recover into an error.
type payloadReader struct {
	data []byte
	off  int
}

func (pr *payloadReader) String() string {
	buf := pr.data[pr.off:]
	nul := bytes.IndexByte(buf, 0)
	if len(buf) == 0 || nul == -1 {
		panic(errIncomplete)
	}
	pr.off += nul + 1
	return string(buf[:nul])
}

type payloadWriter struct {
	buf bytes.Buffer
}

func (pw *payloadWriter) String(s string) {
	pw.buf.WriteString(s)
	pw.buf.WriteByte(0)
}

func recoverIncomplete(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if rerr, ok := r.(error); ok && errors.Is(rerr, errIncomplete) {
		*err = rerr
		return
	}
	panic(r)
}

// ErrorReply builds an ERROR reply for ei.
func ErrorReply(seq uint32, ei *vfs.ErrorInfo) (ReplyHeader, []byte) {
	var pw payloadWriter
	pw.String(ei.Domain)
	pw.String(ei.Message)
	payload := pw.buf.Bytes()

	return ReplyHeader{
		Type: ReplyError,
		Seq:  seq,
		Arg1: uint32(ei.Code),
		Arg2: uint32(len(payload)),
	}, payload
}

// DecodeError decodes the payload of an ERROR reply.
func DecodeError(h ReplyHeader, payload []byte) (ei *vfs.ErrorInfo, err error) {
	if h.Type != ReplyError {
		return nil, fmt.Errorf("wire: %s is not an error reply", h.Type)
	}
	defer recoverIncomplete(&err)

	pr := payloadReader{data: payload}
	var (
		domain  = pr.String()
		message = pr.String()
	)
	return &vfs.ErrorInfo{Domain: domain, Code: vfs.Error(int32(h.Arg1)), Message: message}, nil
}

// InfoReply builds an INFO reply carrying fi.
func InfoReply(seq uint32, fi vfs.FileInfo) (ReplyHeader, []byte, error) {
	payload, err := msgpack.Marshal(fi)
	if err != nil {
		return ReplyHeader{}, nil, fmt.Errorf("encoding file info: %w", err)
	}
	return ReplyHeader{Type: ReplyInfo, Seq: seq, Arg2: uint32(len(payload))}, payload, nil
}

// DecodeInfo decodes the payload of an INFO reply.
func DecodeInfo(payload []byte) (vfs.FileInfo, error) {
	var fi vfs.FileInfo
	if err := msgpack.Unmarshal(payload, &fi); err != nil {
		return nil, fmt.Errorf("decoding file info: %w", err)
	}
	return fi, nil
}
