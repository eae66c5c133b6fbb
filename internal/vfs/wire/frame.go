// Package wire implements the framed stream protocol spoken on channel
// sockets. Every frame starts with a 16-byte header of four big-endian 32-bit
// words (type, seq, arg1, arg2), optionally followed by a payload whose length
// is derived from the header.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of a frame header in bytes.
const HeaderSize = 16

// MaxPayload is the largest payload accepted in a single frame. Larger frames
// are a protocol error and fatal to the stream.
const MaxPayload = 16 * 1024 * 1024

// CommandType is the type of a client to daemon frame.
type CommandType uint32

// Commands.
const (
	CommandRead      CommandType = 0 // arg1: requested byte count
	CommandWrite     CommandType = 1 // arg1: payload length
	CommandClose     CommandType = 2
	CommandCancel    CommandType = 3 // arg1: seq to cancel
	CommandSeekSet   CommandType = 4 // arg1/arg2: offset low/high word
	CommandSeekEnd   CommandType = 5 // arg1/arg2: offset low/high word
	CommandQueryInfo CommandType = 6 // arg1: payload length
	CommandTruncate  CommandType = 7 // arg1/arg2: size low/high word
)

var commandNames = map[CommandType]string{
	CommandRead:      "READ",
	CommandWrite:     "WRITE",
	CommandClose:     "CLOSE",
	CommandCancel:    "CANCEL",
	CommandSeekSet:   "SEEK_SET",
	CommandSeekEnd:   "SEEK_END",
	CommandQueryInfo: "QUERY_INFO",
	CommandTruncate:  "TRUNCATE",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", uint32(t))
}

// Known reports whether t is part of the protocol.
func (t CommandType) Known() bool {
	_, ok := commandNames[t]
	return ok
}

// ReplyType is the type of a daemon to client frame.
type ReplyType uint32

// Replies.
const (
	ReplyData      ReplyType = 0 // arg1: byte count, arg2: seek generation
	ReplyError     ReplyType = 1 // arg1: error code, arg2: payload length
	ReplySeekPos   ReplyType = 2 // arg1/arg2: offset low/high word
	ReplyWritten   ReplyType = 3 // arg1: bytes written
	ReplyClosed    ReplyType = 4 // arg2: etag length
	ReplyInfo      ReplyType = 5 // arg2: payload length
	ReplyTruncated ReplyType = 6
)

var replyNames = map[ReplyType]string{
	ReplyData:      "DATA",
	ReplyError:     "ERROR",
	ReplySeekPos:   "SEEK_POS",
	ReplyWritten:   "WRITTEN",
	ReplyClosed:    "CLOSED",
	ReplyInfo:      "INFO",
	ReplyTruncated: "TRUNCATED",
}

func (t ReplyType) String() string {
	if name, ok := replyNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ReplyType(%d)", uint32(t))
}

// CommandHeader is the header of a command frame.
type CommandHeader struct {
	Type CommandType
	Seq  uint32
	Arg1 uint32
	Arg2 uint32
}

// PayloadLen returns the number of payload bytes following h.
func (h CommandHeader) PayloadLen() uint32 {
	switch h.Type {
	case CommandWrite, CommandQueryInfo:
		return h.Arg1
	default:
		return 0
	}
}

// ReplyHeader is the header of a reply frame.
type ReplyHeader struct {
	Type ReplyType
	Seq  uint32
	Arg1 uint32
	Arg2 uint32
}

// PayloadLen returns the number of payload bytes following h.
func (h ReplyHeader) PayloadLen() uint32 {
	switch h.Type {
	case ReplyData:
		return h.Arg1
	case ReplyError, ReplyClosed, ReplyInfo:
		return h.Arg2
	default:
		return 0
	}
}

// SplitOffset splits a 64-bit offset into its low and high words.
func SplitOffset(off int64) (lo, hi uint32) {
	u := uint64(off)
	return uint32(u), uint32(u >> 32)
}

// JoinOffset rebuilds an offset split by SplitOffset.
func JoinOffset(lo, hi uint32) int64 {
	return int64(uint64(hi)<<32 | uint64(lo))
}

func putHeader(buf []byte, typ, seq, arg1, arg2 uint32) {
	binary.BigEndian.PutUint32(buf[0:4], typ)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], arg1)
	binary.BigEndian.PutUint32(buf[12:16], arg2)
}

func getHeader(buf []byte) (typ, seq, arg1, arg2 uint32) {
	return binary.BigEndian.Uint32(buf[0:4]),
		binary.BigEndian.Uint32(buf[4:8]),
		binary.BigEndian.Uint32(buf[8:12]),
		binary.BigEndian.Uint32(buf[12:16])
}
