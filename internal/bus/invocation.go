package bus

import (
	"fmt"
	"os"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"
)

// Invocation is an incoming method call. Exactly one of Return or ReturnError
// must be called for calls that expect a reply.
type Invocation struct {
	conn    *Conn
	env     envelope
	files   []*os.File
	replied atomic.Bool
}

// Sender returns the unique name of the calling connection.
func (inv *Invocation) Sender() string { return inv.conn.ID() }

// Serial returns the caller-assigned serial of the call.
func (inv *Invocation) Serial() uint32 { return inv.env.Serial }

// Path returns the object path the call was made on.
func (inv *Invocation) Path() string { return inv.env.Path }

// Member returns the name of the invoked method.
func (inv *Invocation) Member() string { return inv.env.Member }

// Conn returns the connection the call arrived on.
func (inv *Invocation) Conn() *Conn { return inv.conn }

// Files returns the files sent with the call. The handler owns them.
func (inv *Invocation) Files() []*os.File { return inv.files }

// NoReply returns true if the caller isn't waiting for a reply.
func (inv *Invocation) NoReply() bool { return inv.env.Kind == kindCallNoReply }

// Decode decodes the call arguments into v. Calls made without arguments
// leave v untouched.
func (inv *Invocation) Decode(v interface{}) error {
	if len(inv.env.Body) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(inv.env.Body, v); err != nil {
		return vfs.Errorf(vfs.ErrorInvalidArgument, "invalid arguments for %s: %s", inv.env.Member, err)
	}
	return nil
}

// Return sends a successful reply carrying v and files. files remain owned by
// the caller.
func (inv *Invocation) Return(v interface{}, files ...*os.File) error {
	if !inv.replied.CAS(false, true) {
		return fmt.Errorf("bus: %s already replied to", inv.env.Member)
	}
	if inv.NoReply() {
		return nil
	}
	body, err := encodeBody(v)
	if err != nil {
		return err
	}
	return inv.conn.send(envelope{
		Kind:        kindReturn,
		Serial:      inv.conn.serial.Inc(),
		ReplySerial: inv.env.Serial,
		Body:        body,
	}, files)
}

// ReturnError sends err as the reply. err is converted with vfs.ToErrorInfo.
func (inv *Invocation) ReturnError(err error) error {
	if !inv.replied.CAS(false, true) {
		return fmt.Errorf("bus: %s already replied to", inv.env.Member)
	}
	if inv.NoReply() {
		return nil
	}
	return inv.conn.send(envelope{
		Kind:        kindError,
		Serial:      inv.conn.serial.Inc(),
		ReplySerial: inv.env.Serial,
		Error:       vfs.ToErrorInfo(err),
	}, nil)
}
