// Package bus implements the peer-to-peer message bus used between vfsd and
// its clients. Messages are msgpack envelopes framed by a 4-byte big-endian
// length and sent over unix stream sockets; file descriptors travel alongside
// as SCM_RIGHTS ancillary data.
//
// Either side of a connection may export objects (Handlers at an object path)
// and call methods on the objects exported by the other side.
package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	maxMessageSize = 16 * 1024 * 1024
	maxFDs         = 16
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = fmt.Errorf("bus: connection closed: %w", vfs.ErrorClosed)

type kind uint8

const (
	kindCall kind = iota + 1
	kindCallNoReply
	kindReturn
	kindError
)

type envelope struct {
	Kind        kind               `msgpack:"kind"`
	Serial      uint32             `msgpack:"serial"`
	ReplySerial uint32             `msgpack:"reply_serial,omitempty"`
	Path        string             `msgpack:"path,omitempty"`
	Member      string             `msgpack:"member,omitempty"`
	Error       *vfs.ErrorInfo     `msgpack:"error,omitempty"`
	Body        msgpack.RawMessage `msgpack:"body,omitempty"`
	FDs         int                `msgpack:"fds,omitempty"`
}

type message struct {
	env   envelope
	files []*os.File
}

// Handler serves method calls made on an exported object.
type Handler interface {
	ServeBus(inv *Invocation)
}

// HandlerFunc implements Handler.
type HandlerFunc func(inv *Invocation)

// ServeBus implements Handler.
func (f HandlerFunc) ServeBus(inv *Invocation) { f(inv) }

// Conn is one end of a bus connection.
type Conn struct {
	log    log.Logger
	uc     *net.UnixConn
	router func(path string) (Handler, bool)

	wmut   sync.Mutex
	serial atomic.Uint32

	mut      sync.Mutex
	id       string
	pending  map[uint32]chan *message
	objects  map[string]Handler
	onClose  map[uint64]func()
	nextHook uint64

	// Calls without replies are served in order by signalLoop.
	signals chan signal

	closed atomic.Bool
	done   chan struct{}
}

type signal struct {
	h   Handler
	inv *Invocation
}

// NewConn wraps uc as a bus connection and starts reading from it. Conn takes
// ownership of uc.
func NewConn(l log.Logger, uc *net.UnixConn) *Conn {
	return newConn(l, uc, "", nil)
}

func newConn(l log.Logger, uc *net.UnixConn, id string, router func(string) (Handler, bool)) *Conn {
	if l == nil {
		l = log.NewNopLogger()
	}
	c := &Conn{
		log:    l,
		uc:     uc,
		router: router,

		id:      id,
		pending: make(map[uint32]chan *message),
		objects: make(map[string]Handler),
		onClose: make(map[uint64]func()),

		signals: make(chan signal, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.signalLoop()
	return c
}

// ID returns the unique name of the connection. On the daemon side this
// identifies the remote peer; on the client side it is set by Hello.
func (c *Conn) ID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.id
}

// Hello asks the remote side for the unique name it assigned to this
// connection and stores it as the connection's ID.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	var reply HelloReply
	if _, err := c.Call(ctx, BusPath, "Hello", nil, &reply); err != nil {
		return "", err
	}
	c.mut.Lock()
	c.id = reply.ID
	c.mut.Unlock()
	return reply.ID, nil
}

// Export makes h available at path for the remote side of c.
func (c *Conn) Export(path string, h Handler) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.objects[path] = h
}

// Unexport removes the object at path.
func (c *Conn) Unexport(path string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.objects, path)
}

// Call invokes member on the remote object at path and waits for the reply.
// args and reply are msgpack-encoded; either may be nil. files are sent along
// with the call and remain owned by the caller. Files returned with the reply
// are owned by the caller.
//
// Remote failures are returned as *vfs.ErrorInfo.
func (c *Conn) Call(ctx context.Context, path, member string, args, reply interface{}, files ...*os.File) ([]*os.File, error) {
	body, err := encodeBody(args)
	if err != nil {
		return nil, err
	}

	serial := c.serial.Inc()
	ch := make(chan *message, 1)

	c.mut.Lock()
	if c.closed.Load() {
		c.mut.Unlock()
		return nil, ErrClosed
	}
	c.pending[serial] = ch
	c.mut.Unlock()

	defer func() {
		c.mut.Lock()
		delete(c.pending, serial)
		c.mut.Unlock()
	}()

	err = c.send(envelope{Kind: kindCall, Serial: serial, Path: path, Member: member, Body: body}, files)
	if err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.env.Kind == kindError {
			closeFiles(msg.files)
			if msg.env.Error == nil {
				return nil, vfs.Errorf(vfs.ErrorFailed, "%s.%s failed", path, member)
			}
			return nil, msg.env.Error
		}
		if reply != nil && len(msg.env.Body) > 0 {
			if err := msgpack.Unmarshal(msg.env.Body, reply); err != nil {
				closeFiles(msg.files)
				return nil, fmt.Errorf("decoding %s reply: %w", member, err)
			}
		}
		return msg.files, nil
	case <-ctx.Done():
		if ct, ok := ctx.Value(cancelTargetKey{}).(cancelTarget); ok {
			if err := c.Emit(ct.path, ct.member, CancelArgs{Serial: serial}); err != nil {
				level.Debug(c.log).Log("msg", "failed to send cancel", "serial", serial, "err", err)
			}
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CancelArgs are sent to the cancel target of a call whose context was
// canceled before the reply arrived.
type CancelArgs struct {
	Serial uint32 `msgpack:"serial"`
}

type (
	cancelTargetKey struct{}
	cancelTarget    struct{ path, member string }
)

// WithCancelTarget returns a context which makes Call tell the remote side
// when it gives up on a call: member is invoked on path with the serial of
// the abandoned call as CancelArgs.
func WithCancelTarget(ctx context.Context, path, member string) context.Context {
	return context.WithValue(ctx, cancelTargetKey{}, cancelTarget{path: path, member: member})
}

// Emit invokes member on the remote object at path without waiting for, or
// receiving, a reply. The remote side serves emitted calls one at a time in
// the order they were sent.
func (c *Conn) Emit(path, member string, args interface{}) error {
	body, err := encodeBody(args)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(envelope{Kind: kindCallNoReply, Serial: c.serial.Inc(), Path: path, Member: member, Body: body}, nil)
}

// OnClose registers f to be called once the connection closes. If c is
// already closed, f is called immediately. The returned function removes the
// hook.
func (c *Conn) OnClose(f func()) (remove func()) {
	c.mut.Lock()
	if c.closed.Load() {
		c.mut.Unlock()
		f()
		return func() {}
	}
	id := c.nextHook
	c.nextHook++
	c.onClose[id] = f
	c.mut.Unlock()

	return func() {
		c.mut.Lock()
		defer c.mut.Unlock()
		delete(c.onClose, id)
	}
}

// Done returns a channel which closes when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}

func (c *Conn) send(env envelope, files []*os.File) error {
	if len(files) > maxFDs {
		return fmt.Errorf("bus: cannot send %d files, max %d", len(files), maxFDs)
	}
	env.FDs = len(files)

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("bus: message of %d bytes too large", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmut.Lock()
	defer c.wmut.Unlock()

	n, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("writing bus message: %w", err)
	}
	if n < len(buf) {
		if _, err := c.uc.Write(buf[n:]); err != nil {
			return fmt.Errorf("writing bus message: %w", err)
		}
	}
	return nil
}

func (c *Conn) readLoop() {
	var (
		buf   []byte
		chunk = make([]byte, 64*1024)
		oob   = make([]byte, unix.CmsgSpace(maxFDs*4))
		fds   []*os.File
	)
	defer func() {
		closeFiles(fds)
		c.shutdown()
	}()

	for {
		for {
			size, ok := nextMessageSize(buf)
			if !ok {
				break
			}
			if size > maxMessageSize {
				level.Warn(c.log).Log("msg", "peer sent oversized bus message", "size", size)
				return
			}
			if len(buf) < 4+size {
				break
			}

			var msg message
			if err := msgpack.Unmarshal(buf[4:4+size], &msg.env); err != nil {
				level.Warn(c.log).Log("msg", "failed to decode bus message", "err", err)
				return
			}
			if msg.env.FDs > len(fds) {
				level.Warn(c.log).Log("msg", "bus message references missing file descriptors", "want", msg.env.FDs, "have", len(fds))
				return
			}
			msg.files, fds = fds[:msg.env.FDs:msg.env.FDs], fds[msg.env.FDs:]
			buf = append(buf[:0], buf[4+size:]...)

			c.dispatch(&msg)
		}

		n, oobn, _, _, err := c.uc.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			files, perr := parseRights(oob[:oobn])
			if perr != nil {
				level.Warn(c.log).Log("msg", "failed to parse ancillary data", "err", perr)
			}
			fds = append(fds, files...)
		}
		// n is negative when the read fails.
		if err != nil || n <= 0 {
			level.Debug(c.log).Log("msg", "bus connection read loop exiting", "err", err)
			return
		}
		buf = append(buf, chunk[:n]...)
	}
}

func nextMessageSize(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[:4])), true
}

func (c *Conn) dispatch(msg *message) {
	switch msg.env.Kind {
	case kindReturn, kindError:
		c.mut.Lock()
		ch, ok := c.pending[msg.env.ReplySerial]
		c.mut.Unlock()
		if !ok {
			// The caller gave up waiting.
			closeFiles(msg.files)
			return
		}
		ch <- msg

	case kindCall, kindCallNoReply:
		inv := &Invocation{conn: c, env: msg.env, files: msg.files}

		c.mut.Lock()
		h, ok := c.objects[msg.env.Path]
		c.mut.Unlock()
		if !ok && c.router != nil {
			h, ok = c.router(msg.env.Path)
		}
		if !ok {
			_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotSupported, "no object at path %s", msg.env.Path))
			closeFiles(msg.files)
			return
		}
		if inv.NoReply() {
			c.signals <- signal{h: h, inv: inv}
			return
		}
		go h.ServeBus(inv)

	default:
		level.Warn(c.log).Log("msg", "ignoring bus message of unknown kind", "kind", msg.env.Kind)
		closeFiles(msg.files)
	}
}

func (c *Conn) signalLoop() {
	for {
		select {
		case s := <-c.signals:
			s.h.ServeBus(s.inv)
		case <-c.done:
			for {
				select {
				case s := <-c.signals:
					closeFiles(s.inv.files)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) shutdown() {
	c.mut.Lock()
	if !c.closed.CAS(false, true) {
		c.mut.Unlock()
		return
	}
	hooks := make([]func(), 0, len(c.onClose))
	for _, f := range c.onClose {
		hooks = append(hooks, f)
	}
	c.onClose = nil
	c.mut.Unlock()

	_ = c.uc.Close()
	close(c.done)

	for _, f := range hooks {
		f()
	}
}

func encodeBody(v interface{}) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding bus arguments: %w", err)
	}
	return body, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "bus-fd"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
