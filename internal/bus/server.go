package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"
	"go.uber.org/atomic"
)

// BusPath is the object path of the server's built-in object.
const BusPath = "/vfsd/bus"

// HelloReply is returned by the built-in Hello method.
type HelloReply struct {
	ID string `msgpack:"id"`
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// OnConnect is called for every new connection.
	OnConnect func(c *Conn)
	// OnDisconnect is called once a connection closes.
	OnDisconnect func(c *Conn)
}

// Server accepts bus connections and routes their calls to shared exported
// objects. Each connection is given a unique name.
type Server struct {
	log log.Logger
	o   ServerOptions

	mut     sync.RWMutex
	objects map[string]Handler
	conns   map[string]*Conn
	lis     []net.Listener

	closed atomic.Bool
}

// NewServer creates a new Server.
func NewServer(l log.Logger, o ServerOptions) *Server {
	if l == nil {
		l = log.NewNopLogger()
	}
	s := &Server{
		log:     l,
		o:       o,
		objects: make(map[string]Handler),
		conns:   make(map[string]*Conn),
	}
	s.Export(BusPath, HandlerFunc(s.serveBus))
	return s
}

func (s *Server) serveBus(inv *Invocation) {
	switch inv.Member() {
	case "Hello":
		_ = inv.Return(HelloReply{ID: inv.Sender()})
	default:
		_ = inv.ReturnError(fmt.Errorf("unknown method %s", inv.Member()))
	}
}

// Export makes h available at path to every connection.
func (s *Server) Export(path string, h Handler) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.objects[path] = h
}

// Unexport removes the object at path.
func (s *Server) Unexport(path string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.objects, path)
}

func (s *Server) route(path string) (Handler, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	h, ok := s.objects[path]
	return h, ok
}

// Peer returns the connection with the given unique name.
func (s *Server) Peer(id string) (*Conn, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Serve accepts connections from lis until lis is closed. lis must produce
// unix connections.
func (s *Server) Serve(lis net.Listener) error {
	s.mut.Lock()
	s.lis = append(s.lis, lis)
	s.mut.Unlock()

	for {
		nc, err := lis.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		uc, ok := nc.(*net.UnixConn)
		if !ok {
			level.Warn(s.log).Log("msg", "rejecting non-unix connection", "addr", nc.RemoteAddr())
			_ = nc.Close()
			continue
		}
		s.ServeConn(uc)
	}
}

// ServeConn starts serving an already-established connection.
func (s *Server) ServeConn(uc *net.UnixConn) *Conn {
	id := ":" + uuid.NewV4().String()
	l := log.With(s.log, "peer", id)

	c := newConn(l, uc, id, s.route)

	s.mut.Lock()
	s.conns[id] = c
	s.mut.Unlock()

	level.Debug(l).Log("msg", "peer connected")
	if s.o.OnConnect != nil {
		s.o.OnConnect(c)
	}

	c.OnClose(func() {
		s.mut.Lock()
		delete(s.conns, id)
		s.mut.Unlock()

		level.Debug(l).Log("msg", "peer disconnected")
		if s.o.OnDisconnect != nil {
			s.o.OnDisconnect(c)
		}
	})
	return c
}

// Close stops all listeners and closes every connection.
func (s *Server) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}

	s.mut.RLock()
	var (
		lis   = s.lis
		conns = make([]*Conn, 0, len(s.conns))
	)
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mut.RUnlock()

	var errs *multierror.Error
	for _, l := range lis {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Dial connects to a bus server listening at the unix socket path, retrying
// with exponential backoff until ctx is canceled. The returned connection has
// already completed Hello.
func Dial(ctx context.Context, l log.Logger, path string) (*Conn, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	var uc *net.UnixConn

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		uc, err = net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			level.Debug(l).Log("msg", "failed to dial bus, retrying", "path", path, "err", err)
		}
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("dialing bus at %s: %w", path, err)
	}

	c := NewConn(l, uc)
	if _, err := c.Hello(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bus handshake: %w", err)
	}
	return c, nil
}

// Pair returns a connected pair of unix sockets suitable for an in-process
// bus connection.
func Pair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}

	var conns [2]*net.UnixConn
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "bus-pair")
		nc, err := net.FileConn(f)
		f.Close()
		if err != nil {
			if i == 0 {
				unix.Close(fds[1])
			} else {
				conns[0].Close()
			}
			return nil, nil, fmt.Errorf("converting bus socket to net.Conn: %w", err)
		}
		conns[i] = nc.(*net.UnixConn)
	}
	return conns[0], conns[1], nil
}
