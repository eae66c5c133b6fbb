package wire

import (
	"fmt"
	"net"
	"os"

	"github.com/go-kit/log"
	"golang.org/x/sys/unix"
)

// Socketpair creates a connected pair of local stream sockets. The first end
// is returned as a daemon-side Transport; the second is returned as a file to
// be handed to the client. The caller must close the returned file once it has
// been sent.
func Socketpair(l log.Logger) (*Transport, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}

	localFile := os.NewFile(uintptr(fds[0]), "vfsd-channel")
	remoteFile := os.NewFile(uintptr(fds[1]), "vfsd-channel-client")

	// FileConn dups the fd, so the original can be closed right away.
	conn, err := net.FileConn(localFile)
	localFile.Close()
	if err != nil {
		remoteFile.Close()
		return nil, nil, fmt.Errorf("converting channel socket to net.Conn: %w", err)
	}
	return NewTransport(l, conn), remoteFile, nil
}

// DialFile wraps a file received from the daemon as a client transport.
func DialFile(l log.Logger, f *os.File) (*ClientTransport, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("converting channel file to net.Conn: %w", err)
	}
	f.Close()
	return NewClientTransport(l, conn), nil
}
