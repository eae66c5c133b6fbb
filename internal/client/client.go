package client

import (
	"context"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/wire"
	"go.uber.org/atomic"
)

// Client talks to vfsd over a bus connection.
type Client struct {
	log  log.Logger
	conn *bus.Conn

	nextObject atomic.Uint64
}

// New creates a Client using conn. conn must have completed Hello.
func New(l log.Logger, conn *bus.Conn) *Client {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Client{log: l, conn: conn}
}

// Dial connects to the daemon listening at the unix socket path.
func Dial(ctx context.Context, l log.Logger, path string) (*Client, error) {
	conn, err := bus.Dial(ctx, l, path)
	if err != nil {
		return nil, err
	}
	return New(l, conn), nil
}

// Conn returns the underlying bus connection.
func (c *Client) Conn() *bus.Conn { return c.conn }

// Close closes the bus connection. Open Readers and Writers are not affected.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, path, member string, args, reply interface{}) ([]*os.File, error) {
	ctx = bus.WithCancelTarget(ctx, vfs.DaemonPath, vfs.MethodCancel)
	return c.conn.Call(ctx, path, member, args, reply)
}

// exportOperation exports op on the bus and returns its object path. Returns
// empty strings if op is nil. The returned function unexports op.
func (c *Client) exportOperation(op MountOperation) (id, path string, remove func()) {
	if op == nil {
		return "", "", func() {}
	}
	path = fmt.Sprintf("/vfsd/client/mountop/%d", c.nextObject.Inc())
	c.conn.Export(path, &operationHandler{log: c.log, op: op})
	return c.conn.ID(), path, func() { c.conn.Unexport(path) }
}

// Mount asks the daemon to mount spec. op, if non-nil, answers questions the
// backend asks while mounting.
func (c *Client) Mount(ctx context.Context, spec vfs.MountSpec, op MountOperation) (*Mount, error) {
	id, path, remove := c.exportOperation(op)
	defer remove()

	var reply vfs.MountReply
	_, err := c.call(ctx, vfs.DaemonPath, vfs.MethodMount, vfs.MountArgs{
		Spec:       spec,
		SourceID:   id,
		SourcePath: path,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &Mount{c: c, spec: spec, path: reply.ObjectPath}, nil
}

// ListMounts returns the mounts known to the daemon.
func (c *Client) ListMounts(ctx context.Context) ([]*Mount, error) {
	var reply vfs.ListMountsReply
	if _, err := c.call(ctx, vfs.DaemonPath, vfs.MethodListMounts, nil, &reply); err != nil {
		return nil, err
	}
	mounts := make([]*Mount, 0, len(reply.Mounts))
	for _, mi := range reply.Mounts {
		mounts = append(mounts, &Mount{c: c, spec: mi.Spec, path: mi.ObjectPath})
	}
	return mounts, nil
}

// Mount is a mount exported by the daemon.
type Mount struct {
	c    *Client
	spec vfs.MountSpec
	path string
}

// Spec returns the mount spec of m.
func (m *Mount) Spec() vfs.MountSpec { return m.spec }

// ObjectPath returns the bus object path of m.
func (m *Mount) ObjectPath() string { return m.path }

func (m *Mount) open(ctx context.Context, member string, args interface{}) (*wire.ClientTransport, vfs.OpenReply, error) {
	var reply vfs.OpenReply
	files, err := m.c.call(ctx, m.path, member, args, &reply)
	if err != nil {
		return nil, reply, err
	}
	if len(files) != 1 {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, reply, vfs.Errorf(vfs.ErrorFailed, "%s returned %d files, expected 1", member, len(files))
	}

	t, err := wire.DialFile(m.c.log, files[0])
	if err != nil {
		_ = files[0].Close()
		return nil, reply, err
	}
	return t, reply, nil
}

// OpenForRead opens path for reading.
func (m *Mount) OpenForRead(ctx context.Context, path string) (*Reader, error) {
	t, reply, err := m.open(ctx, vfs.MethodOpenForRead, vfs.OpenForReadArgs{Path: path})
	if err != nil {
		return nil, err
	}
	return NewReader(t, reply.CanSeek), nil
}

// OpenForWrite opens path for writing. For vfs.OpenReplace, a non-empty etag
// makes the open fail if the file was modified since the etag was obtained.
func (m *Mount) OpenForWrite(ctx context.Context, path string, mode vfs.OpenMode, etag string, makeBackup bool) (*Writer, error) {
	t, reply, err := m.open(ctx, vfs.MethodOpenForWrite, vfs.OpenForWriteArgs{
		Path:       path,
		Mode:       mode,
		Etag:       etag,
		MakeBackup: makeBackup,
	})
	if err != nil {
		return nil, err
	}
	return NewWriter(t, reply.CanSeek, reply.InitialOffset), nil
}

// Pull copies source from the mount to localPath on the host.
func (m *Mount) Pull(ctx context.Context, source, localPath string, removeSource bool) error {
	_, err := m.c.call(ctx, m.path, vfs.MethodPull, vfs.PullArgs{
		Source:       source,
		LocalPath:    localPath,
		RemoveSource: removeSource,
	}, nil)
	return err
}

// StopMountable stops the mountable at path.
func (m *Mount) StopMountable(ctx context.Context, path string, op MountOperation) error {
	id, opPath, remove := m.c.exportOperation(op)
	defer remove()

	_, err := m.c.call(ctx, m.path, vfs.MethodStopMountable, vfs.StopMountableArgs{
		Path:       path,
		SourceID:   id,
		SourcePath: opPath,
	}, nil)
	return err
}

// Unmount unmounts m. op, if non-nil, is asked what to do if the mount is
// busy.
func (m *Mount) Unmount(ctx context.Context, force bool, op MountOperation) error {
	id, path, remove := m.c.exportOperation(op)
	defer remove()

	_, err := m.c.call(ctx, m.path, vfs.MethodUnmount, vfs.UnmountArgs{
		SourceID:   id,
		SourcePath: path,
		Force:      force,
	}, nil)
	return err
}

// Watch creates a monitor for path and subscribes to it. Events are passed
// to fn until the returned function is called.
func (m *Mount) Watch(ctx context.Context, path string, fn func(monitor.ChangedArgs)) (stop func(), err error) {
	var reply vfs.CreateMonitorReply
	_, err = m.c.call(ctx, m.path, vfs.MethodCreateMonitor, vfs.CreateMonitorArgs{Path: path}, &reply)
	if err != nil {
		return nil, err
	}

	subPath := fmt.Sprintf("/vfsd/client/monitor/%d", m.c.nextObject.Inc())
	m.c.conn.Export(subPath, bus.HandlerFunc(func(inv *bus.Invocation) {
		var args monitor.ChangedArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		fn(args)
		_ = inv.Return(nil)
	}))

	args := monitor.SubscribeArgs{ObjectPath: subPath}
	if _, err := m.c.conn.Call(ctx, reply.ObjectPath, "Subscribe", args, nil); err != nil {
		m.c.conn.Unexport(subPath)
		return nil, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), mountsource.DefaultTimeout)
		defer cancel()
		if _, err := m.c.conn.Call(ctx, reply.ObjectPath, "Unsubscribe", args, nil); err != nil {
			level.Debug(m.c.log).Log("msg", "failed to unsubscribe", "monitor", reply.ObjectPath, "err", err)
		}
		m.c.conn.Unexport(subPath)
	}, nil
}
