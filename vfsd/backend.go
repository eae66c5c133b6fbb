package vfsd

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/channel"
	"github.com/rfratto/vfsd/internal/vfs/handle"
	"github.com/rfratto/vfsd/internal/vfs/job"
	"github.com/rfratto/vfsd/internal/vfs/wire"
)

// channelCloseTimeout bounds how long teardown waits for forced channels to
// release their handles.
const channelCloseTimeout = 10 * time.Second

// monitorRemover is implemented by handlers which keep track of the monitors
// they were given.
type monitorRemover interface {
	RemoveMonitor(m *monitor.Monitor) bool
}

// Backend is a mounted backend. It is exported on the bus at its object
// path and owns the channels of every file opened through it.
type Backend struct {
	d       *Daemon
	log     log.Logger
	key     string
	spec    vfs.MountSpec
	path    string
	handler job.Handler
	gate    *job.Gate
	pool    *job.Pool

	mut        sync.Mutex
	channels   map[*channel.Channel]struct{}
	monitors   map[*monitor.Monitor]func()
	unmounting bool
	closed     bool
}

var (
	_ channel.Backend = (*Backend)(nil)
	_ bus.Handler     = (*Backend)(nil)
)

func newBackend(d *Daemon, n int, spec vfs.MountSpec, factory Factory) (*Backend, error) {
	path := mountPath(n)
	l := log.With(d.log, "mount", path)

	settings := d.o.Settings[spec.Type]
	limit := settings.MaxThreads
	if limit <= 0 {
		limit = d.o.MaxThreads
	}

	b := &Backend{
		d:        d,
		log:      l,
		key:      spec.String(),
		spec:     spec,
		path:     path,
		handler:  factory(l),
		gate:     &job.Gate{},
		channels: make(map[*channel.Channel]struct{}),
		monitors: make(map[*monitor.Monitor]func()),
	}

	pool, err := job.NewPool(l, job.Options{
		ConcurrencyLimit: limit,
		RequestTimeout:   settings.RequestTimeout,
		Handler:          b.handler,
		Handles:          handle.NewArena(l, uint32(n)),
		Middleware: []job.Middleware{
			b.gate,
			job.NewLoggingMiddleware(l),
		},
		Metrics: d.jobMetrics,
	})
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

// Spec returns the mount spec of b.
func (b *Backend) Spec() vfs.MountSpec { return b.spec }

// ObjectPath returns the bus path b is exported at.
func (b *Backend) ObjectPath() string { return b.path }

// Queue implements channel.Backend.
func (b *Backend) Queue(j *job.Job) { b.pool.Queue(j) }

// Blocked implements channel.Backend.
func (b *Backend) Blocked() bool { return b.gate.Blocked() }

// ServeBus implements bus.Handler.
func (b *Backend) ServeBus(inv *bus.Invocation) {
	if inv.Member() != vfs.MethodUnmount && b.gate.Blocked() {
		_ = inv.ReturnError(vfs.Errorf(vfs.ErrorBusy, "mount is being unmounted"))
		return
	}

	switch inv.Member() {
	case vfs.MethodOpenForRead:
		var args vfs.OpenForReadArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.open(inv, vfs.OpOpenForRead, &vfs.OpenForReadRequest{Path: args.Path})

	case vfs.MethodOpenForWrite:
		var args vfs.OpenForWriteArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.open(inv, vfs.OpOpenForWrite, &vfs.OpenForWriteRequest{
			Path:       args.Path,
			Mode:       args.Mode,
			Etag:       args.Etag,
			MakeBackup: args.MakeBackup,
		})

	case vfs.MethodPull:
		var args vfs.PullArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.call(inv, job.Params{
			Op: vfs.OpPull,
			Request: &vfs.PullRequest{
				Source:       args.Source,
				LocalPath:    args.LocalPath,
				RemoveSource: args.RemoveSource,
			},
		})

	case vfs.MethodStopMountable:
		var args vfs.StopMountableArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.call(inv, job.Params{
			Op:          vfs.OpStopMountable,
			Request:     &vfs.StopMountableRequest{Path: args.Path},
			MountSource: b.d.mountSource(args.SourceID, args.SourcePath),
		})

	case vfs.MethodCreateMonitor:
		var args vfs.CreateMonitorArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.createMonitor(inv, args.Path)

	case vfs.MethodUnmount:
		var args vfs.UnmountArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		b.unmount(inv, args)

	default:
		_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotSupported, "unknown method %s", inv.Member()))
	}
}

// queue queues a job created by inv. The job can be canceled by the caller
// until it finishes.
func (b *Backend) queue(inv *bus.Invocation, p job.Params, reply func(j *job.Job)) {
	p.Source = replyFunc(func(j *job.Job) {
		defer finishJob(b.log, j)
		reply(j)
	})
	j := job.New(b.d.ids.Next(), p)
	b.d.jobs.Track(inv.Sender(), inv.Serial(), j)
	b.pool.Queue(j)
}

// call runs a job with no result beyond success.
func (b *Backend) call(inv *bus.Invocation, p job.Params) {
	b.queue(inv, p, func(j *job.Job) {
		if _, ei := j.Result(); ei != nil {
			_ = inv.ReturnError(ei)
			return
		}
		_ = inv.Return(nil)
	})
}

func (b *Backend) open(inv *bus.Invocation, op vfs.Op, req vfs.Request) {
	kind, closeOp := channel.KindRead, vfs.OpCloseRead
	if op == vfs.OpOpenForWrite {
		kind, closeOp = channel.KindWrite, vfs.OpCloseWrite
	}

	b.queue(inv, job.Params{Op: op, Request: req}, func(j *job.Job) {
		resp, ei := j.Result()
		if ei != nil {
			_ = inv.ReturnError(ei)
			return
		}
		opened := resp.(*vfs.OpenedResponse)

		t, f, err := wire.Socketpair(b.log)
		if err != nil {
			level.Error(b.log).Log("msg", "failed to create channel", "err", err)
			b.pool.Queue(job.New(b.d.ids.Next(), job.Params{
				Op:      closeOp,
				Handle:  j.Minted(),
				Request: &vfs.CloseRequest{},
			}))
			_ = inv.ReturnError(err)
			return
		}
		defer f.Close()

		c := channel.New(b.log, t, channel.Options{
			Kind:     kind,
			Handle:   j.Minted(),
			Backend:  b,
			IDs:      &b.d.ids,
			Metrics:  b.d.channelMetrics,
			OnClosed: b.removeChannel,
		})
		if !b.addChannel(c) {
			c.ForceClose()
			_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotMounted, "backend has been unmounted"))
			return
		}

		err = inv.Return(vfs.OpenReply{
			CanSeek:       opened.CanSeek,
			InitialOffset: opened.InitialOffset,
		}, f)
		if err != nil {
			level.Debug(b.log).Log("msg", "failed to pass channel to client", "err", err)
			c.ForceClose()
		}
	})
}

func (b *Backend) addChannel(c *channel.Channel) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return false
	}
	b.channels[c] = struct{}{}
	return true
}

func (b *Backend) removeChannel(c *channel.Channel) {
	b.mut.Lock()
	defer b.mut.Unlock()
	delete(b.channels, c)
}

func (b *Backend) openChannels() []*channel.Channel {
	b.mut.Lock()
	defer b.mut.Unlock()

	cs := make([]*channel.Channel, 0, len(b.channels))
	for c := range b.channels {
		cs = append(cs, c)
	}
	return cs
}

func (b *Backend) createMonitor(inv *bus.Invocation, path string) {
	m := monitor.New(b.log, &b.d.ids, b.spec)

	b.queue(inv, job.Params{
		Op:      vfs.OpCreateMonitor,
		Request: &vfs.CreateMonitorRequest{Path: path},
		Monitor: m,
	}, func(j *job.Job) {
		if _, ei := j.Result(); ei != nil {
			m.Close()
			_ = inv.ReturnError(ei)
			return
		}

		b.mut.Lock()
		if b.closed {
			b.mut.Unlock()
			b.dropMonitor(m)
			_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotMounted, "backend has been unmounted"))
			return
		}
		b.monitors[m] = func() {}
		b.mut.Unlock()

		b.d.srv.Export(m.ObjectPath(), m)

		// The monitor lives as long as the peer which created it.
		removeHook := inv.Conn().OnClose(func() { b.removeMonitor(m) })
		b.mut.Lock()
		if _, ok := b.monitors[m]; ok {
			b.monitors[m] = removeHook
		} else {
			removeHook()
		}
		b.mut.Unlock()

		_ = inv.Return(vfs.CreateMonitorReply{ObjectPath: m.ObjectPath()})
	})
}

// removeMonitor stops serving m. Does nothing if m was already removed.
func (b *Backend) removeMonitor(m *monitor.Monitor) {
	b.mut.Lock()
	removeHook, ok := b.monitors[m]
	delete(b.monitors, m)
	b.mut.Unlock()

	if !ok {
		return
	}
	removeHook()
	b.dropMonitor(m)
}

func (b *Backend) dropMonitor(m *monitor.Monitor) {
	b.d.srv.Unexport(m.ObjectPath())
	if mr, ok := b.handler.(monitorRemover); ok {
		mr.RemoveMonitor(m)
	}
	m.Close()
}

func (b *Backend) unmount(inv *bus.Invocation, args vfs.UnmountArgs) {
	b.mut.Lock()
	if b.unmounting || b.closed {
		b.mut.Unlock()
		_ = inv.ReturnError(vfs.Errorf(vfs.ErrorBusy, "mount is already being unmounted"))
		return
	}
	b.unmounting = true
	b.mut.Unlock()

	b.gate.Block()

	b.queue(inv, job.Params{
		Op:          vfs.OpUnmount,
		Request:     &vfs.UnmountRequest{Force: args.Force},
		MountSource: b.d.mountSource(args.SourceID, args.SourcePath),
	}, func(j *job.Job) {
		if _, ei := j.Result(); ei != nil {
			b.mut.Lock()
			b.unmounting = false
			b.mut.Unlock()

			b.gate.Unblock()
			for _, c := range b.openChannels() {
				c.Resume()
			}
			_ = inv.ReturnError(ei)
			return
		}

		// Teardown waits on jobs which need a pool worker, and this
		// callback may be running on one.
		go func() {
			b.teardown()
			b.d.removeMount(b)
			level.Info(b.log).Log("msg", "unmounted", "spec", b.key)
			_ = inv.Return(nil)
		}()
	})
}

// teardown closes every channel and monitor of b and stops its pool.
func (b *Backend) teardown() {
	b.mut.Lock()
	if b.closed {
		b.mut.Unlock()
		return
	}
	b.closed = true
	monitors := make([]*monitor.Monitor, 0, len(b.monitors))
	for m := range b.monitors {
		monitors = append(monitors, m)
	}
	b.mut.Unlock()

	channels := b.openChannels()
	for _, c := range channels {
		c.ForceClose()
	}

	timeout := time.NewTimer(channelCloseTimeout)
	defer timeout.Stop()
Wait:
	for _, c := range channels {
		select {
		case <-c.Done():
		case <-timeout.C:
			level.Warn(b.log).Log("msg", "timed out waiting for channels to close")
			break Wait
		}
	}

	for _, m := range monitors {
		if err := m.Emit(monitor.EventUnmounted, "/", ""); err != nil {
			level.Debug(b.log).Log("msg", "failed to notify monitor of unmount", "monitor", m.ObjectPath(), "err", err)
		}
		b.removeMonitor(m)
	}
	b.pool.Close()
}
