// Package vfsd implements the vfsd daemon. vfsd mounts backends on behalf of
// bus clients, exports each mount as a bus object and serves opened files
// over per-file channels.
package vfsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/vfsd/internal/backend/local"
	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/channel"
	"github.com/rfratto/vfsd/internal/vfs/job"
)

// Factory creates an unmounted backend. The backend receives its mount spec
// with the mount job.
type Factory func(l log.Logger) job.Handler

// BackendSettings tunes the backends of one mount spec type.
type BackendSettings struct {
	// MaxThreads limits how many jobs of a single mount run at once. 0 uses
	// Options.MaxThreads.
	MaxThreads int `yaml:"max_threads"`
	// RequestTimeout aborts jobs running longer than it. 0 disables the
	// timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultOptions is the set of defaults for vfsd.
var DefaultOptions = Options{
	ListenAddr: "unix://~/.vfsd/bus.sock",
	MaxThreads: job.DefaultOptions.ConcurrencyLimit,
	Backends: map[string]Factory{
		local.Type: func(l log.Logger) job.Handler { return local.New(l) },
	},
}

// Options configures a Daemon.
type Options struct {
	ListenAddr string // Address to listen for bus connections on.
	MaxThreads int    // Default concurrency limit of a mount.

	// Backends maps mount spec types to backend factories.
	Backends map[string]Factory
	// Settings overrides per mount spec type.
	Settings map[string]BackendSettings
	// Mounts are established when the daemon starts.
	Mounts []vfs.MountSpec

	// Registerer to register metrics with. Metrics are not registered if
	// nil.
	Registerer prometheus.Registerer
}

// Daemon is the vfsd daemon.
type Daemon struct {
	log  log.Logger
	o    Options
	lis  net.Listener
	srv  *bus.Server
	ids  vfs.IDGenerator
	jobs *jobTracker

	jobMetrics     *job.Metrics
	channelMetrics *channel.Metrics

	mut       sync.Mutex
	mounts    map[string]*Backend // By mount spec key.
	mounting  map[string]struct{}
	nextMount int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Daemon and opens its listener.
func New(l log.Logger, o Options) (d *Daemon, err error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.MaxThreads <= 0 {
		o.MaxThreads = DefaultOptions.MaxThreads
	}
	if o.Backends == nil {
		o.Backends = DefaultOptions.Backends
	}

	lis, err := listen(o.ListenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			cancel()
			_ = lis.Close()
		}
	}()

	d = &Daemon{
		log:  l,
		o:    o,
		lis:  lis,
		jobs: newJobTracker(),

		jobMetrics:     job.NewMetrics(o.Registerer),
		channelMetrics: channel.NewMetrics(o.Registerer),

		mounts:   make(map[string]*Backend),
		mounting: make(map[string]struct{}),

		ctx:    ctx,
		cancel: cancel,
	}
	d.srv = bus.NewServer(l, bus.ServerOptions{
		OnDisconnect: d.peerDisconnected,
	})
	d.srv.Export(vfs.DaemonPath, bus.HandlerFunc(d.serveDaemon))
	return d, nil
}

func listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse listen addr %q as url: %w", addr, err)
	}
	if u.Scheme != "unix" {
		return nil, fmt.Errorf("unsupported listen addr scheme %q: the bus requires a unix socket", u.Scheme)
	}

	address, err := homedir.Expand(u.Host + u.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid listen addr: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(address), 0700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	// Remove a socket left behind by a previous run.
	if fi, err := os.Lstat(address); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(address)
	}

	lis, err := net.Listen(u.Scheme, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", u.Scheme, address, err)
	}
	return lis, nil
}

// Addr returns the address the daemon listens on.
func (d *Daemon) Addr() net.Addr { return d.lis.Addr() }

// Start mounts the startup mounts and serves the bus until Stop is called.
func (d *Daemon) Start() error {
	level.Info(d.log).Log("msg", "starting vfsd", "listen_addr", d.lis.Addr().String())

	for _, spec := range d.o.Mounts {
		path, err := d.mountSync(d.ctx, spec)
		if err != nil {
			level.Warn(d.log).Log("msg", "failed to establish startup mount", "spec", spec, "err", err)
			continue
		}
		level.Info(d.log).Log("msg", "established startup mount", "spec", spec, "path", path)
	}

	return d.srv.Serve(d.lis)
}

// Stop closes every connection and tears down every mount.
func (d *Daemon) Stop() error {
	d.cancel()

	var errs *multierror.Error
	if err := d.srv.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	// Start may not have handed the listener to the server yet.
	if err := d.lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, err)
	}

	d.mut.Lock()
	backends := make([]*Backend, 0, len(d.mounts))
	for _, b := range d.mounts {
		backends = append(backends, b)
	}
	d.mut.Unlock()

	for _, b := range backends {
		b.teardown()
		b.pool.Wait()
	}
	return errs.ErrorOrNil()
}

func (d *Daemon) serveDaemon(inv *bus.Invocation) {
	switch inv.Member() {
	case vfs.MethodMount:
		var args vfs.MountArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		d.mount(args.Spec, d.mountSource(args.SourceID, args.SourcePath), func(path string, err error) {
			if err != nil {
				_ = inv.ReturnError(err)
				return
			}
			_ = inv.Return(vfs.MountReply{ObjectPath: path})
		}, inv)

	case vfs.MethodCancel:
		var args bus.CancelArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		if !d.jobs.Cancel(inv.Sender(), args.Serial) {
			level.Debug(d.log).Log("msg", "no job to cancel", "peer", inv.Sender(), "serial", args.Serial)
		}
		_ = inv.Return(nil)

	case vfs.MethodListMounts:
		_ = inv.Return(vfs.ListMountsReply{Mounts: d.listMounts()})

	default:
		_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotSupported, "unknown method %s", inv.Member()))
	}
}

// mountSource returns the mount source for a client's mount operation. An
// empty id yields a dummy source.
func (d *Daemon) mountSource(id, path string) *mountsource.Source {
	if id == "" {
		return mountsource.NewDummy()
	}
	return mountsource.New(peers{d.srv}, id, path)
}

// mount creates a backend for spec and runs its mount job. done is called
// with the object path of the new mount. If inv is non-nil, the mount job
// can be canceled by its caller.
func (d *Daemon) mount(spec vfs.MountSpec, src *mountsource.Source, done func(path string, err error), inv *bus.Invocation) {
	key := spec.String()

	factory, ok := d.o.Backends[spec.Type]
	if !ok {
		done("", vfs.Errorf(vfs.ErrorNotSupported, "unknown mount type %q", spec.Type))
		return
	}

	d.mut.Lock()
	if _, exists := d.mounts[key]; exists {
		d.mut.Unlock()
		done("", vfs.Errorf(vfs.ErrorAlreadyMounted, "%s is already mounted", key))
		return
	}
	if _, exists := d.mounting[key]; exists {
		d.mut.Unlock()
		done("", vfs.Errorf(vfs.ErrorPending, "%s is being mounted", key))
		return
	}
	d.mounting[key] = struct{}{}
	d.nextMount++
	n := d.nextMount
	d.mut.Unlock()

	finish := func(path string, err error) {
		d.mut.Lock()
		delete(d.mounting, key)
		d.mut.Unlock()
		done(path, err)
	}

	b, err := newBackend(d, n, spec, factory)
	if err != nil {
		finish("", err)
		return
	}

	j := job.New(d.ids.Next(), job.Params{
		Op:          vfs.OpMount,
		Request:     &vfs.MountRequest{Spec: spec},
		MountSource: src,
		Source: replyFunc(func(j *job.Job) {
			defer finishJob(d.log, j)

			if _, ei := j.Result(); ei != nil {
				b.pool.Close()
				finish("", ei)
				return
			}

			d.mut.Lock()
			d.mounts[key] = b
			d.mut.Unlock()
			d.srv.Export(b.path, b)

			level.Info(d.log).Log("msg", "mounted", "spec", key, "path", b.path)
			finish(b.path, nil)
		}),
	})
	if inv != nil {
		d.jobs.Track(inv.Sender(), inv.Serial(), j)
	}
	b.pool.Queue(j)
}

// mountSync mounts spec with a dummy mount source and waits for the result.
func (d *Daemon) mountSync(ctx context.Context, spec vfs.MountSpec) (string, error) {
	type result struct {
		path string
		err  error
	}
	ch := make(chan result, 1)
	d.mount(spec, mountsource.NewDummy(), func(path string, err error) {
		ch <- result{path, err}
	}, nil)

	select {
	case r := <-ch:
		return r.path, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// removeMount forgets b after it was unmounted.
func (d *Daemon) removeMount(b *Backend) {
	d.srv.Unexport(b.path)

	d.mut.Lock()
	defer d.mut.Unlock()
	if d.mounts[b.key] == b {
		delete(d.mounts, b.key)
	}
}

func (d *Daemon) listMounts() []vfs.MountInfo {
	d.mut.Lock()
	defer d.mut.Unlock()

	infos := make([]vfs.MountInfo, 0, len(d.mounts))
	for _, b := range d.mounts {
		infos = append(infos, vfs.MountInfo{Spec: b.spec, ObjectPath: b.path})
	}
	return infos
}

func (d *Daemon) peerDisconnected(c *bus.Conn) {
	if n := d.jobs.CancelPeer(c.ID()); n > 0 {
		level.Debug(d.log).Log("msg", "canceled jobs of disconnected peer", "peer", c.ID(), "jobs", n)
	}
}

func mountPath(n int) string {
	return vfs.MountPathPrefix + strconv.Itoa(n)
}

// peers adapts a bus.Server to mountsource.Peers.
type peers struct{ srv *bus.Server }

func (p peers) Peer(id string) (mountsource.Caller, bool) {
	c, ok := p.srv.Peer(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// replyFunc implements job.Source.
type replyFunc func(j *job.Job)

func (f replyFunc) Reply(j *job.Job) { f(j) }

func finishJob(l log.Logger, j *job.Job) {
	if err := j.Finish(); err != nil {
		level.Error(l).Log("msg", "failed to finish job", "job", j, "err", err)
	}
}
