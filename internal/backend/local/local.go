// Package local implements a backend which passes requests through to a
// directory on the host. Paths are resolved relative to the mount's root;
// note that this isn't a chroot, and symbolic links can escape the root.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
	"github.com/rfratto/vfsd/internal/vfs/job"
)

// Type is the mount spec type served by this package.
const Type = "local"

// RootItem is the mount spec item naming the host directory to serve.
const RootItem = "root"

// Busy unmount choices shown to the user.
var unmountChoices = []string{"Unmount Anyway", "Cancel"}

// Backend is a job.Handler serving a host directory.
type Backend struct {
	job.UnimplementedHandler

	log log.Logger

	mut      sync.Mutex
	root     string
	open     map[*file]struct{}
	monitors []*dirMonitor
}

var (
	_ job.Handler = (*Backend)(nil)
	_ job.Trier   = (*Backend)(nil)
)

// New creates an unmounted Backend. The root directory is taken from the
// mount spec when the backend is mounted.
func New(l log.Logger) *Backend {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Backend{
		log:  l,
		open: make(map[*file]struct{}),
	}
}

// file is the handle value of an opened file.
type file struct {
	f    *os.File
	path string // Path relative to the mount root.

	// Set for write handles.
	write   bool
	created bool // The file didn't exist before it was opened.

	// Set for OpenReplace: f is a temporary file which replaces target when
	// closed.
	target string
	backup bool
}

// Mount validates the root directory named by the mount spec.
func (b *Backend) Mount(ctx context.Context, req *vfs.MountRequest, src *mountsource.Source) error {
	root := req.Spec.Get(RootItem)
	if root == "" {
		return vfs.Errorf(vfs.ErrorInvalidArgument, "mount spec is missing %q", RootItem)
	}
	root, err := homedir.Expand(root)
	if err != nil {
		return vfs.Errorf(vfs.ErrorInvalidArgument, "invalid root %q: %s", root, err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}

	fi, err := os.Stat(root)
	if err != nil {
		return err
	} else if !fi.IsDir() {
		return vfs.Errorf(vfs.ErrorNotDirectory, "%s is not a directory", root)
	}

	b.mut.Lock()
	b.root = root
	b.mut.Unlock()

	level.Info(b.log).Log("msg", "mounted local directory", "root", root)
	return nil
}

// Unmount closes every open file. If files are open and the unmount isn't
// forced, the user is asked whether to continue through src; without an
// answer the unmount fails with vfs.ErrorBusy.
func (b *Backend) Unmount(ctx context.Context, req *vfs.UnmountRequest, src *mountsource.Source) error {
	if n := b.openFiles(); n > 0 && !req.Force {
		if src == nil || src.IsDummy() {
			return vfs.Errorf(vfs.ErrorBusy, "%d files are still open", n)
		}
		msg := fmt.Sprintf("Volume is busy\n%d files are still open", n)
		reply, err := src.ShowProcesses(ctx, msg, nil, unmountChoices)
		if err != nil || reply.Aborted || reply.Choice != 0 {
			return vfs.Errorf(vfs.ErrorBusy, "%d files are still open", n)
		}
	}

	b.mut.Lock()
	files := b.open
	b.open = make(map[*file]struct{})
	b.monitors = nil
	b.mut.Unlock()

	var errs error
	for f := range files {
		if err := f.discard(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (b *Backend) openFiles() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.open)
}

// resolve returns the host path of path, which is relative to the root.
func (b *Backend) resolve(path string) (string, error) {
	b.mut.Lock()
	root := b.root
	b.mut.Unlock()

	if root == "" {
		return "", vfs.Errorf(vfs.ErrorNotMounted, "backend is not mounted")
	}
	return filepath.Join(root, filepath.FromSlash(cleanPath(path))), nil
}

// cleanPath normalizes path into an absolute slash-separated path within the
// mount.
func cleanPath(path string) string {
	return filepath.ToSlash(filepath.Clean("/" + path))
}

func (b *Backend) track(f *file) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.open[f] = struct{}{}
}

func (b *Backend) untrack(f *file) {
	b.mut.Lock()
	defer b.mut.Unlock()
	delete(b.open, f)
}

func (b *Backend) OpenForRead(ctx context.Context, req *vfs.OpenForReadRequest) (*vfs.OpenedResponse, error) {
	path, err := b.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	} else if fi.IsDir() {
		_ = f.Close()
		return nil, vfs.Errorf(vfs.ErrorIsDirectory, "can't open directory %s", req.Path)
	}

	h := &file{f: f, path: cleanPath(req.Path)}
	b.track(h)
	return &vfs.OpenedResponse{Handle: h, CanSeek: true}, nil
}

func (b *Backend) OpenForWrite(ctx context.Context, req *vfs.OpenForWriteRequest) (_ *vfs.OpenedResponse, err error) {
	path, err := b.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	h := &file{path: cleanPath(req.Path), write: true}
	switch req.Mode {
	case vfs.OpenCreate:
		h.f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		h.created = true
	case vfs.OpenAppend:
		_, statErr := os.Stat(path)
		h.created = errors.Is(statErr, os.ErrNotExist)
		h.f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	case vfs.OpenReplace:
		err = b.openReplace(h, path, req)
	default:
		return nil, vfs.Errorf(vfs.ErrorInvalidArgument, "unknown open mode %d", req.Mode)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = h.discard()
		}
	}()

	fi, err := h.f.Stat()
	if err != nil {
		return nil, err
	}

	b.track(h)
	return &vfs.OpenedResponse{
		Handle:        h,
		CanSeek:       req.Mode != vfs.OpenAppend,
		InitialOffset: initialOffset(req.Mode, fi.Size()),
	}, nil
}

func initialOffset(mode vfs.OpenMode, size int64) int64 {
	if mode == vfs.OpenAppend {
		return size
	}
	return 0
}

// openReplace writes to a temporary file next to path. The existing file is
// only touched when the handle is closed.
func (b *Backend) openReplace(h *file, path string, req *vfs.OpenForWriteRequest) error {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		h.created = true
	case err != nil:
		return err
	case fi.IsDir():
		return vfs.Errorf(vfs.ErrorIsDirectory, "can't replace directory %s", req.Path)
	case req.Etag != "" && req.Etag != etag(fi):
		return vfs.Errorf(vfs.ErrorWrongEtag, "the file was externally modified")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vfsd-replace-*")
	if err != nil {
		return err
	}
	if fi != nil {
		// Keep the permissions of the file being replaced.
		_ = tmp.Chmod(fi.Mode().Perm())
	}

	h.f = tmp
	h.target = path
	h.backup = req.MakeBackup
	return nil
}

// discard closes f without committing a pending replace.
func (f *file) discard() error {
	err := f.f.Close()
	if f.target != "" {
		_ = os.Remove(f.f.Name())
	}
	return err
}

func getFile(v handle.Value) (*file, error) {
	f, ok := v.(*file)
	if !ok || f == nil {
		return nil, vfs.Violation(vfs.ErrorFailed, "unexpected handle value %T", v)
	}
	return f, nil
}

func (b *Backend) Read(ctx context.Context, v handle.Value, req *vfs.ReadRequest) (*vfs.ReadResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, req.Size)
	n, err := f.f.Read(buf)
	if errors.Is(err, io.EOF) {
		// End of file is reported as an empty read.
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return &vfs.ReadResponse{Data: buf[:n]}, nil
}

func (b *Backend) Write(ctx context.Context, v handle.Value, req *vfs.WriteRequest) (*vfs.WriteResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := f.f.Write(req.Data)
	if err != nil {
		return nil, err
	}
	return &vfs.WriteResponse{Written: n}, nil
}

func (b *Backend) SeekOnRead(_ context.Context, v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return seek(v, req)
}

func (b *Backend) SeekOnWrite(_ context.Context, v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return seek(v, req)
}

func seek(v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}

	whence := io.SeekStart
	if req.Whence == vfs.SeekEnd {
		whence = io.SeekEnd
	}
	off, err := f.f.Seek(req.Offset, whence)
	if err != nil {
		return nil, err
	}
	return &vfs.SeekResponse{Offset: off}, nil
}

// Try serves seeks without a worker: seeking a local file never blocks for
// long.
func (b *Backend) Try(ctx context.Context, j *job.Job) bool {
	var (
		resp *vfs.SeekResponse
		err  error
	)
	switch j.Op() {
	case vfs.OpSeekOnRead, vfs.OpSeekOnWrite:
		req, _ := j.Request().(*vfs.SeekRequest)
		if req == nil {
			return false
		}
		resp, err = seek(j.Value(), req)
	default:
		return false
	}

	if err != nil {
		_ = j.Fail(err)
	} else {
		_ = j.Succeed(resp)
	}
	return true
}

func (b *Backend) CloseRead(_ context.Context, v handle.Value, _ *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}
	b.untrack(f)
	if err := f.f.Close(); err != nil {
		return nil, err
	}
	return &vfs.CloseResponse{}, nil
}

// CloseWrite flushes the file, commits a pending replace and reports the
// change to monitors.
func (b *Backend) CloseWrite(ctx context.Context, v handle.Value, _ *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}
	b.untrack(f)

	if err := f.f.Sync(); err != nil {
		_ = f.discard()
		return nil, err
	}
	if err := f.f.Close(); err != nil {
		_ = f.discard()
		return nil, err
	}

	path := f.f.Name()
	if f.target != "" {
		if err := commitReplace(f); err != nil {
			_ = os.Remove(f.f.Name())
			return nil, err
		}
		path = f.target
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	ev := monitor.EventChanged
	if f.created {
		ev = monitor.EventCreated
	}
	b.notify(ev, f.path)
	b.notify(monitor.EventChangesDoneHint, f.path)

	return &vfs.CloseResponse{Etag: etag(fi)}, nil
}

func commitReplace(f *file) error {
	if f.backup && !f.created {
		if err := os.Rename(f.target, f.target+"~"); err != nil {
			return vfs.Errorf(vfs.ErrorCantCreateBackup, "backup file creation failed: %s", err)
		}
	}
	return os.Rename(f.f.Name(), f.target)
}

func (b *Backend) QueryInfoOnRead(_ context.Context, v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return queryInfo(v, req)
}

func (b *Backend) QueryInfoOnWrite(_ context.Context, v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return queryInfo(v, req)
}

func queryInfo(v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	f, err := getFile(v)
	if err != nil {
		return nil, err
	}
	fi, err := f.f.Stat()
	if err != nil {
		return nil, err
	}

	info := infoFromStat(fi)
	if f.target != "" {
		// Report the name the file will have once it's committed.
		info[vfs.AttrStandardName] = filepath.Base(f.target)
	}
	return &vfs.InfoResponse{Info: info.Filter(vfs.NewAttributeMatcher(req.Attributes))}, nil
}

func (b *Backend) Truncate(_ context.Context, v handle.Value, req *vfs.TruncateRequest) error {
	f, err := getFile(v)
	if err != nil {
		return err
	}
	if req.Size < 0 {
		return vfs.Errorf(vfs.ErrorInvalidArgument, "negative size %d", req.Size)
	}
	return f.f.Truncate(req.Size)
}

// Pull copies a file from the mount to a path on the host, optionally
// removing the source afterwards.
func (b *Backend) Pull(ctx context.Context, req *vfs.PullRequest) error {
	src, err := b.resolve(req.Source)
	if err != nil {
		return err
	}
	if req.LocalPath == "" {
		return vfs.Errorf(vfs.ErrorInvalidArgument, "missing local path")
	}

	if req.RemoveSource {
		// A rename is enough when both live on the same filesystem.
		if err := os.Rename(src, req.LocalPath); err == nil {
			b.notify(monitor.EventDeleted, cleanPath(req.Source))
			return nil
		}
	}

	if err := copyFile(ctx, src, req.LocalPath); err != nil {
		return err
	}
	if req.RemoveSource {
		if err := os.Remove(src); err != nil {
			return err
		}
		b.notify(monitor.EventDeleted, cleanPath(req.Source))
	}
	return nil
}

func copyFile(ctx context.Context, from, to string) (err error) {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	} else if fi.IsDir() {
		return vfs.Errorf(vfs.ErrorIsDirectory, "can't pull directory %s", from)
	}

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(to)
		}
	}()

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: in})
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
