package job

import (
	"context"

	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
)

// Handler is a backend. The Pool invokes one method per job; every method
// either returns a response or an error, which becomes the job's result.
//
// Methods operating on an opened file receive the value the backend returned
// as OpenedResponse.Handle when the file was opened.
type Handler interface {
	Mount(ctx context.Context, req *vfs.MountRequest, src *mountsource.Source) error
	Unmount(ctx context.Context, req *vfs.UnmountRequest, src *mountsource.Source) error

	OpenForRead(ctx context.Context, req *vfs.OpenForReadRequest) (*vfs.OpenedResponse, error)
	OpenForWrite(ctx context.Context, req *vfs.OpenForWriteRequest) (*vfs.OpenedResponse, error)

	Read(ctx context.Context, h handle.Value, req *vfs.ReadRequest) (*vfs.ReadResponse, error)
	Write(ctx context.Context, h handle.Value, req *vfs.WriteRequest) (*vfs.WriteResponse, error)
	SeekOnRead(ctx context.Context, h handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error)
	SeekOnWrite(ctx context.Context, h handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error)
	CloseRead(ctx context.Context, h handle.Value, req *vfs.CloseRequest) (*vfs.CloseResponse, error)
	CloseWrite(ctx context.Context, h handle.Value, req *vfs.CloseRequest) (*vfs.CloseResponse, error)
	QueryInfoOnRead(ctx context.Context, h handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error)
	QueryInfoOnWrite(ctx context.Context, h handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error)
	Truncate(ctx context.Context, h handle.Value, req *vfs.TruncateRequest) error

	Pull(ctx context.Context, req *vfs.PullRequest) error
	StopMountable(ctx context.Context, req *vfs.StopMountableRequest, src *mountsource.Source) error
	CreateMonitor(ctx context.Context, req *vfs.CreateMonitorRequest, m *monitor.Monitor) error
}

// Trier is implemented by Handlers which can complete some jobs without
// blocking. Try is called on the dispatching goroutine before a job is
// queued. If Try returns true, it must have completed the job with Succeed or
// Fail.
type Trier interface {
	Try(ctx context.Context, j *Job) bool
}

// UnimplementedHandler implements Handler, failing every operation with
// vfs.ErrorNotSupported. Embed it to implement a subset of operations.
type UnimplementedHandler struct{}

var _ Handler = UnimplementedHandler{}

func notSupported(op vfs.Op) error {
	return vfs.Errorf(vfs.ErrorNotSupported, "operation %s not supported", op)
}

func (UnimplementedHandler) Mount(context.Context, *vfs.MountRequest, *mountsource.Source) error {
	return notSupported(vfs.OpMount)
}

func (UnimplementedHandler) Unmount(context.Context, *vfs.UnmountRequest, *mountsource.Source) error {
	return notSupported(vfs.OpUnmount)
}

func (UnimplementedHandler) OpenForRead(context.Context, *vfs.OpenForReadRequest) (*vfs.OpenedResponse, error) {
	return nil, notSupported(vfs.OpOpenForRead)
}

func (UnimplementedHandler) OpenForWrite(context.Context, *vfs.OpenForWriteRequest) (*vfs.OpenedResponse, error) {
	return nil, notSupported(vfs.OpOpenForWrite)
}

func (UnimplementedHandler) Read(context.Context, handle.Value, *vfs.ReadRequest) (*vfs.ReadResponse, error) {
	return nil, notSupported(vfs.OpRead)
}

func (UnimplementedHandler) Write(context.Context, handle.Value, *vfs.WriteRequest) (*vfs.WriteResponse, error) {
	return nil, notSupported(vfs.OpWrite)
}

func (UnimplementedHandler) SeekOnRead(context.Context, handle.Value, *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return nil, notSupported(vfs.OpSeekOnRead)
}

func (UnimplementedHandler) SeekOnWrite(context.Context, handle.Value, *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return nil, notSupported(vfs.OpSeekOnWrite)
}

func (UnimplementedHandler) CloseRead(context.Context, handle.Value, *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	return nil, notSupported(vfs.OpCloseRead)
}

func (UnimplementedHandler) CloseWrite(context.Context, handle.Value, *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	return nil, notSupported(vfs.OpCloseWrite)
}

func (UnimplementedHandler) QueryInfoOnRead(context.Context, handle.Value, *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return nil, notSupported(vfs.OpQueryInfoOnRead)
}

func (UnimplementedHandler) QueryInfoOnWrite(context.Context, handle.Value, *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return nil, notSupported(vfs.OpQueryInfoOnWrite)
}

func (UnimplementedHandler) Truncate(context.Context, handle.Value, *vfs.TruncateRequest) error {
	return notSupported(vfs.OpTruncate)
}

func (UnimplementedHandler) Pull(context.Context, *vfs.PullRequest) error {
	return notSupported(vfs.OpPull)
}

func (UnimplementedHandler) StopMountable(context.Context, *vfs.StopMountableRequest, *mountsource.Source) error {
	return notSupported(vfs.OpStopMountable)
}

func (UnimplementedHandler) CreateMonitor(context.Context, *vfs.CreateMonitorRequest, *monitor.Monitor) error {
	return notSupported(vfs.OpCreateMonitor)
}
