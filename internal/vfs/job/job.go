// Package job implements the unit of work processed by a backend. A Job is
// created by a channel or a bus invocation (its Source), dispatched to a
// backend's Pool, completed exactly once and handed back to its Source for
// the reply.
package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
)

// Source is whoever created a job and is waiting for its result. Reply is
// called once the job completes; the source must call Finish on the job once
// the reply has been delivered.
type Source interface {
	Reply(j *Job)
}

// Params are used to create a Job.
type Params struct {
	Op      vfs.Op
	Seq     uint32    // Sequence number of the client command, 0 if none.
	Handle  handle.ID // For operations on an opened file.
	Request vfs.Request

	// Source receives the completed job. If nil, completed jobs finish
	// immediately.
	Source Source

	// Context is the parent of the job's cancellation context. Defaults to
	// context.Background.
	Context context.Context

	MountSource *mountsource.Source
	Monitor     *monitor.Monitor
}

// Job is a single operation against a backend.
type Job struct {
	id      uint64
	op      vfs.Op
	seq     uint32
	handle  handle.ID
	req     vfs.Request
	src     Source
	msource *mountsource.Source
	mon     *monitor.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mut        sync.Mutex
	value      handle.Value
	resolved   bool
	completed  bool
	failed     bool
	cancelled  bool
	finished   bool
	resp       vfs.Response
	err        *vfs.ErrorInfo
	minted     handle.ID
	onFinished []func(*Job)
	settle     func(*Job)
}

// New creates a new job.
func New(id uint64, p Params) *Job {
	parent := p.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Job{
		id:      id,
		op:      p.Op,
		seq:     p.Seq,
		handle:  p.Handle,
		req:     p.Request,
		src:     p.Source,
		msource: p.MountSource,
		mon:     p.Monitor,

		ctx:    ctx,
		cancel: cancel,
	}
}

// NewError creates a job which fails with err as soon as it is queued. It is
// used to answer requests rejected before reaching a backend.
func NewError(id uint64, seq uint32, src Source, err error) *Job {
	return New(id, Params{
		Op:      vfs.OpError,
		Seq:     seq,
		Request: &vfs.ErrorRequest{Err: vfs.ToErrorInfo(err)},
		Source:  src,
	})
}

func (j *Job) ID() uint64 { return j.id }
func (j *Job) Op() vfs.Op { return j.op }
func (j *Job) Seq() uint32 { return j.seq }
func (j *Job) Handle() handle.ID { return j.handle }
func (j *Job) Request() vfs.Request { return j.req }
func (j *Job) Context() context.Context { return j.ctx }
func (j *Job) MountSource() *mountsource.Source { return j.msource }
func (j *Job) Monitor() *monitor.Monitor { return j.mon }
func (j *Job) String() string { return fmt.Sprintf("%s#%d", j.op, j.id) }

func (j *Job) setSettle(f func(*Job)) {
	j.mut.Lock()
	defer j.mut.Unlock()
	j.settle = f
}

// Value returns the backend value of the job's handle. It is only set for
// operations that use a handle, once the job has been queued.
func (j *Job) Value() handle.Value {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.value
}

func (j *Job) setValue(v handle.Value) {
	j.mut.Lock()
	defer j.mut.Unlock()
	j.value = v
	j.resolved = true
}

func (j *Job) isResolved() bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.resolved
}

// Minted returns the handle created for a successful open job.
func (j *Job) Minted() handle.ID {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.minted
}

func (j *Job) setMinted(id handle.ID) {
	j.mut.Lock()
	defer j.mut.Unlock()
	j.minted = id
}

// Succeed completes the job with resp.
func (j *Job) Succeed(resp vfs.Response) error {
	return j.complete(resp, nil)
}

// Fail completes the job with err, which is converted with vfs.ToErrorInfo.
func (j *Job) Fail(err error) error {
	if err == nil {
		err = vfs.Errorf(vfs.ErrorFailed, "%s failed without an error", j.op)
	}
	return j.complete(nil, vfs.ToErrorInfo(err))
}

func (j *Job) complete(resp vfs.Response, ei *vfs.ErrorInfo) error {
	j.mut.Lock()
	if j.completed {
		j.mut.Unlock()
		return vfs.Violation(vfs.ErrorFailed, "job %s completed twice", j)
	}
	j.completed = true
	j.resp = resp
	j.err = ei
	j.failed = ei != nil
	settle := j.settle
	j.mut.Unlock()

	if settle != nil {
		settle(j)
	}

	if j.src == nil {
		return j.Finish()
	}
	j.src.Reply(j)
	return nil
}

// override turns a completed job into a failed one. Only used while settling.
func (j *Job) override(ei *vfs.ErrorInfo) {
	j.mut.Lock()
	defer j.mut.Unlock()
	j.resp = nil
	j.err = ei
	j.failed = true
}

// Result returns the outcome of a completed job.
func (j *Job) Result() (vfs.Response, *vfs.ErrorInfo) {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.resp, j.err
}

// Cancel requests cancellation of the job. Cancellation is cooperative: the
// job context is canceled and the backend is expected to give up early.
// Cancel is a no-op for jobs that are already canceled or finished.
func (j *Job) Cancel() {
	j.mut.Lock()
	if j.cancelled || j.finished {
		j.mut.Unlock()
		return
	}
	j.cancelled = true
	j.mut.Unlock()

	j.cancel()
}

func (j *Job) Cancelled() bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.cancelled
}

func (j *Job) Failed() bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.failed
}

func (j *Job) Completed() bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.completed
}

func (j *Job) Finished() bool {
	j.mut.Lock()
	defer j.mut.Unlock()
	return j.finished
}

// OnFinished registers f to be called once the job finishes. f is called
// immediately if the job has already finished.
func (j *Job) OnFinished(f func(*Job)) {
	j.mut.Lock()
	if j.finished {
		j.mut.Unlock()
		f(j)
		return
	}
	j.onFinished = append(j.onFinished, f)
	j.mut.Unlock()
}

// Finish marks the job as done after its reply was delivered and runs the
// finished callbacks.
func (j *Job) Finish() error {
	j.mut.Lock()
	if j.finished {
		j.mut.Unlock()
		return vfs.Violation(vfs.ErrorFailed, "job %s finished twice", j)
	}
	j.finished = true
	cbs := j.onFinished
	j.onFinished = nil
	j.mut.Unlock()

	j.cancel()
	for _, cb := range cbs {
		cb(j)
	}
	return nil
}
