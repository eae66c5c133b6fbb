package job

import (
	"context"
	"fmt"

	"github.com/rfratto/vfsd/internal/vfs"
)

// Middleware hooks into jobs run by a Pool.
type Middleware interface {
	// HandleJob handles an individual job.
	HandleJob(ctx context.Context, j *Job, invoker Invoker) (vfs.Response, error)
}

// Admitter is implemented by Middleware that can reject jobs up front. Pools
// consult every Admitter before offering a job to the handler's Try, which
// bypasses the middleware chain.
type Admitter interface {
	Admit(j *Job) error
}

// Invoker is called by Middleware to complete jobs.
type Invoker func(ctx context.Context, j *Job) (vfs.Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, j *Job, i Invoker) (vfs.Response, error)

func (f FuncMiddleware) HandleJob(ctx context.Context, j *Job, i Invoker) (vfs.Response, error) {
	return f(ctx, j, i)
}

func missingRequest(op vfs.Op) error {
	return fmt.Errorf("missing request body for %s: %w", op, vfs.ErrorInvalidArgument)
}

// handlerInvoker converts h into an Invoker.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, j *Job) (resp vfs.Response, err error) {
		switch j.Op() {
		case vfs.OpMount:
			req, _ := j.Request().(*vfs.MountRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.Mount(ctx, req, j.MountSource())

		case vfs.OpUnmount:
			req, _ := j.Request().(*vfs.UnmountRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.Unmount(ctx, req, j.MountSource())

		case vfs.OpOpenForRead:
			req, _ := j.Request().(*vfs.OpenForReadRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.OpenForRead(ctx, req))

		case vfs.OpOpenForWrite:
			req, _ := j.Request().(*vfs.OpenForWriteRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.OpenForWrite(ctx, req))

		case vfs.OpRead:
			req, _ := j.Request().(*vfs.ReadRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.Read(ctx, j.Value(), req))

		case vfs.OpWrite:
			req, _ := j.Request().(*vfs.WriteRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.Write(ctx, j.Value(), req))

		case vfs.OpSeekOnRead:
			req, _ := j.Request().(*vfs.SeekRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.SeekOnRead(ctx, j.Value(), req))

		case vfs.OpSeekOnWrite:
			req, _ := j.Request().(*vfs.SeekRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.SeekOnWrite(ctx, j.Value(), req))

		case vfs.OpCloseRead:
			req, _ := j.Request().(*vfs.CloseRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.CloseRead(ctx, j.Value(), req))

		case vfs.OpCloseWrite:
			req, _ := j.Request().(*vfs.CloseRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.CloseWrite(ctx, j.Value(), req))

		case vfs.OpQueryInfoOnRead:
			req, _ := j.Request().(*vfs.QueryInfoRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.QueryInfoOnRead(ctx, j.Value(), req))

		case vfs.OpQueryInfoOnWrite:
			req, _ := j.Request().(*vfs.QueryInfoRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			resp, err = nonNil(h.QueryInfoOnWrite(ctx, j.Value(), req))

		case vfs.OpTruncate:
			req, _ := j.Request().(*vfs.TruncateRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.Truncate(ctx, j.Value(), req)

		case vfs.OpPull:
			req, _ := j.Request().(*vfs.PullRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.Pull(ctx, req)

		case vfs.OpStopMountable:
			req, _ := j.Request().(*vfs.StopMountableRequest)
			if req == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.StopMountable(ctx, req, j.MountSource())

		case vfs.OpCreateMonitor:
			req, _ := j.Request().(*vfs.CreateMonitorRequest)
			if req == nil || j.Monitor() == nil {
				err = missingRequest(j.Op())
				break
			}
			err = h.CreateMonitor(ctx, req, j.Monitor())
			if err == nil {
				resp = &vfs.CreateMonitorResponse{ObjectPath: j.Monitor().ObjectPath()}
			}

		case vfs.OpError:
			// Error jobs never reach a worker, but fail correctly if they do.
			req, _ := j.Request().(*vfs.ErrorRequest)
			if req == nil || req.Err == nil {
				err = missingRequest(j.Op())
				break
			}
			err = req.Err

		default:
			err = fmt.Errorf("unexpected operation %q: %w", j.Op(), vfs.ErrorNotSupported)
		}

		return resp, err
	}
}

// nonNil converts typed nil responses into untyped nils so callers can
// compare a Response against nil.
func nonNil(resp vfs.Response, err error) (vfs.Response, error) {
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *vfs.OpenedResponse:
		if r == nil {
			return nil, nil
		}
	case *vfs.ReadResponse:
		if r == nil {
			return nil, nil
		}
	case *vfs.WriteResponse:
		if r == nil {
			return nil, nil
		}
	case *vfs.SeekResponse:
		if r == nil {
			return nil, nil
		}
	case *vfs.CloseResponse:
		if r == nil {
			return nil, nil
		}
	case *vfs.InfoResponse:
		if r == nil {
			return nil, nil
		}
	}
	return resp, nil
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleJob(ctx context.Context, j *Job, invoker Invoker) (vfs.Response, error) {
	if len(c) == 0 {
		return invoker(ctx, j)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, j *Job) (vfs.Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleJob(ctx, j, next)
	}
	return chainInvoker(ctx, j)
}
