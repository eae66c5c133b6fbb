package job

import (
	"context"
	"sync"

	"github.com/rfratto/vfsd/internal/vfs"
)

// Gate tracks the mount state of a backend and rejects jobs that arrive at
// the wrong time: nothing but a mount runs before the backend is mounted, and
// only close jobs run once it has been unmounted. The zero value is ready for
// use.
//
// Blocking is independent of the mount state. Channels consult Blocked to
// refuse new requests while an unmount is in progress.
type Gate struct {
	mut       sync.RWMutex
	mounted   bool
	unmounted bool
	blocked   bool
}

// Mounted returns true if the backend mounted successfully and hasn't been
// unmounted since.
func (g *Gate) Mounted() bool {
	g.mut.RLock()
	defer g.mut.RUnlock()
	return g.mounted && !g.unmounted
}

// Block stops new requests from being accepted.
func (g *Gate) Block() {
	g.mut.Lock()
	defer g.mut.Unlock()
	g.blocked = true
}

// Unblock reverses Block, used when an unmount fails.
func (g *Gate) Unblock() {
	g.mut.Lock()
	defer g.mut.Unlock()
	g.blocked = false
}

// Blocked returns true while requests are being refused.
func (g *Gate) Blocked() bool {
	g.mut.RLock()
	defer g.mut.RUnlock()
	return g.blocked
}

// Admit implements Admitter. It rejects j if the backend is in the wrong
// mount state to run it.
func (g *Gate) Admit(j *Job) error {
	g.mut.RLock()
	mounted, unmounted := g.mounted, g.unmounted
	g.mut.RUnlock()

	switch {
	case unmounted && !j.Op().IsClose():
		return vfs.Errorf(vfs.ErrorNotMounted, "backend has been unmounted")
	case !mounted && j.Op() == vfs.OpMount:
		// Allowed; the only job a fresh backend accepts.
	case !mounted:
		return vfs.Errorf(vfs.ErrorNotMounted, "backend is not mounted")
	case j.Op() == vfs.OpMount:
		return vfs.Errorf(vfs.ErrorAlreadyMounted, "backend is already mounted")
	}
	return nil
}

// HandleJob implements Middleware.
func (g *Gate) HandleJob(ctx context.Context, j *Job, invoker Invoker) (vfs.Response, error) {
	if err := g.Admit(j); err != nil {
		return nil, err
	}

	resp, err := invoker(ctx, j)
	if err != nil {
		return resp, err
	}

	switch j.Op() {
	case vfs.OpMount:
		g.mut.Lock()
		g.mounted = true
		g.mut.Unlock()
	case vfs.OpUnmount:
		g.mut.Lock()
		g.unmounted = true
		g.mut.Unlock()
	}
	return resp, nil
}
