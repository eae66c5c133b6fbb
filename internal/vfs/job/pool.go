package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
)

// Options configures a Pool.
type Options struct {
	// ConcurrencyLimit is the maximum number of jobs a Pool runs at once. If
	// ConcurrencyLimit is <= 0, it will obtain its default from
	// DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a job to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Handler runs jobs.
	Handler Handler

	// Handles stores the values of opened files. A fresh arena is created if
	// nil.
	Handles *handle.Arena

	// Optional middleware to preprocess jobs with.
	Middleware []Middleware

	// Optional metrics to update.
	Metrics *Metrics
}

// DefaultOptions provides defaults for Pool.
var DefaultOptions = Options{
	ConcurrencyLimit: 8,
}

// Pool dispatches jobs to a Handler on a bounded set of workers. Queued jobs
// start in FIFO order.
type Pool struct {
	log     log.Logger
	o       Options
	handles *handle.Arena

	mw      Middleware
	handler Invoker

	mut     sync.Mutex
	cond    *sync.Cond
	queue   []*Job
	running map[*Job]struct{}
	limit   int
	workers int
	closed  bool
	wg      sync.WaitGroup
}

// NewPool creates a new Pool and starts its workers.
func NewPool(l log.Logger, o Options) (*Pool, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	handles := o.Handles
	if handles == nil {
		handles = handle.NewArena(l, 0)
	}

	p := &Pool{
		log:     l,
		o:       o,
		handles: handles,
		mw:      chainMiddleware(o.Middleware),
		handler: handlerInvoker(o.Handler),
		running: make(map[*Job]struct{}),
	}
	p.cond = sync.NewCond(&p.mut)
	p.SetConcurrencyLimit(o.ConcurrencyLimit)
	return p, nil
}

// Handles returns the arena holding the values of files opened through p.
func (p *Pool) Handles() *handle.Arena { return p.handles }

// SetConcurrencyLimit changes the number of workers. Running jobs are never
// interrupted; surplus workers exit once they finish their current job.
func (p *Pool) SetConcurrencyLimit(n int) {
	if n <= 0 {
		n = DefaultOptions.ConcurrencyLimit
	}

	p.mut.Lock()
	defer p.mut.Unlock()
	if p.closed {
		return
	}

	p.limit = n
	for p.workers < p.limit {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	p.cond.Broadcast()
}

// ConcurrencyLimit returns the current worker limit.
func (p *Pool) ConcurrencyLimit() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.limit
}

// Queue dispatches j. If the handle of j can't be resolved, j fails
// immediately. Otherwise the handler's Try is given the chance to complete j
// without blocking, and j is queued for a worker if it doesn't.
func (p *Pool) Queue(j *Job) {
	j.setSettle(p.settle)

	if j.Op() == vfs.OpError {
		var err error = vfs.Errorf(vfs.ErrorFailed, "error job without an error")
		if req, _ := j.Request().(*vfs.ErrorRequest); req != nil && req.Err != nil {
			err = req.Err
		}
		p.fail(j, err)
		return
	}

	if j.Op().UsesHandle() {
		v, err := p.handles.Get(j.Handle())
		if err != nil {
			level.Error(p.log).Log("msg", "job references invalid handle", "job", j, "handle", j.Handle(), "err", err)
			p.fail(j, err)
			return
		}
		j.setValue(v)
	}

	if t, ok := p.o.Handler.(Trier); ok && p.admit(j) && t.Try(j.Context(), j) {
		p.o.Metrics.observeTry(j.Op())
		if !j.Completed() {
			p.fail(j, vfs.Violation(vfs.ErrorFailed, "handler claimed %s without completing it", j))
		}
		return
	}

	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		p.fail(j, vfs.Errorf(vfs.ErrorCancelled, "backend is shutting down"))
		return
	}
	p.queue = append(p.queue, j)
	p.o.Metrics.addQueued(1)
	p.cond.Signal()
	p.mut.Unlock()
}

// admit returns true if no Admitter in the middleware chain rejects j. A
// rejected job is queued as usual so the chain reports the rejection.
func (p *Pool) admit(j *Job) bool {
	for _, mw := range p.o.Middleware {
		if a, ok := mw.(Admitter); ok && a.Admit(j) != nil {
			return false
		}
	}
	return true
}

// Len returns the number of queued and running jobs.
func (p *Pool) Len() (queued, running int) {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.queue), len(p.running)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mut.Lock()
		for len(p.queue) == 0 && !p.closed && p.workers <= p.limit {
			p.cond.Wait()
		}
		if p.closed || p.workers > p.limit {
			p.workers--
			p.mut.Unlock()
			return
		}

		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running[j] = struct{}{}
		p.o.Metrics.addQueued(-1)
		p.mut.Unlock()

		p.run(j)

		p.mut.Lock()
		delete(p.running, j)
		p.mut.Unlock()
	}
}

// run runs j through the middleware and handler. Jobs that were canceled
// while queued still run; the handler sees a canceled context.
func (p *Pool) run(j *Job) {
	ctx := j.Context()
	if p.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.o.RequestTimeout)
		defer cancel()
	}

	p.o.Metrics.addInFlight(1)
	start := time.Now()
	resp, err := p.mw.HandleJob(ctx, j, p.handler)
	p.o.Metrics.observeDuration(j.Op(), time.Since(start))
	p.o.Metrics.addInFlight(-1)

	if err != nil {
		p.fail(j, err)
		return
	}
	if cerr := j.Succeed(resp); cerr != nil {
		level.Error(p.log).Log("msg", "failed to complete job", "job", j, "err", cerr)
	}
}

func (p *Pool) fail(j *Job, err error) {
	if cerr := j.Fail(err); cerr != nil {
		level.Error(p.log).Log("msg", "failed to complete job", "job", j, "err", cerr)
	}
}

// settle runs when a job queued through p completes, before it is handed to
// its source. Successful opens mint a handle; closes release theirs whatever
// the outcome.
func (p *Pool) settle(j *Job) {
	defer p.o.Metrics.observeCompleted(j)

	resp, ei := j.Result()
	switch {
	case j.Op().IsOpen() && ei == nil:
		opened, _ := resp.(*vfs.OpenedResponse)
		if opened == nil {
			j.override(vfs.Violation(vfs.ErrorFailed, "%s succeeded without a response", j))
			return
		}
		id, err := p.handles.Add(opened.Handle)
		if err != nil {
			j.override(vfs.ToErrorInfo(err))
			return
		}
		j.setMinted(id)

	case j.Op().IsClose() && j.isResolved():
		if err := p.handles.Release(j.Handle()); err != nil {
			level.Error(p.log).Log("msg", "failed to release handle", "handle", j.Handle(), "err", err)
		}
	}
}

// Close stops the pool. Queued jobs fail with vfs.ErrorCancelled and running
// jobs are canceled. Close does not wait for running jobs; call Wait for
// that. Close may be called from a running job.
func (p *Pool) Close() {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	running := make([]*Job, 0, len(p.running))
	for j := range p.running {
		running = append(running, j)
	}
	p.cond.Broadcast()
	p.mut.Unlock()

	p.o.Metrics.addQueued(-float64(len(queued)))
	for _, j := range queued {
		p.fail(j, vfs.Errorf(vfs.ErrorCancelled, "backend is shutting down"))
	}
	for _, j := range running {
		j.Cancel()
	}
}

// Wait blocks until every worker has exited after Close.
func (p *Pool) Wait() {
	p.wg.Wait()
}
