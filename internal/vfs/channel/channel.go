// Package channel serves the per-file stream between a client and a backend.
// Commands arrive on a wire.Transport, become jobs against the channel's
// backend handle and are answered in order, one job at a time. Read channels
// additionally read ahead of the client.
package channel

import (
	"context"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
	"github.com/rfratto/vfsd/internal/vfs/job"
	"github.com/rfratto/vfsd/internal/vfs/wire"
)

// Kind is the direction of a channel.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Read sizing.
const (
	minReadSize = 16 * 1024
	maxReadSize = 512 * 1024

	// readaheadRequest is the size readahead jobs ask for before scaling.
	readaheadRequest = 8192

	// maxReadaheadFailures consecutive failed readaheads suspend readahead
	// until the next seek.
	maxReadaheadFailures = 3
)

// readSize returns the number of bytes to ask the backend for on the count'th
// read since the last seek.
func readSize(count, requested int) int {
	var size int
	switch {
	case count <= 1:
		size = minReadSize
	case count == 2:
		size = 2 * minReadSize
	default:
		size = 4 * minReadSize
	}
	if requested > size {
		size = requested
	}
	if size > maxReadSize {
		size = maxReadSize
	}
	return size
}

// Backend runs the jobs of a channel.
type Backend interface {
	// Queue dispatches j. The result is delivered through the job's source.
	Queue(j *job.Job)
	// Blocked returns true while the backend refuses new requests because
	// it is unmounting.
	Blocked() bool
}

// Options configures a Channel.
type Options struct {
	Kind    Kind
	Handle  handle.ID
	Backend Backend

	// IDs allocates job IDs. A private generator is used if nil.
	IDs *vfs.IDGenerator

	// Optional metrics to update.
	Metrics *Metrics

	// OnClosed is called once the channel has shut down.
	OnClosed func(c *Channel)
}

type request struct {
	hdr       wire.CommandHeader
	payload   []byte
	cancelled bool
}

type reply struct {
	job     *job.Job
	hdr     wire.ReplyHeader
	payload []byte
	data    bool // DATA frame; arg2 is stamped with the seek generation when sent.
	skip    bool // Nothing to send, only advance the channel.
}

// Channel is the daemon side of an open file stream.
type Channel struct {
	log log.Logger
	o   Options
	t   *wire.Transport

	mut              sync.Mutex
	current          *job.Job
	currentSeq       uint32
	readahead        *job.Job // Readahead job in flight, if any.
	queue            []*request
	connectionClosed bool
	closing          bool // A close job has been issued.
	closed           bool
	forced           bool // ForceClose was called; close even while blocked.

	seekGeneration    uint32
	readCount         int
	readaheadFailures int

	replies      chan reply
	done         chan struct{}
	shutdownOnce sync.Once
}

// New creates a channel serving t and starts its reader and writer
// goroutines. The channel takes ownership of t.
func New(l log.Logger, t *wire.Transport, o Options) *Channel {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.IDs == nil {
		o.IDs = &vfs.IDGenerator{}
	}

	c := &Channel{
		log: log.With(l, "channel", o.Kind, "handle", o.Handle),
		o:   o,
		t:   t,

		// Only one job runs at a time, so at most one reply is ever in
		// flight.
		replies: make(chan reply, 1),
		done:    make(chan struct{}),
	}
	o.Metrics.channelOpened()

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Kind returns the direction of the channel.
func (c *Channel) Kind() Kind { return c.o.Kind }

// Handle returns the backend handle the channel operates on.
func (c *Channel) Handle() handle.ID { return c.o.Handle }

// Done returns a channel that closes once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// SeekGeneration returns the number of seeks processed so far.
func (c *Channel) SeekGeneration() uint32 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.seekGeneration
}

func (c *Channel) readLoop() {
	for {
		hdr, payload, err := c.t.RecvCommand()
		if err != nil {
			c.connectionLost(err)
			return
		}
		c.gotCommand(hdr, payload)
	}
}

func (c *Channel) gotCommand(hdr wire.CommandHeader, payload []byte) {
	c.mut.Lock()
	if c.closed || c.closing {
		c.mut.Unlock()
		level.Debug(c.log).Log("msg", "ignoring command on closing channel", "cmd", hdr.Type, "seq", hdr.Seq)
		return
	}

	if hdr.Type == wire.CommandCancel {
		cancel := c.cancelLocked(hdr.Arg1)
		c.mut.Unlock()
		if cancel != nil {
			cancel.Cancel()
		}
		return
	}

	c.queue = append(c.queue, &request{hdr: hdr, payload: payload})
	next := c.startQueuedLocked()
	c.mut.Unlock()

	if next != nil {
		c.o.Backend.Queue(next)
	}
}

// cancelLocked handles a CANCEL command. It returns the current job if it
// must be canceled; queued requests are only marked.
func (c *Channel) cancelLocked(seq uint32) *job.Job {
	if c.current != nil && c.currentSeq == seq {
		return c.current
	}
	for _, r := range c.queue {
		if r.hdr.Seq == seq || r.hdr.Seq == 0 {
			r.cancelled = true
			break
		}
	}
	return nil
}

// startQueuedLocked pops the next queued request and makes it the current
// job. Returns nil if a job is already running or nothing is queued.
func (c *Channel) startQueuedLocked() *job.Job {
	if c.current != nil || c.closing || len(c.queue) == 0 {
		return nil
	}

	r := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	j, err := c.handleRequest(r.hdr, r.payload)
	switch {
	case err != nil:
		j = job.NewError(c.o.IDs.Next(), r.hdr.Seq, c, err)
	case r.cancelled:
		j = job.NewError(c.o.IDs.Next(), r.hdr.Seq, c, vfs.Errorf(vfs.ErrorCancelled, "Operation was cancelled"))
	case c.o.Backend.Blocked():
		j = job.NewError(c.o.IDs.Next(), r.hdr.Seq, c, vfs.Errorf(vfs.ErrorClosed, "Channel blocked"))
	}

	if j.Op().IsClose() {
		c.closing = true
	}
	c.current = j
	c.currentSeq = r.hdr.Seq
	return j
}

// handleRequest validates a command and builds the job implementing it. It
// must be called with mut held, in command order: seeks update the read
// state here, even for requests that were canceled while queued.
func (c *Channel) handleRequest(hdr wire.CommandHeader, payload []byte) (*job.Job, error) {
	var (
		op  vfs.Op
		req vfs.Request
	)

	switch hdr.Type {
	case wire.CommandRead:
		if c.o.Kind != KindRead {
			return nil, c.unsupported(hdr.Type)
		}
		c.readCount++
		op, req = vfs.OpRead, &vfs.ReadRequest{Size: readSize(c.readCount, int(hdr.Arg1))}

	case wire.CommandWrite:
		if c.o.Kind != KindWrite {
			return nil, c.unsupported(hdr.Type)
		}
		op, req = vfs.OpWrite, &vfs.WriteRequest{Data: payload}

	case wire.CommandSeekSet, wire.CommandSeekEnd:
		whence := vfs.SeekSet
		if hdr.Type == wire.CommandSeekEnd {
			whence = vfs.SeekEnd
		}
		op = vfs.OpSeekOnRead
		if c.o.Kind == KindWrite {
			op = vfs.OpSeekOnWrite
		} else {
			c.seekLocked()
		}
		req = &vfs.SeekRequest{Offset: wire.JoinOffset(hdr.Arg1, hdr.Arg2), Whence: whence}

	case wire.CommandClose:
		op = vfs.OpCloseRead
		if c.o.Kind == KindWrite {
			op = vfs.OpCloseWrite
		}
		req = &vfs.CloseRequest{}

	case wire.CommandQueryInfo:
		op = vfs.OpQueryInfoOnRead
		if c.o.Kind == KindWrite {
			op = vfs.OpQueryInfoOnWrite
		}
		req = &vfs.QueryInfoRequest{Attributes: strings.TrimRight(string(payload), "\x00")}

	case wire.CommandTruncate:
		if c.o.Kind != KindWrite {
			return nil, c.unsupported(hdr.Type)
		}
		op, req = vfs.OpTruncate, &vfs.TruncateRequest{Size: wire.JoinOffset(hdr.Arg1, hdr.Arg2)}

	default:
		return nil, vfs.Errorf(vfs.ErrorInvalidArgument, "Unknown stream command")
	}

	return c.newJob(op, hdr.Seq, req), nil
}

func (c *Channel) unsupported(cmd wire.CommandType) error {
	return vfs.Errorf(vfs.ErrorNotSupported, "Command %s not supported on %s channel", cmd, c.o.Kind)
}

func (c *Channel) seekLocked() {
	c.readCount = 0
	c.seekGeneration++
	c.readaheadFailures = 0
}

func (c *Channel) newJob(op vfs.Op, seq uint32, req vfs.Request) *job.Job {
	return job.New(c.o.IDs.Next(), job.Params{
		Op:      op,
		Seq:     seq,
		Handle:  c.o.Handle,
		Request: req,
		Source:  c,
		Context: context.Background(),
	})
}

// closeJobLocked issues the job releasing the channel's handle.
func (c *Channel) closeJobLocked() *job.Job {
	op := vfs.OpCloseRead
	if c.o.Kind == KindWrite {
		op = vfs.OpCloseWrite
	}
	j := c.newJob(op, 0, &vfs.CloseRequest{})
	c.closing = true
	c.current = j
	c.currentSeq = 0
	return j
}

// readaheadLocked returns a readahead job to run after done, or nil.
func (c *Channel) readaheadLocked(done *job.Job) *job.Job {
	if c.o.Kind != KindRead || done.Op() != vfs.OpRead || len(c.queue) > 0 || c.closing {
		return nil
	}
	if done.Failed() || done.Cancelled() {
		return nil
	}
	resp, _ := done.Result()
	if rr, _ := resp.(*vfs.ReadResponse); rr == nil || len(rr.Data) == 0 {
		return nil
	}
	if c.readaheadFailures >= maxReadaheadFailures {
		c.o.Metrics.readaheadSuppressed()
		return nil
	}
	if c.o.Backend.Blocked() {
		return nil
	}

	c.readCount++
	j := c.newJob(vfs.OpRead, 0, &vfs.ReadRequest{Size: readSize(c.readCount, readaheadRequest)})
	c.current = j
	c.currentSeq = 0
	c.readahead = j
	c.o.Metrics.readaheadIssued()
	return j
}

// Reply implements job.Source. It is called by whichever goroutine completed
// j and hands the reply to the writer goroutine.
func (c *Channel) Reply(j *job.Job) {
	r := reply{job: j}
	resp, ei := j.Result()

	c.mut.Lock()
	readahead := j == c.readahead
	switch {
	case ei != nil && readahead:
		c.readaheadFailures++
		c.o.Metrics.readaheadDropped()
		r.skip = true
	case ei != nil:
		r.hdr, r.payload = wire.ErrorReply(j.Seq(), ei)
	default:
		if readahead {
			c.readaheadFailures = 0
		}
		r = c.successReply(j, resp)
	}
	c.mut.Unlock()

	select {
	case c.replies <- r:
	case <-c.done:
		_ = j.Finish()
	}
}

func (c *Channel) successReply(j *job.Job, resp vfs.Response) reply {
	r := reply{job: j}
	seq := j.Seq()

	switch resp := resp.(type) {
	case *vfs.ReadResponse:
		r.hdr = wire.ReplyHeader{Type: wire.ReplyData, Seq: seq, Arg1: uint32(len(resp.Data))}
		r.payload = resp.Data
		r.data = true
	case *vfs.WriteResponse:
		r.hdr = wire.ReplyHeader{Type: wire.ReplyWritten, Seq: seq, Arg1: uint32(resp.Written)}
	case *vfs.SeekResponse:
		lo, hi := wire.SplitOffset(resp.Offset)
		r.hdr = wire.ReplyHeader{Type: wire.ReplySeekPos, Seq: seq, Arg1: lo, Arg2: hi}
	case *vfs.CloseResponse:
		r.hdr = wire.ReplyHeader{Type: wire.ReplyClosed, Seq: seq, Arg2: uint32(len(resp.Etag))}
		r.payload = []byte(resp.Etag)
	case *vfs.InfoResponse:
		hdr, payload, err := wire.InfoReply(seq, resp.Info)
		if err != nil {
			r.hdr, r.payload = wire.ErrorReply(seq, vfs.ToErrorInfo(err))
			break
		}
		r.hdr, r.payload = hdr, payload
	default:
		switch j.Op() {
		case vfs.OpTruncate:
			r.hdr = wire.ReplyHeader{Type: wire.ReplyTruncated, Seq: seq}
		case vfs.OpCloseRead, vfs.OpCloseWrite:
			r.hdr = wire.ReplyHeader{Type: wire.ReplyClosed, Seq: seq}
		default:
			ei := vfs.Violation(vfs.ErrorFailed, "%s completed with unexpected response %T", j, resp)
			r.hdr, r.payload = wire.ErrorReply(seq, ei)
		}
	}
	return r
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case r := <-c.replies:
			if !r.skip {
				c.send(r)
			}
			if c.replySent(r.job) {
				return
			}
		}
	}
}

func (c *Channel) send(r reply) {
	c.mut.Lock()
	if c.connectionClosed {
		c.mut.Unlock()
		return
	}
	if r.data {
		r.hdr.Arg2 = c.seekGeneration
	}
	c.mut.Unlock()

	if err := c.t.SendReply(r.hdr, r.payload); err != nil {
		level.Warn(c.log).Log("msg", "failed to send reply, closing connection", "reply", r.hdr.Type, "seq", r.hdr.Seq, "err", err)
		c.mut.Lock()
		c.connectionClosed = true
		c.mut.Unlock()
		_ = c.t.Close()
	}
}

// replySent advances the channel after the reply for j was written. Returns
// true once the channel has shut down.
func (c *Channel) replySent(j *job.Job) bool {
	if err := j.Finish(); err != nil {
		level.Error(c.log).Log("msg", "failed to finish job", "job", j, "err", err)
	}

	c.mut.Lock()
	c.current = nil
	if c.readahead == j {
		c.readahead = nil
	}

	if j.Op().IsClose() {
		c.closed = true
		c.queue = nil
		c.mut.Unlock()
		c.shutdown()
		return true
	}

	var next *job.Job
	if c.connectionClosed {
		if !c.closing && (c.forced || !c.o.Backend.Blocked()) {
			next = c.closeJobLocked()
		}
	} else {
		next = c.startQueuedLocked()
		if next == nil {
			next = c.readaheadLocked(j)
		}
	}
	c.mut.Unlock()

	if next != nil {
		c.o.Backend.Queue(next)
	}
	return false
}

// connectionLost is called by the reader once the transport fails. The
// current job is canceled and the handle is released by a close job.
func (c *Channel) connectionLost(err error) {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return
	}
	level.Debug(c.log).Log("msg", "client connection lost", "err", err)
	c.connectionClosed = true
	c.queue = nil

	// The close job follows once the current job finishes.
	cur := c.current
	var next *job.Job
	if cur == nil && !c.closing && !c.o.Backend.Blocked() {
		next = c.closeJobLocked()
	}
	c.mut.Unlock()

	if cur != nil && !cur.Op().IsClose() {
		cur.Cancel()
	}
	if next != nil {
		c.o.Backend.Queue(next)
	}
}

// Resume issues the close job deferred by a connection loss while the
// backend was blocked. It is called when an unmount fails and the backend
// starts accepting requests again.
func (c *Channel) Resume() {
	c.mut.Lock()
	var next *job.Job
	if c.connectionClosed && c.current == nil && !c.closing && !c.closed {
		next = c.closeJobLocked()
	}
	c.mut.Unlock()

	if next != nil {
		c.o.Backend.Queue(next)
	}
}

// ForceClose shuts the transport, cancels the current job and drops queued
// requests. The backend handle is still released through a close job.
func (c *Channel) ForceClose() {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return
	}
	c.connectionClosed = true
	c.forced = true
	c.queue = nil

	cur := c.current
	var next *job.Job
	if cur == nil && !c.closing {
		next = c.closeJobLocked()
	}
	c.mut.Unlock()

	_ = c.t.Close()
	if cur != nil && !cur.Op().IsClose() {
		cur.Cancel()
	}
	if next != nil {
		c.o.Backend.Queue(next)
	}
}

func (c *Channel) shutdown() {
	c.shutdownOnce.Do(func() {
		_ = c.t.Close()
		close(c.done)
		c.o.Metrics.channelClosed()
		level.Debug(c.log).Log("msg", "channel closed")

		if c.o.OnClosed != nil {
			c.o.OnClosed(c)
		}
	})
}
