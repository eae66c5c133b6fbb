package channel

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/rfratto/vfsd/internal/vfs/handle"
	"github.com/rfratto/vfsd/internal/vfs/job"
	"github.com/rfratto/vfsd/internal/vfs/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestReadSize(t *testing.T) {
	tt := []struct {
		count, requested, expect int
	}{
		{1, 4096, 16384},
		{0, 0, 16384},
		{2, 0, 32768},
		{3, 0, 65536},
		{10, 0, 65536},
		{3, 100000, 100000},
		{1, 1 << 20, 512 * 1024},
	}
	for _, tc := range tt {
		require.Equal(t, tc.expect, readSize(tc.count, tc.requested), "count=%d requested=%d", tc.count, tc.requested)
	}
}

type memFile struct {
	mut  sync.Mutex
	data []byte
	off  int64
}

type memHandler struct {
	job.UnimplementedHandler

	mut   sync.Mutex
	sizes []int

	fail    func(call int) bool
	started chan struct{}
	release chan struct{}
	closes  atomic.Int32
}

func (h *memHandler) Sizes() []int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return append([]int(nil), h.sizes...)
}

func (h *memHandler) Read(ctx context.Context, v handle.Value, req *vfs.ReadRequest) (*vfs.ReadResponse, error) {
	h.mut.Lock()
	h.sizes = append(h.sizes, req.Size)
	call := len(h.sizes)
	h.mut.Unlock()

	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.release != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.release:
		}
	}
	if h.fail != nil && h.fail(call) {
		return nil, vfs.Errorf(vfs.ErrorFailed, "flaky backend")
	}

	f := v.(*memFile)
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.off >= int64(len(f.data)) {
		return &vfs.ReadResponse{}, nil
	}
	end := f.off + int64(req.Size)
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	data := append([]byte(nil), f.data[f.off:end]...)
	f.off = end
	return &vfs.ReadResponse{Data: data}, nil
}

func (h *memHandler) seek(v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	f := v.(*memFile)
	f.mut.Lock()
	defer f.mut.Unlock()
	f.off = req.Offset
	if req.Whence == vfs.SeekEnd {
		f.off = int64(len(f.data)) + req.Offset
	}
	return &vfs.SeekResponse{Offset: f.off}, nil
}

func (h *memHandler) SeekOnRead(_ context.Context, v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return h.seek(v, req)
}

func (h *memHandler) SeekOnWrite(_ context.Context, v handle.Value, req *vfs.SeekRequest) (*vfs.SeekResponse, error) {
	return h.seek(v, req)
}

func (h *memHandler) Write(_ context.Context, v handle.Value, req *vfs.WriteRequest) (*vfs.WriteResponse, error) {
	f := v.(*memFile)
	f.mut.Lock()
	defer f.mut.Unlock()
	f.data = append(f.data[:f.off], req.Data...)
	f.off += int64(len(req.Data))
	return &vfs.WriteResponse{Written: len(req.Data)}, nil
}

func (h *memHandler) Truncate(_ context.Context, v handle.Value, req *vfs.TruncateRequest) error {
	f := v.(*memFile)
	f.mut.Lock()
	defer f.mut.Unlock()
	f.data = f.data[:req.Size]
	return nil
}

func (h *memHandler) info(v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	f := v.(*memFile)
	f.mut.Lock()
	defer f.mut.Unlock()
	fi := vfs.FileInfo{
		vfs.AttrStandardSize: int64(len(f.data)),
		vfs.AttrStandardName: "mem",
	}
	return &vfs.InfoResponse{Info: fi.Filter(vfs.NewAttributeMatcher(req.Attributes))}, nil
}

func (h *memHandler) QueryInfoOnRead(_ context.Context, v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return h.info(v, req)
}

func (h *memHandler) QueryInfoOnWrite(_ context.Context, v handle.Value, req *vfs.QueryInfoRequest) (*vfs.InfoResponse, error) {
	return h.info(v, req)
}

func (h *memHandler) CloseRead(context.Context, handle.Value, *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	h.closes.Inc()
	return &vfs.CloseResponse{}, nil
}

func (h *memHandler) CloseWrite(context.Context, handle.Value, *vfs.CloseRequest) (*vfs.CloseResponse, error) {
	h.closes.Inc()
	return &vfs.CloseResponse{Etag: "etag-1"}, nil
}

type testBackend struct {
	pool    *job.Pool
	blocked atomic.Bool
}

func (b *testBackend) Queue(j *job.Job) { b.pool.Queue(j) }
func (b *testBackend) Blocked() bool    { return b.blocked.Load() }

type testEnv struct {
	ch      *Channel
	client  *wire.ClientTransport
	backend *testBackend
	h       *memHandler
	metrics *Metrics
	closed  chan struct{}
}

func newTestEnv(t *testing.T, kind Kind, h *memHandler, data []byte) *testEnv {
	t.Helper()

	pool, err := job.NewPool(nil, job.Options{Handler: h, ConcurrencyLimit: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		pool.Wait()
	})

	id, err := pool.Handles().Add(&memFile{data: data})
	require.NoError(t, err)

	tr, file, err := wire.Socketpair(nil)
	require.NoError(t, err)
	client, err := wire.DialFile(nil, file)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		client:  client,
		backend: &testBackend{pool: pool},
		h:       h,
		metrics: NewMetrics(prometheus.NewRegistry()),
		closed:  make(chan struct{}),
	}
	env.ch = New(nil, tr, Options{
		Kind:     kind,
		Handle:   id,
		Backend:  env.backend,
		Metrics:  env.metrics,
		OnClosed: func(*Channel) { close(env.closed) },
	})
	t.Cleanup(env.ch.ForceClose)
	return env
}

func (e *testEnv) send(t *testing.T, typ wire.CommandType, seq, arg1, arg2 uint32, payload []byte) {
	t.Helper()
	require.NoError(t, e.client.SendCommand(wire.CommandHeader{Type: typ, Seq: seq, Arg1: arg1, Arg2: arg2}, payload))
}

func (e *testEnv) recv(t *testing.T) (wire.ReplyHeader, []byte) {
	t.Helper()

	type result struct {
		hdr     wire.ReplyHeader
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		hdr, payload, err := e.client.RecvReply()
		ch <- result{hdr, payload, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.hdr, r.payload
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for reply")
		return wire.ReplyHeader{}, nil
	}
}

func (e *testEnv) recvError(t *testing.T, seq uint32) *vfs.ErrorInfo {
	t.Helper()
	hdr, payload := e.recv(t)
	require.Equal(t, wire.ReplyError, hdr.Type)
	require.Equal(t, seq, hdr.Seq)
	ei, err := wire.DecodeError(hdr, payload)
	require.NoError(t, err)
	return ei
}

func (e *testEnv) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-e.closed:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "channel never closed")
	}
	<-e.ch.Done()
}

func TestRead_FreshChannel(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, bytes.Repeat([]byte("x"), 100))

	env.send(t, wire.CommandRead, 1, 4096, 0, nil)
	hdr, data := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyData, Seq: 1, Arg1: 100, Arg2: 0}, hdr)
	require.Len(t, data, 100)

	// Readahead hits end of file, which is reported but not followed up.
	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyData, Seq: 0, Arg1: 0, Arg2: 0}, hdr)

	require.Equal(t, []int{16384, 32768}, h.Sizes())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.readahead.WithLabelValues("issued")))
}

func TestRead_ExplicitSizeCapped(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, []byte("tiny"))

	env.send(t, wire.CommandRead, 1, 1<<20, 0, nil)
	hdr, data := env.recv(t)
	require.Equal(t, uint32(1), hdr.Seq)
	require.Equal(t, "tiny", string(data))
	env.recv(t) // readahead EOF

	require.Equal(t, 512*1024, h.Sizes()[0])
}

func TestReadahead_Growth(t *testing.T) {
	content := make([]byte, 300*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, content)

	env.send(t, wire.CommandRead, 1, 0, 0, nil)

	var got []byte
	for {
		hdr, data := env.recv(t)
		require.Equal(t, wire.ReplyData, hdr.Type)
		if len(got) == 0 {
			require.Equal(t, uint32(1), hdr.Seq)
		} else {
			require.Equal(t, uint32(0), hdr.Seq)
		}
		if len(data) == 0 {
			break
		}
		got = append(got, data...)
	}
	require.Equal(t, content, got)

	sizes := h.Sizes()
	require.Equal(t, []int{16384, 32768, 65536}, sizes[:3])
	for i := 1; i < len(sizes); i++ {
		require.GreaterOrEqual(t, sizes[i], sizes[i-1])
		require.LessOrEqual(t, sizes[i], maxReadSize)
	}
}

func TestSeek_ResetsReadState(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, bytes.Repeat([]byte("y"), 100))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	env.recv(t)
	env.recv(t) // readahead EOF

	env.send(t, wire.CommandSeekSet, 2, 10, 0, nil)
	hdr, _ := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplySeekPos, Seq: 2, Arg1: 10}, hdr)
	require.Equal(t, uint32(1), env.ch.SeekGeneration())

	env.send(t, wire.CommandRead, 3, 0, 0, nil)
	hdr, data := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyData, Seq: 3, Arg1: 90, Arg2: 1}, hdr)
	require.Len(t, data, 90)

	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyData, Seq: 0, Arg2: 1}, hdr)

	// The read count restarted after the seek.
	require.Equal(t, []int{16384, 32768, 16384, 32768}, h.Sizes())

	lo, hi := wire.SplitOffset(-20)
	env.send(t, wire.CommandSeekEnd, 4, lo, hi, nil)
	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplySeekPos, hdr.Type)
	require.Equal(t, int64(80), wire.JoinOffset(hdr.Arg1, hdr.Arg2))
	require.Equal(t, uint32(2), env.ch.SeekGeneration())
}

func TestQueryInfo(t *testing.T) {
	env := newTestEnv(t, KindRead, &memHandler{}, []byte("12345"))

	attrs := []byte(vfs.AttrStandardSize)
	env.send(t, wire.CommandQueryInfo, 1, uint32(len(attrs)), 0, attrs)
	hdr, payload := env.recv(t)
	require.Equal(t, wire.ReplyInfo, hdr.Type)
	require.Equal(t, uint32(1), hdr.Seq)

	fi, err := wire.DecodeInfo(payload)
	require.NoError(t, err)
	size, ok := fi.GetInt64(vfs.AttrStandardSize)
	require.True(t, ok)
	require.Equal(t, int64(5), size)
	_, ok = fi.GetString(vfs.AttrStandardName)
	require.False(t, ok, "unrequested attributes are filtered out")
}

func TestWriteChannel(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindWrite, h, nil)

	ei := func() *vfs.ErrorInfo {
		env.send(t, wire.CommandRead, 1, 10, 0, nil)
		return env.recvError(t, 1)
	}()
	require.Equal(t, vfs.ErrorNotSupported, ei.Code)

	env.send(t, wire.CommandType(42), 2, 0, 0, nil)
	ei = env.recvError(t, 2)
	require.Equal(t, vfs.ErrorInvalidArgument, ei.Code)
	require.Equal(t, "Unknown stream command", ei.Message)

	// The channel survives rejected commands.
	env.send(t, wire.CommandWrite, 3, 5, 0, []byte("hello"))
	hdr, _ := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyWritten, Seq: 3, Arg1: 5}, hdr)

	env.send(t, wire.CommandTruncate, 4, 2, 0, nil)
	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyTruncated, Seq: 4}, hdr)

	env.send(t, wire.CommandClose, 5, 0, 0, nil)
	hdr, payload := env.recv(t)
	require.Equal(t, wire.ReplyClosed, hdr.Type)
	require.Equal(t, "etag-1", string(payload))

	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
	require.Equal(t, 0, env.backend.pool.Handles().Len())
}

func TestReadChannel_RejectsWrites(t *testing.T) {
	env := newTestEnv(t, KindRead, &memHandler{}, nil)

	env.send(t, wire.CommandTruncate, 1, 0, 0, nil)
	require.Equal(t, vfs.ErrorNotSupported, env.recvError(t, 1).Code)

	env.send(t, wire.CommandWrite, 2, 1, 0, []byte("x"))
	require.Equal(t, vfs.ErrorNotSupported, env.recvError(t, 2).Code)
}

func TestClose(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, nil)

	env.send(t, wire.CommandClose, 1, 0, 0, nil)
	hdr, _ := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyClosed, Seq: 1}, hdr)

	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
	require.Equal(t, 0, env.backend.pool.Handles().Len())

	_, _, err := env.client.RecvReply()
	require.ErrorIs(t, err, io.EOF)
}

func TestConnectionLost(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, nil)

	require.NoError(t, env.client.Close())
	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
	require.Equal(t, 0, env.backend.pool.Handles().Len())
}

func TestConnectionLost_CancelsCurrent(t *testing.T) {
	h := &memHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	<-h.started

	// The read never returns unless it is canceled.
	require.NoError(t, env.client.Close())
	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
	require.Equal(t, 0, env.backend.pool.Handles().Len())
	require.Len(t, h.Sizes(), 1)
}

func TestConnectionLost_WhileBlocked(t *testing.T) {
	h := &memHandler{}
	env := newTestEnv(t, KindRead, h, nil)
	env.backend.blocked.Store(true)

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	ei := env.recvError(t, 1)
	require.Equal(t, vfs.ErrorClosed, ei.Code)
	require.Equal(t, "Channel blocked", ei.Message)

	require.NoError(t, env.client.Close())
	require.Eventually(t, func() bool {
		env.ch.mut.Lock()
		defer env.ch.mut.Unlock()
		return env.ch.connectionClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(0), h.closes.Load(), "close is deferred while blocked")

	env.backend.blocked.Store(false)
	env.ch.Resume()
	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
}

func TestForceClose_CancelsCurrent(t *testing.T) {
	h := &memHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	<-h.started

	env.ch.ForceClose()
	env.waitClosed(t)
	require.Equal(t, int32(1), h.closes.Load())
	require.Equal(t, 0, env.backend.pool.Handles().Len())
}

func TestCancel_Current(t *testing.T) {
	h := &memHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	<-h.started
	env.send(t, wire.CommandCancel, 0, 1, 0, nil)

	ei := env.recvError(t, 1)
	require.Equal(t, vfs.ErrorCancelled, ei.Code)

	// No readahead follows a canceled read.
	env.send(t, wire.CommandClose, 2, 0, 0, nil)
	hdr, _ := env.recv(t)
	require.Equal(t, wire.ReplyClosed, hdr.Type)
	require.Len(t, h.Sizes(), 1)
}

func TestCancel_Queued(t *testing.T) {
	h := &memHandler{started: make(chan struct{}, 4), release: make(chan struct{})}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	<-h.started
	env.send(t, wire.CommandSeekSet, 2, 0, 0, nil)
	env.send(t, wire.CommandCancel, 0, 2, 0, nil)

	require.Eventually(t, func() bool {
		env.ch.mut.Lock()
		defer env.ch.mut.Unlock()
		return len(env.ch.queue) == 1 && env.ch.queue[0].cancelled
	}, 5*time.Second, 10*time.Millisecond)
	close(h.release)

	hdr, data := env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyData, Seq: 1, Arg1: 4}, hdr)
	require.Equal(t, "data", string(data))

	ei := env.recvError(t, 2)
	require.Equal(t, vfs.ErrorCancelled, ei.Code)

	// The canceled seek still started a new generation.
	require.Equal(t, uint32(1), env.ch.SeekGeneration())
}

func TestReadahead_FailuresSuppress(t *testing.T) {
	h := &memHandler{fail: func(call int) bool { return call%2 == 0 }}
	env := newTestEnv(t, KindRead, h, bytes.Repeat([]byte("z"), 1<<20))

	failures := func() int {
		env.ch.mut.Lock()
		defer env.ch.mut.Unlock()
		return env.ch.readaheadFailures
	}

	for seq := uint32(1); seq <= 3; seq++ {
		env.send(t, wire.CommandRead, seq, 0, 0, nil)
		hdr, _ := env.recv(t)
		require.Equal(t, wire.ReplyData, hdr.Type)
		require.Equal(t, seq, hdr.Seq)

		expect := int(seq)
		require.Eventually(t, func() bool { return failures() == expect }, 5*time.Second, 10*time.Millisecond)
	}

	env.send(t, wire.CommandRead, 4, 0, 0, nil)
	hdr, _ := env.recv(t)
	require.Equal(t, uint32(4), hdr.Seq)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.readahead.WithLabelValues("suppressed")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Failed readaheads were never reported, and none followed the fourth
	// read.
	attrs := []byte(vfs.AttrStandardSize)
	env.send(t, wire.CommandQueryInfo, 5, uint32(len(attrs)), 0, attrs)
	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplyInfo, Seq: 5, Arg2: hdr.Arg2}, hdr)
	require.Len(t, h.Sizes(), 7)

	require.Equal(t, 3.0, testutil.ToFloat64(env.metrics.readahead.WithLabelValues("dropped")))

	env.send(t, wire.CommandSeekSet, 6, 0, 0, nil)
	env.recv(t)
	require.Equal(t, 0, failures())
}

func TestCancel_FirstMatchOnly(t *testing.T) {
	h := &memHandler{started: make(chan struct{}, 4), release: make(chan struct{})}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	env.send(t, wire.CommandRead, 1, 0, 0, nil)
	<-h.started
	env.send(t, wire.CommandSeekSet, 2, 0, 0, nil)
	env.send(t, wire.CommandSeekSet, 2, 1, 0, nil)
	env.send(t, wire.CommandCancel, 0, 2, 0, nil)

	require.Eventually(t, func() bool {
		env.ch.mut.Lock()
		defer env.ch.mut.Unlock()
		return len(env.ch.queue) == 2 && env.ch.queue[0].cancelled
	}, 5*time.Second, 10*time.Millisecond)
	env.ch.mut.Lock()
	require.False(t, env.ch.queue[1].cancelled)
	env.ch.mut.Unlock()
	close(h.release)

	hdr, _ := env.recv(t)
	require.Equal(t, uint32(1), hdr.Seq)
	require.Equal(t, vfs.ErrorCancelled, env.recvError(t, 2).Code)

	hdr, _ = env.recv(t)
	require.Equal(t, wire.ReplyHeader{Type: wire.ReplySeekPos, Seq: 2, Arg1: 1}, hdr)
}

func TestRead_SeqZeroFailureReported(t *testing.T) {
	h := &memHandler{fail: func(call int) bool { return call == 1 }}
	env := newTestEnv(t, KindRead, h, []byte("data"))

	// A client read using seq 0 is not a readahead; its failure is sent.
	env.send(t, wire.CommandRead, 0, 0, 0, nil)
	ei := env.recvError(t, 0)
	require.Equal(t, vfs.ErrorFailed, ei.Code)
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.readahead.WithLabelValues("dropped")))
}
