package bus

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `msgpack:"text"`
}

func newTestPair(t *testing.T, o ServerOptions) (*Server, *Conn, *Conn) {
	t.Helper()

	a, b, err := Pair()
	require.NoError(t, err)

	srv := NewServer(nil, o)
	serverSide := srv.ServeConn(a)
	client := NewConn(nil, b)
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})
	return srv, serverSide, client
}

func TestHello(t *testing.T) {
	srv, serverSide, client := newTestPair(t, ServerOptions{})

	id, err := client.Hello(context.Background())
	require.NoError(t, err)
	require.Equal(t, serverSide.ID(), id)
	require.Equal(t, id, client.ID())

	peer, ok := srv.Peer(id)
	require.True(t, ok)
	require.Same(t, serverSide, peer)
}

func TestCall(t *testing.T) {
	srv, _, client := newTestPair(t, ServerOptions{})

	srv.Export("/echo", HandlerFunc(func(inv *Invocation) {
		var args echoArgs
		if err := inv.Decode(&args); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		switch inv.Member() {
		case "Echo":
			_ = inv.Return(echoArgs{Text: args.Text + "!"})
		default:
			_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotSupported, "no method %s", inv.Member()))
		}
	}))

	var reply echoArgs
	_, err := client.Call(context.Background(), "/echo", "Echo", echoArgs{Text: "hi"}, &reply)
	require.NoError(t, err)
	require.Equal(t, "hi!", reply.Text)

	_, err = client.Call(context.Background(), "/echo", "Nope", echoArgs{}, nil)
	var ei *vfs.ErrorInfo
	require.True(t, errors.As(err, &ei))
	require.Equal(t, vfs.ErrorNotSupported, ei.Code)
	require.Equal(t, "no method Nope", ei.Message)

	_, err = client.Call(context.Background(), "/missing", "Echo", nil, nil)
	require.True(t, errors.Is(err, vfs.ErrorNotSupported))
}

func TestCall_PassesFiles(t *testing.T) {
	srv, _, client := newTestPair(t, ServerOptions{})

	srv.Export("/files", HandlerFunc(func(inv *Invocation) {
		r, w, err := os.Pipe()
		if err != nil {
			_ = inv.ReturnError(err)
			return
		}
		defer r.Close()
		_, _ = w.Write([]byte("through the socket"))
		w.Close()

		_ = inv.Return(nil, r)
	}))

	files, err := client.Call(context.Background(), "/files", "Get", nil, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	defer files[0].Close()

	data, err := io.ReadAll(files[0])
	require.NoError(t, err)
	require.Equal(t, "through the socket", string(data))
}

func TestCall_ContextCanceled(t *testing.T) {
	srv, _, client := newTestPair(t, ServerOptions{})

	block := make(chan struct{})
	defer close(block)
	srv.Export("/slow", HandlerFunc(func(inv *Invocation) {
		<-block
		_ = inv.Return(nil)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "/slow", "Wait", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_CancelTarget(t *testing.T) {
	srv, _, client := newTestPair(t, ServerOptions{})

	var (
		started   = make(chan uint32, 1)
		cancelled = make(chan CancelArgs, 1)
	)
	srv.Export("/jobs", HandlerFunc(func(inv *Invocation) {
		switch inv.Member() {
		case "Slow":
			started <- inv.Serial()
		case "Cancel":
			var args CancelArgs
			require.NoError(t, inv.Decode(&args))
			cancelled <- args
		}
	}))

	ctx, cancel := context.WithCancel(WithCancelTarget(context.Background(), "/jobs", "Cancel"))
	errc := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "/jobs", "Slow", nil, nil)
		errc <- err
	}()

	serial := <-started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	select {
	case args := <-cancelled:
		require.Equal(t, serial, args.Serial)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "cancel was never sent")
	}
}

func TestClientExports(t *testing.T) {
	_, serverSide, client := newTestPair(t, ServerOptions{})

	got := make(chan string, 1)
	client.Export("/client/op", HandlerFunc(func(inv *Invocation) {
		var args echoArgs
		_ = inv.Decode(&args)
		got <- args.Text
		_ = inv.Return(nil)
	}))

	_, err := serverSide.Call(context.Background(), "/client/op", "Ask", echoArgs{Text: "question"}, nil)
	require.NoError(t, err)
	require.Equal(t, "question", <-got)

	require.NoError(t, serverSide.Emit("/client/op", "Notify", echoArgs{Text: "fire and forget"}))
	select {
	case text := <-got:
		require.Equal(t, "fire and forget", text)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "emit never delivered")
	}
}

func TestDisconnectHooks(t *testing.T) {
	disconnected := make(chan string, 1)
	srv, serverSide, client := newTestPair(t, ServerOptions{
		OnDisconnect: func(c *Conn) { disconnected <- c.ID() },
	})

	hookCalled := make(chan struct{})
	serverSide.OnClose(func() { close(hookCalled) })

	require.NoError(t, client.Close())

	select {
	case id := <-disconnected:
		require.Equal(t, serverSide.ID(), id)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "disconnect hook never called")
	}
	<-hookCalled

	_, ok := srv.Peer(serverSide.ID())
	require.False(t, ok)

	_, err := serverSide.Call(context.Background(), "/x", "Y", nil, nil)
	require.ErrorIs(t, err, ErrClosed)

	// Hooks registered after close run immediately.
	ran := false
	serverSide.OnClose(func() { ran = true })
	require.True(t, ran)
}

func TestDial(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := NewServer(nil, ServerOptions{})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, nil, sock)
	require.NoError(t, err)
	defer c.Close()

	require.NotEmpty(t, c.ID())
	require.Eventually(t, func() bool {
		_, ok := srv.Peer(c.ID())
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConn_CloseWhileReading(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)

	ca := NewConn(nil, a)
	cb := NewConn(nil, b)

	// Give both read loops time to block in a read.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ca.Close())

	for _, c := range []*Conn{ca, cb} {
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			require.FailNow(t, "read loop never exited")
		}
	}

	_, err = cb.Call(context.Background(), "/x", "Y", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestEmit_Ordered(t *testing.T) {
	_, serverSide, client := newTestPair(t, ServerOptions{})

	const count = 100
	got := make(chan int, count)
	client.Export("/client/events", HandlerFunc(func(inv *Invocation) {
		var args struct {
			N int `msgpack:"n"`
		}
		_ = inv.Decode(&args)
		got <- args.N
	}))

	for i := 0; i < count; i++ {
		require.NoError(t, serverSide.Emit("/client/events", "Event", struct {
			N int `msgpack:"n"`
		}{i}))
	}

	for i := 0; i < count; i++ {
		select {
		case n := <-got:
			require.Equal(t, i, n)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "event never delivered")
		}
	}
}
