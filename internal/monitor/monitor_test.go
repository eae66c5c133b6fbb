package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/vfs"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id  string
	err error

	mut    sync.Mutex
	events []ChangedArgs
	hooks  map[int]func()
	nextID int
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, hooks: make(map[int]func())}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Emit(_, member string, args interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	p.events = append(p.events, args.(ChangedArgs))
	return nil
}

func (p *fakePeer) OnClose(f func()) func() {
	p.mut.Lock()
	defer p.mut.Unlock()
	id := p.nextID
	p.nextID++
	p.hooks[id] = f
	return func() {
		p.mut.Lock()
		defer p.mut.Unlock()
		delete(p.hooks, id)
	}
}

func (p *fakePeer) disconnect() {
	p.mut.Lock()
	hooks := p.hooks
	p.hooks = make(map[int]func())
	p.mut.Unlock()
	for _, f := range hooks {
		f()
	}
}

func (p *fakePeer) Events() []ChangedArgs {
	p.mut.Lock()
	defer p.mut.Unlock()
	return append([]ChangedArgs(nil), p.events...)
}

var testSpec = vfs.MountSpec{Type: "local", Items: map[string]string{"root": "/srv"}}

func TestNew_ObjectPaths(t *testing.T) {
	var ids vfs.IDGenerator
	a := New(nil, &ids, testSpec)
	b := New(nil, &ids, testSpec)

	require.True(t, strings.HasPrefix(a.ObjectPath(), PathPrefix))
	require.NotEqual(t, a.ObjectPath(), b.ObjectPath())
}

func TestEmit(t *testing.T) {
	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)

	p1, p2 := newFakePeer(":1"), newFakePeer(":2")
	require.NoError(t, m.Subscribe(p1, "/client/a"))
	require.NoError(t, m.Subscribe(p2, "/client/b"))
	require.Equal(t, 2, m.Subscribers())

	require.NoError(t, m.Emit(EventCreated, "/file.txt", ""))

	expect := []ChangedArgs{{Event: EventCreated, Spec: testSpec, Path: "/file.txt"}}
	require.Equal(t, expect, p1.Events())
	require.Equal(t, expect, p2.Events())
}

func TestEmit_AggregatesErrors(t *testing.T) {
	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)

	good := newFakePeer(":good")
	bad1, bad2 := newFakePeer(":bad1"), newFakePeer(":bad2")
	bad1.err = errors.New("gone")
	bad2.err = errors.New("also gone")

	for _, p := range []*fakePeer{good, bad1, bad2} {
		require.NoError(t, m.Subscribe(p, "/client"))
	}

	err := m.Emit(EventChanged, "/x", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "gone")
	require.Contains(t, err.Error(), "also gone")
	require.Len(t, good.Events(), 1)
}

func TestUnsubscribe(t *testing.T) {
	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)

	p := newFakePeer(":1")
	other := newFakePeer(":2")
	require.NoError(t, m.Subscribe(p, "/client/a"))

	require.False(t, m.Unsubscribe(p, "/client/other"))
	require.False(t, m.Unsubscribe(other, "/client/a"))
	require.True(t, m.Unsubscribe(p, "/client/a"))
	require.Equal(t, 0, m.Subscribers())

	// The disconnect hook was removed along with the subscription.
	require.Empty(t, p.hooks)
}

func TestDisconnectUnsubscribes(t *testing.T) {
	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)

	p := newFakePeer(":1")
	require.NoError(t, m.Subscribe(p, "/client/a"))
	p.disconnect()
	require.Equal(t, 0, m.Subscribers())
}

func TestClose(t *testing.T) {
	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)

	p := newFakePeer(":1")
	require.NoError(t, m.Subscribe(p, "/client/a"))
	m.Close()

	require.Equal(t, 0, m.Subscribers())
	require.Empty(t, p.hooks)
	require.Error(t, m.Subscribe(p, "/client/a"))
}

func TestServeBus(t *testing.T) {
	a, b, err := bus.Pair()
	require.NoError(t, err)

	srv := bus.NewServer(nil, bus.ServerOptions{})
	defer srv.Close()
	srv.ServeConn(a)

	client := bus.NewConn(nil, b)
	defer client.Close()

	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)
	srv.Export(m.ObjectPath(), m)

	events := make(chan ChangedArgs, 1)
	client.Export("/client/monitor", bus.HandlerFunc(func(inv *bus.Invocation) {
		var args ChangedArgs
		_ = inv.Decode(&args)
		events <- args
		_ = inv.Return(nil)
	}))

	ctx := context.Background()
	_, err = client.Call(ctx, m.ObjectPath(), "Subscribe", SubscribeArgs{ObjectPath: "/client/monitor"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.Subscribers())

	require.NoError(t, m.Emit(EventDeleted, "/gone.txt", ""))
	select {
	case ev := <-events:
		require.Equal(t, EventDeleted, ev.Event)
		require.Equal(t, "/gone.txt", ev.Path)
		require.Equal(t, testSpec, ev.Spec)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "event never delivered")
	}

	_, err = client.Call(ctx, m.ObjectPath(), "Unsubscribe", SubscribeArgs{ObjectPath: "/client/monitor"}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, m.Subscribers())

	_, err = client.Call(ctx, m.ObjectPath(), "Subscribe", SubscribeArgs{ObjectPath: "/client/monitor"}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return m.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEmit_DoesNotWaitForSubscribers(t *testing.T) {
	a, b, err := bus.Pair()
	require.NoError(t, err)

	srv := bus.NewServer(nil, bus.ServerOptions{})
	defer srv.Close()
	serverSide := srv.ServeConn(a)

	client := bus.NewConn(nil, b)
	defer client.Close()

	release := make(chan struct{})
	events := make(chan ChangedArgs, 2)
	client.Export("/client/slow", bus.HandlerFunc(func(inv *bus.Invocation) {
		<-release
		var args ChangedArgs
		_ = inv.Decode(&args)
		events <- args
	}))

	var ids vfs.IDGenerator
	m := New(nil, &ids, testSpec)
	require.NoError(t, m.Subscribe(serverSide, "/client/slow"))

	errs := make(chan error, 2)
	go func() {
		errs <- m.Emit(EventCreated, "/a", "")
		errs <- m.Emit(EventChangesDoneHint, "/a", "")
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "Emit waited for a blocked subscriber")
		}
	}

	close(release)
	for _, expect := range []Event{EventCreated, EventChangesDoneHint} {
		select {
		case ev := <-events:
			require.Equal(t, expect, ev.Event)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "event never delivered")
		}
	}
}
