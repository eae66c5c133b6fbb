// Package monitor fans file change notifications out to subscribed bus
// clients.
package monitor

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/vfs"
)

// PathPrefix prefixes the object path of every monitor.
const PathPrefix = "/vfsd/dirmonitor/"

// Event is the kind of change being reported.
type Event uint32

// Change events.
const (
	EventChanged Event = iota
	EventChangesDoneHint
	EventDeleted
	EventCreated
	EventAttributeChanged
	EventPreUnmount
	EventUnmounted
	EventMoved
)

func (e Event) String() string {
	switch e {
	case EventChanged:
		return "changed"
	case EventChangesDoneHint:
		return "changes-done-hint"
	case EventDeleted:
		return "deleted"
	case EventCreated:
		return "created"
	case EventAttributeChanged:
		return "attribute-changed"
	case EventPreUnmount:
		return "pre-unmount"
	case EventUnmounted:
		return "unmounted"
	case EventMoved:
		return "moved"
	default:
		return "Event(" + strconv.Itoa(int(e)) + ")"
	}
}

// Peer is a bus connection that can receive change notifications.
type Peer interface {
	ID() string
	Emit(path, member string, args interface{}) error
	OnClose(f func()) (remove func())
}

// Bus messages.
type (
	// SubscribeArgs are the arguments to the Subscribe and Unsubscribe
	// methods of a monitor.
	SubscribeArgs struct {
		ObjectPath string `msgpack:"object_path"`
	}

	// ChangedArgs is sent to subscribers with the Changed method.
	ChangedArgs struct {
		Event     Event         `msgpack:"event"`
		Spec      vfs.MountSpec `msgpack:"spec"`
		Path      string        `msgpack:"path"`
		OtherPath string        `msgpack:"other_path"`
	}
)

// MethodChanged is invoked on subscribers for every event.
const MethodChanged = "Changed"

type subscriber struct {
	peer       Peer
	objectPath string
	removeHook func()
}

// Monitor tracks subscribers interested in changes below a path of a mount.
type Monitor struct {
	log  log.Logger
	spec vfs.MountSpec
	path string

	mut    sync.Mutex
	subs   []*subscriber
	closed bool
}

// New creates a monitor for the mount identified by spec. Its object path is
// allocated from ids.
func New(l log.Logger, ids *vfs.IDGenerator, spec vfs.MountSpec) *Monitor {
	if l == nil {
		l = log.NewNopLogger()
	}
	path := PathPrefix + strconv.FormatUint(ids.Next(), 10)
	return &Monitor{
		log:  log.With(l, "monitor", path),
		spec: spec,
		path: path,
	}
}

// ObjectPath returns the bus path of the monitor.
func (m *Monitor) ObjectPath() string { return m.path }

// Spec returns the mount spec reported with events.
func (m *Monitor) Spec() vfs.MountSpec { return m.spec }

// Subscribe starts delivering events to objectPath on peer. The subscription
// is dropped automatically when peer disconnects.
func (m *Monitor) Subscribe(peer Peer, objectPath string) error {
	sub := &subscriber{peer: peer, objectPath: objectPath}

	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return vfs.Errorf(vfs.ErrorClosed, "monitor %s is closed", m.path)
	}
	m.subs = append(m.subs, sub)
	m.mut.Unlock()

	// The hook may run immediately if peer is already gone, so it must be
	// registered without holding mut.
	remove := peer.OnClose(func() { m.remove(sub) })

	m.mut.Lock()
	defer m.mut.Unlock()
	if !m.contains(sub) {
		remove()
		return nil
	}
	sub.removeHook = remove

	level.Debug(m.log).Log("msg", "subscribed", "peer", peer.ID(), "object_path", objectPath)
	return nil
}

// Unsubscribe stops delivering events to objectPath on peer. Returns false if
// there was no such subscription.
func (m *Monitor) Unsubscribe(peer Peer, objectPath string) bool {
	m.mut.Lock()
	var found *subscriber
	for _, sub := range m.subs {
		if matches(sub, peer, objectPath) {
			found = sub
			break
		}
	}
	m.mut.Unlock()

	if found == nil {
		return false
	}
	m.remove(found)
	return true
}

func matches(sub *subscriber, peer Peer, objectPath string) bool {
	return sub.peer == peer &&
		sub.objectPath == objectPath &&
		sub.peer.ID() == peer.ID()
}

func (m *Monitor) contains(sub *subscriber) bool {
	for _, s := range m.subs {
		if s == sub {
			return true
		}
	}
	return false
}

func (m *Monitor) remove(sub *subscriber) {
	m.mut.Lock()
	var hook func()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			hook = s.removeHook
			break
		}
	}
	m.mut.Unlock()

	if hook != nil {
		hook()
	}
}

// Subscribers returns the number of current subscribers.
func (m *Monitor) Subscribers() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.subs)
}

// Emit reports an event to every subscriber. Subscribers are not waited on;
// errors sending to individual subscribers are aggregated.
func (m *Monitor) Emit(ev Event, path, otherPath string) error {
	m.mut.Lock()
	subs := make([]*subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mut.Unlock()

	args := ChangedArgs{Event: ev, Spec: m.spec, Path: path, OtherPath: otherPath}

	var errs *multierror.Error
	for _, sub := range subs {
		if err := sub.peer.Emit(sub.objectPath, MethodChanged, args); err != nil {
			level.Warn(m.log).Log("msg", "failed to deliver change event", "peer", sub.peer.ID(), "event", ev, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("notifying %s: %w", sub.peer.ID(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Close removes every subscriber. It is called when the owning backend goes
// away.
func (m *Monitor) Close() {
	m.mut.Lock()
	subs := m.subs
	m.subs = nil
	m.closed = true
	m.mut.Unlock()

	for _, sub := range subs {
		if sub.removeHook != nil {
			sub.removeHook()
		}
	}
}

// ServeBus implements bus.Handler, serving Subscribe and Unsubscribe.
func (m *Monitor) ServeBus(inv *bus.Invocation) {
	var args SubscribeArgs
	if err := inv.Decode(&args); err != nil {
		_ = inv.ReturnError(err)
		return
	}

	switch inv.Member() {
	case "Subscribe":
		if err := m.Subscribe(inv.Conn(), args.ObjectPath); err != nil {
			_ = inv.ReturnError(err)
			return
		}
		_ = inv.Return(nil)
	case "Unsubscribe":
		m.Unsubscribe(inv.Conn(), args.ObjectPath)
		_ = inv.Return(nil)
	default:
		_ = inv.ReturnError(vfs.Errorf(vfs.ErrorNotSupported, "unknown method %s", inv.Member()))
	}
}
