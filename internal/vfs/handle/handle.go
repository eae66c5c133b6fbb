// Package handle implements generation-tagged handle tables. A backend stores
// the private state of every opened file in an Arena and refers to it by ID
// from then on.
package handle

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/vfs"
)

// Value is the backend-private state stored behind an ID.
type Value interface{}

// ID refers to a Value stored in an Arena. IDs are only valid for the arena
// that minted them and only until released. The zero ID is never valid.
type ID struct {
	Backend    uint32 // Arena the ID belongs to.
	Slot       uint32 // Index into the arena.
	Generation uint32 // Bumped every time the slot is reused.
}

// IsZero returns true if id is the zero ID.
func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string {
	return fmt.Sprintf("%d/%d.%d", id.Backend, id.Slot, id.Generation)
}

type slot struct {
	generation uint32
	used       bool
	value      Value
}

// Arena is a table of handles for a single backend.
type Arena struct {
	log     log.Logger
	backend uint32

	mut   sync.RWMutex
	slots []slot
	avail []uint32
	live  int
}

// NewArena creates an empty arena. backend distinguishes IDs from different
// arenas and must be unique within the process.
func NewArena(l log.Logger, backend uint32) *Arena {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Arena{log: l, backend: backend}
}

// Add stores v and returns a new ID for it. Released slots are reused with an
// incremented generation.
func (a *Arena) Add(v Value) (ID, error) {
	a.mut.Lock()
	defer a.mut.Unlock()

	var idx uint32
	if numAvail := len(a.avail); numAvail > 0 {
		idx = a.avail[numAvail-1]
		a.avail = a.avail[:numAvail-1]
	} else {
		if uint64(len(a.slots)) >= 1<<32-1 {
			return ID{}, fmt.Errorf("exhausted handle space: %w", vfs.ErrorNoSpace)
		}
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}

	s := &a.slots[idx]
	s.generation++
	if s.generation == 0 {
		// Generation wrapped around; skip the zero generation so the zero ID
		// stays invalid.
		s.generation = 1
	}
	s.used = true
	s.value = v
	a.live++

	return ID{Backend: a.backend, Slot: idx, Generation: s.generation}, nil
}

// Get returns the value stored for id. Using a released or foreign ID is a
// programming error and reported as an ErrorStale violation.
func (a *Arena) Get(id ID) (Value, error) {
	a.mut.RLock()
	defer a.mut.RUnlock()

	s, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.value, nil
}

// Release removes id from the arena, making its slot available for reuse.
func (a *Arena) Release(id ID) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	s, err := a.lookup(id)
	if err != nil {
		return err
	}
	s.used = false
	s.value = nil
	a.avail = append(a.avail, id.Slot)
	a.live--

	level.Debug(a.log).Log("msg", "released handle", "id", id)
	return nil
}

// Len returns the number of live handles.
func (a *Arena) Len() int {
	a.mut.RLock()
	defer a.mut.RUnlock()
	return a.live
}

// lookup finds the slot for id. mut must be held.
func (a *Arena) lookup(id ID) (*slot, error) {
	if id.Backend != a.backend {
		return nil, vfs.Violation(vfs.ErrorStale, "handle %s used with backend %d", id, a.backend)
	}
	if int(id.Slot) >= len(a.slots) {
		return nil, vfs.Violation(vfs.ErrorStale, "handle %s was never allocated", id)
	}
	s := &a.slots[id.Slot]
	if !s.used || s.generation != id.Generation {
		return nil, vfs.Violation(vfs.ErrorStale, "handle %s is stale", id)
	}
	return s, nil
}
