package jsengine

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// handleKind tags what a persistent handle refers to.
type handleKind uint8

const (
	handleContext handleKind = iota + 1
	handleScript
	handleString
)

func (k handleKind) String() string {
	switch k {
	case handleContext:
		return "context"
	case handleScript:
		return "script"
	case handleString:
		return "string"
	}
	return fmt.Sprintf("handleKind(%d)", uint8(k))
}

// handle is an index into an arena plus the generation of the slot, so a
// stale handle to a reused slot is detected instead of aliasing.
type handle struct {
	index uint32
	gen   uint32
}

type slot struct {
	kind    handleKind
	obj     interface{}
	refs    int
	gen     uint32
	release func(interface{}) error
}

// arena owns the engine-side objects that host objects refer to. Host objects
// hold a handle and a reference; dropping the last reference releases the
// engine object immediately instead of waiting for a collector.
type arena struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
}

func newArena() *arena { return &arena{} }

// add stores obj with a reference count of one.
func (a *arena) add(kind handleKind, obj interface{}, release func(interface{}) error) handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	s.kind, s.obj, s.refs, s.release = kind, obj, 1, release
	a.live++
	return handle{index: idx, gen: s.gen}
}

func (a *arena) lookup(h handle) (*slot, error) {
	if int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("invalid handle %d", h.index)
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.refs == 0 {
		return nil, fmt.Errorf("stale %s handle %d", s.kind, h.index)
	}
	return s, nil
}

// get returns the object behind h, or nil if it has been released.
func (a *arena) get(h handle) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return nil
	}
	return s.obj
}

func (a *arena) retain(h handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.refs++
	return nil
}

// drop removes one reference. When the count reaches zero the slot is freed
// and its release func is run outside the lock.
func (a *arena) drop(h handle) error {
	a.mu.Lock()
	s, err := a.lookup(h)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	s.refs--
	if s.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	obj, release := s.obj, s.release
	s.obj, s.release = nil, nil
	a.free = append(a.free, h.index)
	a.live--
	a.mu.Unlock()

	if release != nil {
		return release(obj)
	}
	return nil
}

func (a *arena) refs(h handle) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return 0
	}
	return s.refs
}

// count returns the number of live handles of the given kind, or of all kinds
// if kind is zero.
func (a *arena) count(kind handleKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind == 0 {
		return a.live
	}
	n := 0
	for i := range a.slots {
		if a.slots[i].refs > 0 && a.slots[i].kind == kind {
			n++
		}
	}
	return n
}

// releaseAll frees every live slot regardless of its reference count.
func (a *arena) releaseAll() error {
	a.mu.Lock()
	type pending struct {
		obj     interface{}
		release func(interface{}) error
	}
	var todo []pending
	for i := range a.slots {
		s := &a.slots[i]
		if s.refs == 0 {
			continue
		}
		if s.release != nil {
			todo = append(todo, pending{s.obj, s.release})
		}
		s.refs, s.obj, s.release = 0, nil, nil
		a.free = append(a.free, uint32(i))
	}
	a.live = 0
	a.mu.Unlock()

	var err error
	for _, p := range todo {
		err = multierr.Append(err, p.release(p.obj))
	}
	return err
}
