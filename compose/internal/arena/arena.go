// Package arena stores the state entries referenced by the slot table.
//
// The arena exclusively owns payloads: the slot table only holds keys into
// it, so array surgery on the table (rotation, insertion, removal of slot
// ranges) never moves or invalidates payload storage. Keys are generational,
// so a key held after its entry was pruned is rejected instead of silently
// addressing a recycled entry.
package arena

import (
	"errors"
	"fmt"
)

// ErrStaleKey is reported when a key refers to an entry that has been
// removed. Writes through a stale key are no-ops.
var ErrStaleKey = errors.New("stale entry key")

// Key is a stable handle to an entry: an index plus the generation the
// entry had when the key was issued.
type Key struct {
	index int
	gen   uint32
}

// IsZero reports whether k is the zero Key, which never addresses an entry.
// The zero Key marks the parent of a root-level entry.
func (k Key) IsZero() bool {
	return k.gen == 0
}

func (k Key) String() string {
	return fmt.Sprintf("k%d.%d", k.index, k.gen)
}

// Entry is the bookkeeping record behind one group or value slot.
type Entry struct {
	// Parent is the entry of the enclosing group, zero at the root.
	// Invalidation walks this chain upward.
	Parent Key
	// Dirty means the branch owning this entry must not be trusted without
	// recomputation. Cleared when the owning group closes cleanly.
	Dirty bool
	// HasValue distinguishes a stored payload from a vacant cell, so a
	// stored nil is not mistaken for "never written".
	HasValue bool
	// Payload is the type-erased stored value, meaningful only when
	// HasValue is set.
	Payload any
}

type cell struct {
	entry    Entry
	gen      uint32
	occupied bool
}

// Arena is a generational store of entries. No compaction: removed indices
// are recycled through a free list with a bumped generation.
type Arena struct {
	cells []cell
	free  []int
	live  int
}

func New() *Arena {
	return &Arena{}
}

// Insert stores a new entry and returns its key.
func (a *Arena) Insert(e Entry) Key {
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		c := &a.cells[idx]
		c.gen++
		c.entry = e
		c.occupied = true
		return Key{index: idx, gen: c.gen}
	}
	a.cells = append(a.cells, cell{entry: e, gen: 1, occupied: true})
	return Key{index: len(a.cells) - 1, gen: 1}
}

// Remove destroys the entry behind the key. The key, and any copy of it,
// is invalid afterwards.
func (a *Arena) Remove(k Key) error {
	c, err := a.lookup(k)
	if err != nil {
		return err
	}
	c.entry = Entry{}
	c.occupied = false
	a.free = append(a.free, k.index)
	a.live--
	return nil
}

// Get returns the live entry behind the key for indexed read/write.
func (a *Arena) Get(k Key) (*Entry, error) {
	c, err := a.lookup(k)
	if err != nil {
		return nil, err
	}
	return &c.entry, nil
}

// Contains reports whether the key still addresses a live entry.
func (a *Arena) Contains(k Key) bool {
	_, err := a.lookup(k)
	return err == nil
}

// Len returns the number of live entries.
func (a *Arena) Len() int {
	return a.live
}

// Invalidate marks the entry dirty and walks the parent chain, marking every
// ancestor dirty up to the root. This is the only way Dirty is introduced
// outside normal group bookkeeping; it guarantees the next run sees
// dirty=true when it opens any group on the path to the entry.
func (a *Arena) Invalidate(k Key) error {
	for !k.IsZero() {
		e, err := a.Get(k)
		if err != nil {
			return err
		}
		e.Dirty = true
		k = e.Parent
	}
	return nil
}

func (a *Arena) lookup(k Key) (*cell, error) {
	if k.index < 0 || k.index >= len(a.cells) {
		return nil, fmt.Errorf("%w: %v", ErrStaleKey, k)
	}
	c := &a.cells[k.index]
	if !c.occupied || c.gen != k.gen {
		return nil, fmt.Errorf("%w: %v", ErrStaleKey, k)
	}
	return c, nil
}
