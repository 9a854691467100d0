// Package slottable maintains a linear, rewritable representation of a
// dynamically-shaped call tree across repeated runs: an ordered array of
// slots flattening groups and leaf values, plus the writer transaction that
// rewrites it in place.
package slottable

import (
	"fmt"
	"strings"

	"github.com/on-the-ground/compose_ive_go/compose/callid"
	"github.com/on-the-ground/compose_ive_go/compose/internal/arena"
)

// Kind discriminates slot variants. Go has no sum types, so a slot is one
// struct with a kind tag and only the fields its kind uses.
type Kind uint8

const (
	// KindStartGroup opens a group. Span covers the start slot through its
	// matching end slot inclusive, enabling O(1) skip over the subtree.
	KindStartGroup Kind = iota
	// KindEndGroup closes the innermost open group.
	KindEndGroup
	// KindValue is a leaf whose payload lives in the referenced entry.
	KindValue
)

// Slot is one element of the flattened call tree. Slots form a well-nested
// sequence: balanced start/end pairs with unique sibling call ids.
type Slot struct {
	Kind   Kind
	CallId callid.CallId
	Entry  arena.Key
	Span   int // KindStartGroup only
}

// Table flattens a tree of groups and leaf values into a rewritable array.
// It owns only identifiers into the entry arena; rewriting the array never
// touches payload storage except through explicit insert/remove.
type Table struct {
	slots   []Slot
	entries *arena.Arena
}

func NewTable() *Table {
	return &Table{entries: arena.New()}
}

func (t *Table) Len() int {
	return len(t.slots)
}

// Entries exposes the arena owning all payloads referenced by the table.
func (t *Table) Entries() *arena.Arena {
	return t.entries
}

// Dump renders the table deterministically for debugging and golden tests.
// The cursor row is marked with an asterisk.
func (t *Table) Dump(cursor int) string {
	var b strings.Builder
	for i, s := range t.slots {
		marker := "  "
		if i == cursor {
			marker = "* "
		}
		switch s.Kind {
		case KindStartGroup:
			dirty := "?"
			if e, err := t.entries.Get(s.Entry); err == nil {
				dirty = fmt.Sprintf("%t", e.Dirty)
			}
			fmt.Fprintf(&b, "%s%3d StartGroup call_id=%v span=%d (end=%d) entry=%v dirty=%s\n",
				marker, i, s.CallId, s.Span, i+s.Span-1, s.Entry, dirty)
		case KindEndGroup:
			fmt.Fprintf(&b, "%s%3d EndGroup\n", marker, i)
		case KindValue:
			dirty := "?"
			if e, err := t.entries.Get(s.Entry); err == nil {
				dirty = fmt.Sprintf("%t", e.Dirty)
			}
			fmt.Fprintf(&b, "%s%3d Value      call_id=%v entry=%v dirty=%s\n",
				marker, i, s.CallId, s.Entry, dirty)
		}
	}
	return b.String()
}
