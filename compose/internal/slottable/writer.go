package slottable

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/on-the-ground/compose_ive_go/compose/callid"
	"github.com/on-the-ground/compose_ive_go/compose/internal/arena"
)

var (
	// ErrUnbalanced means group opens/closes or scope enters/exits did not
	// pair up by the end of the run.
	ErrUnbalanced = errors.New("unbalanced groups")
	// ErrCorrupted means the table lost its well-nested shape mid-run. The
	// table must be discarded; there is no rollback.
	ErrCorrupted = errors.New("slot table corrupted")
)

// EqualsFunc compares two type-erased payloads. Equality is supplied by the
// caller, never guessed by the writer.
type EqualsFunc func(a, b any) bool

// Writer is the active transaction over a Table: a cursor plus a stack of
// open group start positions. Exactly one writer may process a table at a
// time, and an abandoned writer leaves the table partially rewritten and
// unusable.
//
// Structural misuse is recorded on first occurrence and surfaced by Finish;
// later failures do not overwrite the first. A table that recorded a failure
// is corrupt and must be discarded, there is no rollback.
type Writer struct {
	table  *Table
	cursor int
	groups []int
	logger *zap.Logger
	err    error
}

func NewWriter(t *Table, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{table: t, logger: logger}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
		w.logger.Error("slot table failure", zap.Error(err))
	}
}

// Finish ends the transaction. It fails unless the cursor sits at the table
// end, every group was closed, and no structural error was recorded.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	if n := len(w.groups); n != 0 {
		return fmt.Errorf("%w: %d groups left open", ErrUnbalanced, n)
	}
	if w.cursor != len(w.table.slots) {
		return fmt.Errorf("%w: cursor %d not at table end %d", ErrUnbalanced, w.cursor, len(w.table.slots))
	}
	return nil
}

// find scans forward from the cursor for a slot with the given call id,
// bounded by the current group's end marker. Whole subtrees are skipped via
// their span. Running off the table end while a group is open means the end
// marker is missing, which is fatal.
func (w *Writer) find(id callid.CallId) (int, bool) {
	i := w.cursor
	for i < len(w.table.slots) {
		s := w.table.slots[i]
		switch s.Kind {
		case KindStartGroup:
			if s.CallId == id {
				return i, true
			}
			i += s.Span
		case KindValue:
			if s.CallId == id {
				return i, true
			}
			i++
		case KindEndGroup:
			return 0, false
		}
	}
	if len(w.groups) > 0 {
		w.fail(fmt.Errorf("%w: no end marker for open group while scanning for %v", ErrCorrupted, id))
	}
	return 0, false
}

// groupEndPos returns the position of the current group's end marker, or the
// table length when no marker remains ahead.
func (w *Writer) groupEndPos() int {
	i := w.cursor
	for i < len(w.table.slots) {
		switch w.table.slots[i].Kind {
		case KindEndGroup:
			return i
		case KindStartGroup:
			i += w.table.slots[i].Span
		default:
			i++
		}
	}
	return i
}

// Sync locates the slot matching the call id within the current group and
// left-rotates [cursor, groupEnd) so the match lands on the cursor. The
// relative order of the unmatched prefix is preserved, which is what lets
// reordered siblings converge at O(size of unmatched prefix) per sync.
func (w *Writer) Sync(id callid.CallId) bool {
	pos, ok := w.find(id)
	if !ok {
		return false
	}
	if pos != w.cursor {
		end := w.groupEndPos()
		rotateLeft(w.table.slots[w.cursor:end], pos-w.cursor)
	}
	return true
}

func rotateLeft(s []Slot, d int) {
	slices.Reverse(s[:d])
	slices.Reverse(s[d:])
	slices.Reverse(s)
}

// openGroupEntry returns the entry key of the innermost open group, or the
// zero key at the root.
func (w *Writer) openGroupEntry() arena.Key {
	if len(w.groups) == 0 {
		return arena.Key{}
	}
	return w.table.slots[w.groups[len(w.groups)-1]].Entry
}

// OpenGroupEntry exposes the innermost open group's entry key.
func (w *Writer) OpenGroupEntry() arena.Key {
	return w.openGroupEntry()
}

// StartGroup syncs on the call id, inserting a fresh start/end pair with a
// new clean entry when no previous group exists. It enters the group body
// and returns the group entry's (possibly stale) dirty flag.
func (w *Writer) StartGroup(id callid.CallId) bool {
	dirty := false
	if w.Sync(id) {
		s := w.table.slots[w.cursor]
		if s.Kind != KindStartGroup {
			w.fail(fmt.Errorf("%w: call id %v bound to a value slot, expected a group", ErrCorrupted, id))
		} else if e, err := w.table.entries.Get(s.Entry); err != nil {
			w.fail(fmt.Errorf("%w: group %v references dead entry: %w", ErrCorrupted, id, err))
		} else {
			dirty = e.Dirty
		}
	} else {
		key := w.table.entries.Insert(arena.Entry{Parent: w.openGroupEntry()})
		w.table.slots = slices.Insert(w.table.slots, w.cursor,
			Slot{Kind: KindStartGroup, CallId: id, Entry: key, Span: 2},
			Slot{Kind: KindEndGroup},
		)
	}
	w.groups = append(w.groups, w.cursor)
	w.cursor++
	return dirty
}

// EndGroup closes the innermost open group. Every slot between the cursor
// and the group's end marker was not revisited this run and is stale: the
// slots are removed along with their entries, descendants included. The
// group's span is rewritten to its new extent and its dirty flag cleared.
func (w *Writer) EndGroup() {
	if len(w.groups) == 0 {
		w.fail(fmt.Errorf("%w: end without matching start", ErrUnbalanced))
		return
	}
	end := w.groupEndPos()
	for _, s := range w.table.slots[w.cursor:end] {
		if s.Kind == KindEndGroup {
			continue
		}
		if err := w.table.entries.Remove(s.Entry); err != nil {
			w.fail(fmt.Errorf("%w: stale slot references dead entry: %w", ErrCorrupted, err))
			continue
		}
		w.logger.Debug("pruned stale entry",
			zap.Stringer("call_id", s.CallId),
			zap.Stringer("entry", s.Entry),
		)
	}
	w.table.slots = append(w.table.slots[:w.cursor], w.table.slots[end:]...)

	if w.cursor >= len(w.table.slots) || w.table.slots[w.cursor].Kind != KindEndGroup {
		w.fail(fmt.Errorf("%w: missing end marker at close", ErrCorrupted))
		return
	}
	w.cursor++

	start := w.groups[len(w.groups)-1]
	w.groups = w.groups[:len(w.groups)-1]
	g := &w.table.slots[start]
	g.Span = w.cursor - start
	if e, err := w.table.entries.Get(g.Entry); err != nil {
		w.fail(fmt.Errorf("%w: closing group references dead entry: %w", ErrCorrupted, err))
	} else {
		e.Dirty = false
	}
}

// Skip advances past the slot at the cursor without reading it: one position
// for a value, the whole span for a group. Skipping an end marker is a no-op.
func (w *Writer) Skip() {
	if w.cursor >= len(w.table.slots) {
		return
	}
	switch s := w.table.slots[w.cursor]; s.Kind {
	case KindStartGroup:
		w.cursor += s.Span
	case KindValue:
		w.cursor++
	case KindEndGroup:
	}
}

// SkipUntilEndOfGroup skips until the cursor sits on the current group's end
// marker, bypassing children judged unnecessary to recompute.
func (w *Writer) SkipUntilEndOfGroup() {
	for w.cursor < len(w.table.slots) && w.table.slots[w.cursor].Kind != KindEndGroup {
		w.Skip()
	}
	if w.cursor >= len(w.table.slots) && len(w.groups) > 0 {
		w.fail(fmt.Errorf("%w: no end marker for open group while skipping", ErrCorrupted))
	}
}

// InsertValue creates a vacant entry parented to the innermost open group and
// a value slot for it at the cursor. The cursor is not advanced.
func (w *Writer) InsertValue(id callid.CallId) arena.Key {
	key := w.table.entries.Insert(arena.Entry{Parent: w.openGroupEntry()})
	w.table.slots = slices.Insert(w.table.slots, w.cursor,
		Slot{Kind: KindValue, CallId: id, Entry: key},
	)
	return key
}

// SetValue unconditionally overwrites the payload behind the key. A nil
// payload is a value like any other.
func (w *Writer) SetValue(key arena.Key, v any) error {
	e, err := w.table.entries.Get(key)
	if err != nil {
		return err
	}
	e.Payload = v
	e.HasValue = true
	return nil
}

// ExpectValue syncs on the call id. When a value slot matches, its payload
// is returned and the cursor advances past it; otherwise a vacant value slot
// is inserted. The first run yields no payload; later runs return the value
// stored on the previous run, a stored nil included. Revisiting a cell
// clears its dirty flag.
func (w *Writer) ExpectValue(id callid.CallId) (any, bool, arena.Key) {
	if w.Sync(id) {
		s := w.table.slots[w.cursor]
		if s.Kind != KindValue {
			w.fail(fmt.Errorf("%w: call id %v bound to a group slot, expected a value", ErrCorrupted, id))
		} else {
			w.cursor++
			e, err := w.table.entries.Get(s.Entry)
			if err != nil {
				w.fail(fmt.Errorf("%w: value %v references dead entry: %w", ErrCorrupted, id, err))
				return nil, false, s.Entry
			}
			e.Dirty = false
			if !e.HasValue {
				return nil, false, s.Entry
			}
			return e.Payload, true, s.Entry
		}
	}
	key := w.InsertValue(id)
	w.cursor++
	return nil, false, key
}

// CompareAndUpdateValue stores the new payload at this call site and reports
// whether it differs from the previous revision's payload under the supplied
// equality. An equal previous payload is left untouched.
func (w *Writer) CompareAndUpdateValue(id callid.CallId, newValue any, eq EqualsFunc) bool {
	prev, ok, key := w.ExpectValue(id)
	if ok && eq(prev, newValue) {
		return false
	}
	if err := w.SetValue(key, newValue); err != nil {
		w.fail(fmt.Errorf("%w: %w", ErrCorrupted, err))
	}
	return true
}
