package compose

import (
	"fmt"

	"github.com/on-the-ground/compose_ive_go/compose/callid"
	"github.com/on-the-ground/compose_ive_go/shared/helper"
)

// State returns the state cell owned by this call site, computing init on
// the first visit and returning the previously stored value on later runs.
// The returned Key writes the cell from outside the run via SetState.
func State[T any](cx *Context, init func() T) (T, Key[T], error) {
	return stateAt(cx, callid.Here(1), init)
}

// Once runs f exactly once at this call site and returns the cached result
// on every later run. Equivalent to State without keeping the key.
func Once[T any](cx *Context, f func() T) (T, error) {
	v, _, err := stateAt(cx, callid.Here(1), f)
	return v, err
}

func stateAt[T any](cx *Context, token string, init func() T) (T, Key[T], error) {
	cx.ids.Enter(token, 0)
	defer cx.ids.Exit()

	prev, ok, key := cx.writer.ExpectValue(cx.ids.Current())
	k := Key[T]{inner: key}
	if !ok {
		v := init()
		if err := cx.writer.SetValue(key, v); err != nil {
			var zero T
			return zero, k, err
		}
		return v, k, nil
	}
	v, err := helper.TypedValueOf[T](prev)
	if err != nil {
		var zero T
		return zero, k, fmt.Errorf("state at %s: %w", token, err)
	}
	return v, k, nil
}

// Changed stores value at this call site and reports whether it differs
// from the value stored on the previous revision, under Equals.
func Changed[T any](cx *Context, value T) bool {
	cx.ids.Enter(callid.Here(1), 0)
	defer cx.ids.Exit()
	return cx.writer.CompareAndUpdateValue(cx.ids.Current(), value, Equals)
}

// Memoize calls compute only when args changed since the previous revision
// (under Equals) or an enclosing invalidation marked this branch dirty;
// otherwise the cached result is returned and the whole branch is skipped
// without recomputation.
func Memoize[A, T any](cx *Context, args A, compute func() T) (T, error) {
	return memoizeAt(cx, callid.Here(1), args, compute)
}

func memoizeAt[A, T any](cx *Context, token string, args A, compute func() T) (T, error) {
	cx.ids.Enter(token, 0)
	defer cx.ids.Exit()

	dirty := cx.writer.StartGroup(cx.ids.Current())
	defer cx.writer.EndGroup()

	cx.ids.Enter(token, 1)
	argsChanged := cx.writer.CompareAndUpdateValue(cx.ids.Current(), args, Equals)
	cx.ids.Exit()

	cx.ids.Enter(token, 2)
	prev, ok, resultKey := cx.writer.ExpectValue(cx.ids.Current())
	cx.ids.Exit()

	if changed := dirty || argsChanged; !changed && ok {
		result, err := helper.TypedValueOf[T](prev)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("memoize at %s: %w", token, err)
		}
		cx.writer.SkipUntilEndOfGroup()
		return result, nil
	}

	result := compute()
	if err := cx.writer.SetValue(resultKey, result); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Group opens a group at this call site, giving stable positional identity
// to everything nested, so reordering whole subtrees converges cheaply.
// The body receives the group's (possibly stale) dirty flag and must call
// SkipToEndOfGroup itself if it decides no further work is needed; children
// neither revisited nor skipped over are pruned when the group closes.
func Group[R any](cx *Context, body func(dirty bool) R) R {
	cx.ids.Enter(callid.Here(1), 0)
	defer cx.ids.Exit()

	dirty := cx.writer.StartGroup(cx.ids.Current())
	defer cx.writer.EndGroup()
	return body(dirty)
}

// SkipToEndOfGroup bypasses every remaining child of the current group,
// preserving them and their state for the next run.
func SkipToEndOfGroup(cx *Context) {
	cx.writer.SkipUntilEndOfGroup()
}

// Scoped runs fn under a distinct call-identity scope. Use it around loop
// bodies with a stable per-item index: without it every iteration aliases
// the same call sites. Note that two iterations passing the same index
// alias each other's state; sync binds a duplicate id to the first match.
func Scoped[R any](cx *Context, index int, fn func() R) R {
	cx.ids.Enter(callid.Here(1), index)
	defer cx.ids.Exit()
	return fn()
}

// EnterScope opens a call-identity scope at the caller's location. Every
// EnterScope must be matched by an ExitScope before the run completes;
// prefer Scoped, which pairs them structurally.
func EnterScope(cx *Context, index int) {
	cx.ids.Enter(callid.Here(1), index)
}

// ExitScope closes the innermost call-identity scope.
func ExitScope(cx *Context) error {
	return cx.ids.Exit()
}
