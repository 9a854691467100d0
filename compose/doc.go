// Package compose provides a positional composition cache: a declarative
// function is re-invoked on every revision while arbitrary typed state
// persists and unchanged sub-computations are skipped, without the caller
// ever naming or addressing state explicitly.
//
// # How identity works
//
// Identity is derived implicitly from the dynamic call path, the way hook
// style UI state or incremental build caches do it. Every primitive hashes
// its call site together with the ids of the enclosing scopes, so the same
// line of code reached through different paths owns different state. Loop
// bodies must be wrapped in Scoped with a distinct index per iteration,
// otherwise every iteration aliases the first one's state.
//
// # How a run works
//
// Run takes ownership of the slot table left by the previous run, replays
// the client function against it, and rewrites the table in place:
//   - a call site seen before is matched and its cached state reused,
//   - reordered siblings are rotated back into position,
//   - call sites not revisited are pruned together with their state,
//   - branches whose inputs are unchanged and that no SetState dirtied are
//     skipped without recomputation.
//
// A SetState during the run invalidates every enclosing group up to the
// root, and Run re-executes the function until the state is consistent.
// A function that writes a cell unconditionally on every pass therefore
// never converges; guard such writes.
//
// Benefits follow the rest of the on-the-ground libraries: explicit scoping,
// no hidden global state (the per-run Context is passed by reference, never
// stored in TLS), and failure surfaced early instead of corrupting silently.
//
// Example:
//
//	cache := compose.NewCache()
//	for i := 0; i < 3; i++ {
//		total, _ := compose.Run(cache, func(cx *compose.Context) int {
//			n, key, _ := compose.State(cx, func() int { return 0 })
//			doubled, _ := compose.Memoize(cx, n, func() int { return n * 2 })
//			_ = key // write it later with compose.SetState(cache, key, n+1)
//			return doubled
//		})
//		_ = total
//	}
//
// Exactly one run may be active per Cache, and all operations are
// synchronous CPU-bound structure manipulation: nothing blocks or performs
// I/O, so callers serialize access instead of the cache locking internally.
package compose
