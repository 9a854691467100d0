package compose

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rickb777/date/v2/timespan"
	"go.uber.org/zap"

	"github.com/on-the-ground/compose_ive_go/compose/callid"
	"github.com/on-the-ground/compose_ive_go/compose/internal/arena"
	"github.com/on-the-ground/compose_ive_go/compose/internal/slottable"
	"github.com/on-the-ground/compose_ive_go/shared/helper"
)

// Cache owns the slot table and state entries across runs. Exactly one
// writer processes the cache at a time; callers serialize access.
type Cache struct {
	id       string
	table    *slottable.Table
	logger   *zap.Logger
	revision int
	running  bool
	lastRun  RunReport
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithLogger installs a zap logger for run and pruning diagnostics.
// The default is a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		id:     uuid.NewString(),
		table:  slottable.NewTable(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunReport describes one completed call to Run.
type RunReport struct {
	// Revision after the run finished.
	Revision int
	// Span covers the whole call to Run, reruns included.
	Span timespan.TimeSpan
	// Reruns counts extra passes forced by mid-run invalidation.
	Reruns int
}

// Revision returns the number of completed passes over the cache.
func (c *Cache) Revision() int {
	return c.revision
}

// LastRun returns the report of the most recent completed run.
func (c *Cache) LastRun() RunReport {
	return c.lastRun
}

// EntryCount returns the number of live state entries.
func (c *Cache) EntryCount() int {
	return c.table.Entries().Len()
}

// Dump renders the slot table for debugging.
func (c *Cache) Dump() string {
	return c.table.Dump(-1)
}

// Context is the per-run execution context. It is constructed and scoped by
// Run and passed by reference to every primitive; it must not escape the
// run or be shared across goroutines.
type Context struct {
	cache  *Cache
	writer *slottable.Writer
	ids    *callid.Stack
}

// Cache returns the cache this context writes to, e.g. for SetState calls
// from within the run.
func (cx *Context) Cache() *Cache {
	return cx.cache
}

// Revision returns the revision currently being produced.
func (cx *Context) Revision() int {
	return cx.cache.revision
}

// Run executes fn against the cache, rewriting the slot table as the
// function replays. If fn invalidates state while running (SetState), the
// function is re-executed until the state is consistent. On structural
// misuse the run's error is returned and the cache must be discarded.
func Run[R any](c *Cache, fn func(cx *Context) R) (R, error) {
	var zero R
	if c.running {
		return zero, ErrRunInProgress
	}
	c.running = true
	defer func() { c.running = false }()

	// The root group's identity is per cache, not per Run call site, so the
	// table correlates across runs issued from different lines.
	rootToken := "root/" + c.id
	start := time.Now()

	var result R
	passes := 0
	for {
		passes++
		c.revision++

		cx := &Context{
			cache:  c,
			writer: slottable.NewWriter(c.table, c.logger),
			ids:    callid.NewStack(),
		}
		cx.ids.Enter(rootToken, 0)
		cx.writer.StartGroup(cx.ids.Current())
		rootKey := cx.writer.OpenGroupEntry()
		// Reset the root flag now: if anything sets it again during this
		// pass, the state is inconsistent and the pass must be repeated.
		if e, err := c.table.Entries().Get(rootKey); err == nil {
			e.Dirty = false
		}

		result = fn(cx)

		// The root dirty flag must be read before EndGroup clears it: it is
		// the record of any invalidation performed during this pass.
		rootDirty := false
		if e, err := c.table.Entries().Get(rootKey); err == nil {
			rootDirty = e.Dirty
		}

		cx.writer.EndGroup()
		if err := cx.ids.Exit(); err != nil {
			return zero, err
		}
		if !cx.ids.Empty() {
			return zero, fmt.Errorf("%w: %d call scopes left open", ErrUnbalanced, cx.ids.Depth())
		}
		if err := cx.writer.Finish(); err != nil {
			c.logger.Error("run aborted",
				zap.String("cache_id", c.id),
				zap.Int("revision", c.revision),
				zap.Error(err),
			)
			return zero, err
		}

		if !rootDirty {
			break
		}
		c.logger.Debug("state invalidated during run, re-running",
			zap.String("cache_id", c.id),
			zap.Int("revision", c.revision),
		)
	}

	c.lastRun = RunReport{
		Revision: c.revision,
		Span:     timespan.BetweenTimes(start, time.Now()),
		Reruns:   passes - 1,
	}
	c.logger.Debug("run finished",
		zap.String("cache_id", c.id),
		zap.Int("revision", c.revision),
		zap.Int("reruns", passes-1),
		zap.Duration("took", c.lastRun.Span.Duration()),
	)
	return result, nil
}

// Key is a stable typed handle to a state cell. It stays valid across runs
// until the owning slot is pruned, after which any access reports
// ErrStaleKey.
type Key[T any] struct {
	inner arena.Key
}

// IsZero reports whether the key was never issued by a cache.
func (k Key[T]) IsZero() bool {
	return k.inner.IsZero()
}

// SetState overwrites the cell's payload and invalidates the cell and every
// enclosing group up to the root, so the next run recomputes the whole
// branch. Callable between runs and from within a run; the latter forces
// Run to re-execute the function.
func SetState[T any](c *Cache, key Key[T], value T) error {
	return c.setState(key.inner, value, true)
}

// SetStateWithoutInvalidation overwrites the cell's payload without
// dirtying anything. For bookkeeping writes that must not force
// recomputation.
func SetStateWithoutInvalidation[T any](c *Cache, key Key[T], value T) error {
	return c.setState(key.inner, value, false)
}

// GetState reads the cell's current payload.
func GetState[T any](c *Cache, key Key[T]) (T, error) {
	return helper.GetTypedValueOf[T](func() (any, error) {
		e, err := c.table.Entries().Get(key.inner)
		if err != nil {
			return nil, err
		}
		return e.Payload, nil
	})
}

func (c *Cache) setState(k arena.Key, v any, invalidate bool) error {
	entries := c.table.Entries()
	e, err := entries.Get(k)
	if err != nil {
		c.logger.Warn("write through stale key ignored",
			zap.String("cache_id", c.id),
			zap.Stringer("key", k),
		)
		return err
	}
	e.Payload = v
	e.HasValue = true
	if invalidate {
		return entries.Invalidate(k)
	}
	return nil
}
