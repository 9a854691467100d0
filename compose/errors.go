package compose

import (
	"errors"

	"github.com/on-the-ground/compose_ive_go/compose/internal/arena"
	"github.com/on-the-ground/compose_ive_go/compose/internal/slottable"
	"github.com/on-the-ground/compose_ive_go/shared/helper"
)

var (
	// ErrStaleKey is returned by state accessors when the key's entry was
	// pruned by a previous run. The write is a no-op; recoverable.
	ErrStaleKey = arena.ErrStaleKey

	// ErrTypeMismatch is returned when a cell's payload is accessed at a
	// different type than it was stored with, which is possible under call
	// identity collisions. Callers may treat it as "no previous value" or
	// fail loudly; it is never silently guessed around.
	ErrTypeMismatch = helper.ErrTypeMismatch

	// ErrUnbalanced is returned by Run when scope enters/exits or group
	// opens/closes did not pair up. Fatal for the run.
	ErrUnbalanced = slottable.ErrUnbalanced

	// ErrCorrupted is returned by Run when the slot table lost its
	// well-nested shape. The cache must be discarded; there is no rollback.
	ErrCorrupted = slottable.ErrCorrupted

	// ErrRunInProgress is returned by Run when a run is already active on
	// the cache. Callers must serialize runs; the state accessors stay
	// usable during a run.
	ErrRunInProgress = errors.New("a run is already in progress on this cache")
)
