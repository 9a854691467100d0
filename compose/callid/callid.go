package callid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/cespare/xxhash/v2"
)

// CallId identifies a call site within the current dynamic call path.
// Identical call-site tokens reached through different call paths or loop
// iterations produce distinct ids, because the id chains in the ids of the
// two innermost enclosing scopes. CallId is only ever used as a lookup key.
type CallId uint64

func (id CallId) String() string {
	return fmt.Sprintf("%016X", uint64(id))
}

// ErrUnbalancedScopes is returned when Exit is called on an empty stack.
// Enter/Exit must be balanced around every cache primitive; an imbalance that
// survives to the end of a run is a fatal structural error.
var ErrUnbalancedScopes = errors.New("unbalanced enter/exit of call scopes")

// Stack derives call identities scoped to the current dynamic call path.
// It is safe only in a single goroutine and lives for exactly one run.
type Stack struct {
	ids []uint64
}

func NewStack() *Stack {
	return &Stack{}
}

// Enter pushes the scope for the given call-site token and local index and
// returns its id. The token is treated as an opaque stable string; the local
// index distinguishes repeated entries from the same site (loop iterations).
func (s *Stack) Enter(token string, index int) CallId {
	id := s.chainHash(token, index)
	s.ids = append(s.ids, id)
	return CallId(id)
}

// Exit pops the innermost scope.
func (s *Stack) Exit() error {
	if len(s.ids) == 0 {
		return ErrUnbalancedScopes
	}
	s.ids = s.ids[:len(s.ids)-1]
	return nil
}

// Current returns the id of the innermost scope, or zero outside any scope.
func (s *Stack) Current() CallId {
	if len(s.ids) == 0 {
		return 0
	}
	return CallId(s.ids[len(s.ids)-1])
}

func (s *Stack) Empty() bool {
	return len(s.ids) == 0
}

func (s *Stack) Depth() int {
	return len(s.ids)
}

// chainHash hashes (parent id, grandparent id, token, index). Including the
// two innermost enclosing ids is enough to make the id depend on the whole
// path, since each enclosing id was chained the same way.
func (s *Stack) chainHash(token string, index int) uint64 {
	var key0, key1 uint64
	if n := len(s.ids); n >= 1 {
		key0 = s.ids[n-1]
	}
	if n := len(s.ids); n >= 2 {
		key1 = s.ids[n-2]
	}

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], key0)
	binary.LittleEndian.PutUint64(buf[8:16], key1)

	h := xxhash.New()
	h.Write(buf[:])
	h.WriteString(token)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(index))
	h.Write(buf[:8])
	return h.Sum64()
}

// Here returns a stable call-site token for the caller, skipping the given
// number of additional stack frames. Here(0) identifies the line that calls
// Here itself.
func Here(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
