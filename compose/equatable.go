package compose

import "reflect"

// Equatable lets payload types supply their own equality for change
// detection in Memoize and Changed.
type Equatable interface {
	Equals(other any) bool
}

// Equals compares two type-erased payloads. Types implementing Equatable
// decide equality themselves; everything else falls back to deep equality.
func Equals(a, b any) bool {
	if eq, ok := a.(Equatable); ok {
		return eq.Equals(b)
	}
	return reflect.DeepEqual(a, b)
}
