package helper

import (
	"errors"
	"fmt"
)

// ErrTypeMismatch is reported when a type-erased payload is accessed at a
// different type than it was written with. Callers may treat it as "no
// previous value" or fail loudly; it is never silently guessed around.
var ErrTypeMismatch = errors.New("unexpected payload type")

// TypedValueOf asserts a type-erased payload to the expected type T. A nil
// payload carries no dynamic type and converts to the zero value of any T.
func TypedValueOf[T any](raw any) (T, error) {
	if raw == nil {
		var zero T
		return zero, nil
	}
	val, ok := raw.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T", ErrTypeMismatch, raw)
	}
	return val, nil
}

// GetTypedValueOf safely asserts the result of a getter function to the
// expected type T. Returns an error if the getter fails or the type
// assertion fails.
func GetTypedValueOf[T any](getFn func() (any, error)) (T, error) {
	res, err := getFn()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to get value: %w", err)
	}
	return TypedValueOf[T](res)
}
