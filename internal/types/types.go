// Package types contains small generic types shared across the module.
package types

// ContextKey is a distinct string type for context values.
type ContextKey string

// Equalable is implemented by types comparable to an arbitrary value.
type Equalable interface {
	Equal(val any) bool
}

// ValidFlag is implemented by types that can report their validity.
type ValidFlag interface {
	IsValid() bool
}

// IsValid returns true if the value has method `IsValid() bool` and it returns true.
func IsValid(v any) bool {
	vv, ok := v.(ValidFlag)
	return ok && vv.IsValid()
}
