// Package ptrx converts between values and pointers for optional fields.
package ptrx

// To returns a pointer to a copy of v.
func To[T any](v T) *T {
	return &v
}

// Int returns a pointer value for the int value passed in.
func Int(v int) *int {
	return &v
}

// ValueOr returns *p, or fallback when p is nil.
func ValueOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
