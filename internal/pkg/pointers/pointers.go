package pointers

import "time"

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func Float64(v float64) *float64 { return &v }
func String(v string) *string    { return &v }

// Now returns a pointer to the current UTC time.
func Now() *time.Time {
	t := time.Now().UTC()
	return &t
}

// Deref returns *p, or the zero value for nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
