package cache

import "errors"

var (
	// ErrMiss is returned by a Backend when a key is absent or expired.
	ErrMiss = errors.New("cache miss")
	// ErrUnavailable wraps transport failures. The Cache switches to its
	// in-process fallback when a backend returns it.
	ErrUnavailable = errors.New("cache backend unavailable")
	// ErrNotInteger is returned when incrementing a non-numeric value.
	ErrNotInteger = errors.New("value is not an integer")
)
