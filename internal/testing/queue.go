package testing

import (
	"time"

	"github.com/stretchr/testify/require"
)

// Drain returns every value buffered in ch without blocking
func Drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

// Receive waits up to d for a value from ch
func Receive[T any](t require.TestingT, ch <-chan T, d time.Duration) T {
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel is closed")
		return v
	case <-time.After(d):
		require.FailNow(t, "nothing received", "waited %s", d)
	}
	var zero T
	return zero
}
