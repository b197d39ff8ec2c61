package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrain(t *testing.T) {
	ch := make(chan int, 4)
	ch <- 1
	ch <- 2
	require.Equal(t, []int{1, 2}, Drain(ch))
	require.Empty(t, Drain(ch))

	ch <- 3
	close(ch)
	require.Equal(t, []int{3}, Drain(ch))
}

func TestReceive(t *testing.T) {
	ch := make(chan string, 1)
	go func() { ch <- "x" }()
	require.Equal(t, "x", Receive(t, ch, time.Second))
}
