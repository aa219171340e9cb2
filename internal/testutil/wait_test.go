package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecv_ReturnsValue(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7

	assert.Equal(t, 7, Recv(t, ch))
}

func TestNoRecv_EmptyChannel(t *testing.T) {
	ch := make(chan string)

	NoRecv(t, ch, 10*time.Millisecond)
}

func TestSocketPath_IsShortAndFresh(t *testing.T) {
	p := SocketPath(t)

	assert.Less(t, len(p), 100)
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}
