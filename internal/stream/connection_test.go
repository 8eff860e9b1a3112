package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDoublesUntilCapped(t *testing.T) {
	b := time.Second
	b = nextBackoff(b)
	assert.Equal(t, 2*time.Second, b)
	b = nextBackoff(b)
	assert.Equal(t, 4*time.Second, b)

	huge := 50 * time.Second
	assert.Equal(t, maxBackoff, nextBackoff(huge))
}

func TestConnectionNotConnectedUntilDialSucceeds(t *testing.T) {
	c := &connection{}
	assert.False(t, c.IsConnected())
}
