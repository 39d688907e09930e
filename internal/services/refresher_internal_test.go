package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefresherRunAfterStopIsNoOp(t *testing.T) {
	runs := 0
	r := NewRefresher(time.Hour, func() { runs++ })
	r.Trigger()
	r.Stop()

	// A timer that had already fired when Stop ran still enters run; the
	// stopped flag must keep it from executing.
	r.run()
	assert.Zero(t, runs)
}
