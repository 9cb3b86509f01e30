package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger()
	}()
	l.Wait()
	assert.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	assert.True(t, l.Test())

	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan must be closed after Trigger")
	}
}
