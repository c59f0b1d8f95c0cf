package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2022, 5, 1, 3, 46, 0, 0, time.UTC)
	c := NewManualClock(start)

	ch := c.After(5 * time.Second)
	require.Equal(t, 1, c.Waiters())

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		require.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
	require.Zero(t, c.Waiters())
}

func TestManualClock_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero timer should fire immediately")
	}
}
