package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIsLiveAndUnfrozen(t *testing.T) {
	h := New()
	before := time.Now().UTC()
	got := h.Now()
	after := time.Now().UTC()
	require.False(t, got.Before(before))
	require.False(t, got.After(after))
}

func TestNewFrozenStaysPinnedUntilAdvanced(t *testing.T) {
	pinned := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	h := NewFrozen(pinned)
	require.True(t, h.Now().Equal(pinned))
	require.True(t, h.Now().Equal(pinned))
}

func TestAdvanceMovesAFrozenClockForward(t *testing.T) {
	pinned := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	h := NewFrozen(pinned)
	h.Advance(90 * time.Minute)
	require.True(t, h.Now().Equal(pinned.Add(90*time.Minute)))
}

func TestAdvanceIsANoOpOnALiveClock(t *testing.T) {
	h := New()
	before := h.Now()
	h.Advance(time.Hour)
	after := h.Now()
	require.False(t, after.Before(before))
	require.Less(t, after.Sub(before), time.Minute)
}

func TestSetFreezesALiveClock(t *testing.T) {
	h := New()
	pinned := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	h.Set(pinned)
	require.True(t, h.Now().Equal(pinned))
	h.Advance(time.Hour)
	require.True(t, h.Now().Equal(pinned.Add(time.Hour)))
}
