package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetClearRange(t *testing.T) {
	b := NewBitmap(128)
	b.SetRange(10, 20)
	require.Equal(t, 20, b.CountRange(0, 128))
	require.True(t, b.Get(10))
	require.True(t, b.Get(29))
	require.False(t, b.Get(30))

	b.ClearRange(15, 5)
	require.Equal(t, 15, b.Count())
	require.False(t, b.Get(15))
	require.False(t, b.Get(19))
	require.True(t, b.Get(20))
}

func TestBitmapSpansWordBoundary(t *testing.T) {
	b := NewBitmap(200)
	b.SetRange(60, 10)
	require.Equal(t, 10, b.Count())
	for i := 60; i < 70; i++ {
		require.True(t, b.Get(i))
	}
	require.False(t, b.Get(59))
	require.False(t, b.Get(70))
}

func TestBitmapFindSetClear(t *testing.T) {
	b := NewBitmap(64)
	b.Set(5)
	b.Set(40)

	idx, ok := b.FindSet(0)
	require.True(t, ok)
	require.Equal(t, 5, idx)

	idx, ok = b.FindSet(6)
	require.True(t, ok)
	require.Equal(t, 40, idx)

	_, ok = b.FindSet(41)
	require.False(t, ok)

	idx, ok = b.FindClear(5)
	require.True(t, ok)
	require.Equal(t, 6, idx)
}

func TestBitmapRunLength(t *testing.T) {
	b := NewBitmap(32)
	b.SetRange(4, 6)
	require.Equal(t, 6, b.RunLength(4))
	require.Equal(t, 4, b.RunLength(0))
	require.Equal(t, 22, b.RunLength(10))
}

func TestBitmapOutOfRangePanics(t *testing.T) {
	b := NewBitmap(8)
	require.Panics(t, func() { b.Get(8) })
	require.Panics(t, func() { b.SetRange(5, 10) })
}

func TestRangeTrackerFindAndMarkLeftmost(t *testing.T) {
	rt := NewRangeTracker(32)
	off, ok := rt.FindAndMark(10)
	require.True(t, ok)
	require.Equal(t, 0, off)
	require.Equal(t, 10, rt.Used())
	require.Equal(t, 22, rt.Free())
	require.Equal(t, 1, rt.Allocs())

	off, ok = rt.FindAndMark(10)
	require.True(t, ok)
	require.Equal(t, 10, off)

	require.Equal(t, 12, rt.LongestFreeRange())
}

func TestRangeTrackerFindAndMarkFailsWhenTooBig(t *testing.T) {
	rt := NewRangeTracker(8)
	_, ok := rt.FindAndMark(9)
	require.False(t, ok)
}

func TestRangeTrackerUnmarkRestoresFree(t *testing.T) {
	rt := NewRangeTracker(16)
	off, _ := rt.FindAndMark(4)
	rt.Unmark(off, 4)
	require.Equal(t, 0, rt.Used())
	require.Equal(t, 16, rt.Free())
	require.Equal(t, 0, rt.Allocs())
	require.Equal(t, 16, rt.LongestFreeRange())
}

func TestRangeTrackerUnmarkOfUnmarkedPanics(t *testing.T) {
	rt := NewRangeTracker(16)
	require.Panics(t, func() { rt.Unmark(0, 4) })
}

func TestRangeTrackerNextFreeRange(t *testing.T) {
	rt := NewRangeTracker(16)
	rt.FindAndMark(4)
	off, length, ok := rt.NextFreeRange(0)
	require.True(t, ok)
	require.Equal(t, 4, off)
	require.Equal(t, 12, length)
}
