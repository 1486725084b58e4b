package hpage

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestLengthAddSaturatingClampsAtMax(t *testing.T) {
	require.Equal(t, Length(30), Length(10).AddSaturating(20))
	require.Equal(t, MaxLength, MaxLength.AddSaturating(1))
}

func TestLengthSubSaturatingClampsAtZero(t *testing.T) {
	require.Equal(t, Length(5), Length(10).SubSaturating(5))
	require.Equal(t, Length(0), Length(5).SubSaturating(10))
}

func TestPageIDAddr(t *testing.T) {
	require.Equal(t, uintptr(0), PageID(0).Addr(0))
	require.Equal(t, uintptr(PageSize), PageID(1).Addr(0))
	require.Equal(t, uintptr(100+2*PageSize), PageID(2).Addr(100))
}

func TestHugePageAddr(t *testing.T) {
	require.Equal(t, uintptr(0), HugePage(0).Addr(0))
	require.Equal(t, HugePageSize, HugePage(1).Addr(0))
}

func TestHugeLengthInPages(t *testing.T) {
	require.Equal(t, PagesPerHugePage, HugeLength(1).InPages())
	require.Equal(t, 2*PagesPerHugePage, HugeLength(2).InPages())
}

func TestHugeRangeContains(t *testing.T) {
	r := HugeRange{Start: 2, Length: 3}
	require.False(t, r.Contains(1))
	require.True(t, r.Contains(2))
	require.True(t, r.Contains(4))
	require.False(t, r.Contains(5))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(1, "x"))
	require.NoError(t, CheckPow2(256, "x"))
	require.Error(t, CheckPow2(0, "x"))
	require.Error(t, CheckPow2(3, "x"))
	require.True(t, errors.Is(CheckPow2(3, "x"), ErrNotPow2))
}

func TestWalkBoolRunsSplitsAtTransitions(t *testing.T) {
	vals := []bool{false, false, true, true, true, false}
	pred := func(pos int) bool { return vals[pos] }

	type run struct {
		start, length int
		value         bool
	}
	var runs []run
	WalkBoolRuns(0, len(vals), pred, func(start, length int, value bool) {
		runs = append(runs, run{start, length, value})
	})

	require.Equal(t, []run{
		{0, 2, false},
		{2, 3, true},
		{5, 1, false},
	}, runs)
}

func TestWalkBoolRunsEmptyRangeNoCallbacks(t *testing.T) {
	called := false
	WalkBoolRuns(0, 0, func(int) bool { return true }, func(int, int, bool) { called = true })
	require.False(t, called)
}

func TestSpanStatsRecordBucketsSmallAndFoldsLarge(t *testing.T) {
	var s SpanStats
	s.Record(3)
	s.Record(3)
	s.Record(MaxTrackedPages + 5)

	require.Equal(t, 2, s.Small[3])
	require.Equal(t, 1, s.Large.Count)
	require.Equal(t, Length(MaxTrackedPages+5), s.Large.Pages)
}
