// Package timeseries implements TimeSeriesTracker, a ring of epoch
// entries folded from periodic Report calls, used by hpage/filler's
// FillerStatsTracker to keep a rolling window of demand history.
//
// The source is generic over a compile-time kEpochs parameter; Go has no
// const generics, so this implementation takes epochs as a runtime
// construction parameter and heap-allocates the ring, the strategy the
// spec itself calls out as having "no material performance cost at 600
// epochs" (spec section 9, "Template-over-Epochs"). Entry and Update are
// true Go generic type parameters, since those vary per call site and
// Go's generics handle that case directly — grounded on the teacher's
// CurrentBudgetData rolling counters (memory/allocator/budget.go),
// generalized from a fixed struct of atomic counters to an arbitrary
// caller-defined entry folded by a caller-supplied function.
package timeseries

import "github.com/vkngwrapper/hpagefiller/hpage"

// Fold merges update into entry. Implementations should be idempotent
// with respect to zero-valued entries (the ring clears slots to the zero
// Entry on rotation).
type Fold[Entry any, Update any] func(entry *Entry, update Update)

// TimeSeriesTracker is a ring of Epochs entries spanning a fixed
// wall-clock window (Epochs * EpochLength clock ticks). Report folds an
// Update into the entry for the current epoch; as wall-clock time
// advances past an epoch boundary, older entries are rotated out and
// zeroed.
type TimeSeriesTracker[Entry any, Update any] struct {
	clock       hpage.Clock
	fold        Fold[Entry, Update]
	epochLength int64

	entries []Entry
	written []bool

	current       int
	epochStart    int64
	rotateHook    func(completed *Entry)
	rotateHookSet bool
}

// New constructs a TimeSeriesTracker with the given number of epochs, each
// spanning epochLength clock ticks (as measured by clock.Now()), folding
// updates into entries with fold.
func New[Entry any, Update any](clock hpage.Clock, epochs int, epochLength int64, fold Fold[Entry, Update]) *TimeSeriesTracker[Entry, Update] {
	if epochs < 1 {
		panic("timeseries: epochs must be >= 1")
	}
	if epochLength < 1 {
		panic("timeseries: epochLength must be >= 1")
	}
	return &TimeSeriesTracker[Entry, Update]{
		clock:       clock,
		fold:        fold,
		epochLength: epochLength,
		entries:     make([]Entry, epochs),
		written:     make([]bool, epochs),
		epochStart:  clock.Now(),
	}
}

// SetRotateHook installs a callback invoked with the just-completed
// epoch's entry immediately before it is zeroed and reused, whenever a
// rotation evicts a non-empty entry. FillerStatsTracker uses this to
// forward a confirmed peak to its SkippedSubreleaseCorrectnessTracker.
func (t *TimeSeriesTracker[Entry, Update]) SetRotateHook(hook func(completed *Entry)) {
	t.rotateHook = hook
	t.rotateHookSet = hook != nil
}

// Epochs returns the fixed number of epochs in the ring.
func (t *TimeSeriesTracker[Entry, Update]) Epochs() int { return len(t.entries) }

// Advance rotates the ring forward to match the current wall-clock time,
// without reporting any update. Report calls this internally; exposing it
// separately lets pure-read call sites (spec property R3, "GetStats over
// pure-read sequences is pure") force a time-consistent view before
// reading without mutating any entry's content.
func (t *TimeSeriesTracker[Entry, Update]) Advance() {
	now := t.clock.Now()
	elapsed := (now - t.epochStart) / t.epochLength
	if elapsed <= 0 {
		return
	}
	n := int64(len(t.entries))
	if elapsed >= n {
		t.evictAndClear(t.current, int(n))
		for i := range t.entries {
			var zero Entry
			t.entries[i] = zero
			t.written[i] = false
		}
		t.current = 0
	} else {
		t.evictAndClear(t.current, int(elapsed))
		for i := int64(0); i < elapsed; i++ {
			t.current = (t.current + 1) % len(t.entries)
			var zero Entry
			t.entries[t.current] = zero
			t.written[t.current] = false
		}
	}
	t.epochStart += elapsed * t.epochLength
}

// evictAndClear calls the rotate hook (if set) for each of the next count
// entries starting just after idx, in rotation order, for any that were
// written. It does not itself clear or advance t.current; callers do that
// afterward.
func (t *TimeSeriesTracker[Entry, Update]) evictAndClear(idx, count int) {
	if !t.rotateHookSet {
		return
	}
	n := len(t.entries)
	for i := 1; i <= count && i <= n; i++ {
		slot := (idx + i) % n
		if t.written[slot] {
			t.rotateHook(&t.entries[slot])
		}
	}
}

// Report folds update into the current epoch's entry, first advancing the
// ring to match wall-clock time.
func (t *TimeSeriesTracker[Entry, Update]) Report(update Update) {
	t.Advance()
	t.fold(&t.entries[t.current], update)
	t.written[t.current] = true
}

// Current returns a pointer to the current epoch's entry, advancing the
// ring first. Mutating through this pointer bypasses Fold and should only
// be used for read access or for tests.
func (t *TimeSeriesTracker[Entry, Update]) Current() *Entry {
	t.Advance()
	return &t.entries[t.current]
}

// ForEach walks non-empty entries starting from the most recent and
// moving backward in time (age 0 = current epoch), calling fn with each
// entry's age in epochs and a pointer to it. Iteration stops early if fn
// returns false. It advances the ring first.
func (t *TimeSeriesTracker[Entry, Update]) ForEach(fn func(epochsAgo int, e *Entry) bool) {
	t.Advance()
	n := len(t.entries)
	for age := 0; age < n; age++ {
		idx := (t.current - age + n) % n
		if !t.written[idx] {
			continue
		}
		if !fn(age, &t.entries[idx]) {
			return
		}
	}
}

// ForEachForward walks non-empty entries from oldest to newest (the
// reverse order of ForEach), calling fn with each entry's age in epochs.
func (t *TimeSeriesTracker[Entry, Update]) ForEachForward(fn func(epochsAgo int, e *Entry) bool) {
	t.Advance()
	n := len(t.entries)
	for age := n - 1; age >= 0; age-- {
		idx := (t.current - age + n) % n
		if !t.written[idx] {
			continue
		}
		if !fn(age, &t.entries[idx]) {
			return
		}
	}
}

// WithinLastNEpochs reports the maximum value seen across the last
// epochs window (including the current epoch), using extract to pull a
// comparable scalar out of each entry. It returns zero if no entry falls
// in the window. Epochs with no recorded data do not contribute (their
// entries are skipped by ForEach already).
func WithinLastNEpochs[Entry any, Update any](t *TimeSeriesTracker[Entry, Update], epochs int, extract func(*Entry) int64) int64 {
	var max int64
	first := true
	t.ForEach(func(age int, e *Entry) bool {
		if age >= epochs {
			return false
		}
		v := extract(e)
		if first || v > max {
			max = v
			first = false
		}
		return true
	})
	return max
}
