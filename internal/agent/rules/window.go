package rules

import "time"

// entry is one observation inside a detector window.
type entry struct {
	ts    time.Time
	value float64
	note  string
}

// window is a bounded, time-pruned ring of observations for one detector key.
// Callers hold the engine mutex; the window itself is not locked.
type window struct {
	entries  []entry
	capacity int
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = defaultWindowCapacity
	}
	return &window{
		entries:  make([]entry, 0, capacity),
		capacity: capacity,
	}
}

// push appends an observation, dropping the oldest when full.
func (w *window) push(e entry) {
	if len(w.entries) >= w.capacity {
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, e)
}

// prune drops observations older than cutoff. Observations at exactly cutoff
// stay in the window.
func (w *window) prune(cutoff time.Time) {
	keep := w.entries[:0]
	for _, e := range w.entries {
		if !e.ts.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}

func (w *window) len() int {
	return len(w.entries)
}

// allAtLeast reports whether every observation's value is >= threshold.
func (w *window) allAtLeast(threshold float64) bool {
	for _, e := range w.entries {
		if e.value < threshold {
			return false
		}
	}
	return true
}

// average returns the mean observation value, or 0 for an empty window.
func (w *window) average() float64 {
	if len(w.entries) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range w.entries {
		sum += e.value
	}
	return sum / float64(len(w.entries))
}

// newest returns the most recent observation.
func (w *window) newest() entry {
	if len(w.entries) == 0 {
		return entry{}
	}
	return w.entries[len(w.entries)-1]
}
