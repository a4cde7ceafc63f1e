package domain

import "time"

// Region is the time interval over which a single claim is valid.
// A zero End means the region is still open.
type Region struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// OpenRegion starts a new open region at ts.
func OpenRegion(ts time.Time) Region {
	return Region{Start: ts}
}

// IsOpen reports whether the region has not been closed yet.
func (r Region) IsOpen() bool { return r.End.IsZero() }

// Close ends the region at ts. Closing an already closed region keeps the first end.
func (r *Region) Close(ts time.Time) {
	if !r.IsOpen() {
		return
	}
	if ts.Before(r.Start) {
		ts = r.Start
	}
	r.End = ts
}

// Duration returns how long the region lasted, or how long it has been open as of now.
func (r Region) Duration(now time.Time) time.Duration {
	if r.IsOpen() {
		return now.Sub(r.Start)
	}
	return r.End.Sub(r.Start)
}

// Contains reports whether ts falls inside the region. Open regions extend forever.
func (r Region) Contains(ts time.Time) bool {
	if ts.Before(r.Start) {
		return false
	}
	return r.IsOpen() || !ts.After(r.End)
}
