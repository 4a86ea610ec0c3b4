package pat

import "sync"

// Issue records one function that could not be fully processed.
type Issue struct {
	Function string
	Detail   string
}

// Diagnostics is the structured channel through which the engine reports
// every recoverable condition: functions skipped outright and functions
// emitted with degraded (partial) masking coverage. It is safe for
// concurrent use by pipeline workers; a nil *Diagnostics discards notes.
type Diagnostics struct {
	mu        sync.Mutex
	processed int
	skipped   []Issue
	degraded  []Issue
}

func (d *Diagnostics) noteProcessed() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.processed++
	d.mu.Unlock()
}

func (d *Diagnostics) noteSkipped(fn, detail string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.skipped = append(d.skipped, Issue{Function: fn, Detail: detail})
	d.mu.Unlock()
}

func (d *Diagnostics) noteDegraded(fn, detail string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.degraded = append(d.degraded, Issue{Function: fn, Detail: detail})
	d.mu.Unlock()
}

// Processed returns the number of functions successfully encoded.
func (d *Diagnostics) Processed() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed
}

// Skipped returns the functions that produced no pattern, with the reason.
func (d *Diagnostics) Skipped() []Issue {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Issue(nil), d.skipped...)
}

// Degraded returns the functions emitted with partial masking coverage. A
// degraded pattern is still usable but the pattern file should be flagged.
func (d *Diagnostics) Degraded() []Issue {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Issue(nil), d.degraded...)
}
